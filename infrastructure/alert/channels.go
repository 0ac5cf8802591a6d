package alert

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ZapChannel 把告警写入结构化日志
type ZapChannel struct {
	logger *zap.Logger
	name   string
}

// NewZapChannel 创建日志告警通道
func NewZapChannel(name string, logger *zap.Logger) *ZapChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapChannel{logger: logger.Named("alert"), name: name}
}

// Send 发送告警到日志
func (c *ZapChannel) Send(alert Alert) error {
	fields := make([]zap.Field, 0, len(alert.Fields)+4)
	fields = append(fields, zap.String("level", string(alert.Level)), zap.Time("alert_ts", alert.Timestamp))
	if !alert.Source.empty() {
		fields = append(fields, zap.Stringer("source", alert.Source))
	}
	if alert.Suppressed > 0 {
		fields = append(fields, zap.Int("suppressed", alert.Suppressed))
	}
	for k, v := range alert.Fields {
		if k == FieldConnector || k == FieldLoop {
			continue
		}
		fields = append(fields, zap.Any(k, v))
	}
	switch alert.Level {
	case LevelError:
		c.logger.Error(alert.Message, fields...)
	default:
		c.logger.Warn(alert.Message, fields...)
	}
	return nil
}

func (c *ZapChannel) Name() string { return c.name }

// MockChannel 模拟告警通道（用于测试）
type MockChannel struct {
	name      string
	alerts    []Alert
	shouldErr bool
	mu        sync.Mutex
}

// NewMockChannel 创建模拟告警通道
func NewMockChannel(name string) *MockChannel {
	return &MockChannel{name: name}
}

// Send 记录告警（用于测试验证）
func (c *MockChannel) Send(alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return fmt.Errorf("mock error")
	}
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *MockChannel) Name() string { return c.name }

// GetAlerts 获取所有接收到的告警
func (c *MockChannel) GetAlerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Alert, len(c.alerts))
	copy(out, c.alerts)
	return out
}

// SetShouldError 设置是否返回错误
func (c *MockChannel) SetShouldError(shouldErr bool) {
	c.mu.Lock()
	c.shouldErr = shouldErr
	c.mu.Unlock()
}

// Count 返回接收到的告警数量
func (c *MockChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}
