package alert

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Level 告警级别
type Level string

const (
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// 告警字段中用来识别来源的键。
const (
	FieldConnector = "connector"
	FieldLoop      = "loop"
)

// Source 告警来源：某个交易所连接器上的某个环节（轮询循环、下单、撤单）。
type Source struct {
	Connector string
	Loop      string
}

func (s Source) empty() bool { return s.Connector == "" && s.Loop == "" }

func (s Source) String() string {
	return s.Connector + "/" + s.Loop
}

// SourceOf 从告警字段中取出来源。
func SourceOf(fields map[string]interface{}) Source {
	var s Source
	s.Connector, _ = fields[FieldConnector].(string)
	s.Loop, _ = fields[FieldLoop].(string)
	return s
}

// Alert 发给用户的一条告警。
type Alert struct {
	Level      Level
	Message    string
	Source     Source
	Timestamp  time.Time
	Suppressed int // 上次送出后同一来源被压下的告警数
	Fields     map[string]interface{}
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

type window struct {
	sent       time.Time
	suppressed int
}

// Throttler 按 级别+来源 限流。
// 轮询循环连续失败时每个间隔只放行一条，其间被压下的条数附在下一条上。
type Throttler struct {
	mu       sync.Mutex
	windows  map[string]*window
	interval time.Duration
	now      func() time.Time
}

func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		windows:  make(map[string]*window),
		interval: interval,
		now:      time.Now,
	}
}

// admit 放行时返回此前被压下的条数。
func (t *Throttler) admit(key string) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	w, ok := t.windows[key]
	if !ok {
		t.windows[key] = &window{sent: now}
		return true, 0
	}
	if now.Sub(w.sent) < t.interval {
		w.suppressed++
		return false, 0
	}
	n := w.suppressed
	w.sent, w.suppressed = now, 0
	return true, n
}

func (t *Throttler) forget(suffix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.windows {
		if strings.HasSuffix(k, suffix) {
			delete(t.windows, k)
		}
	}
}

func (t *Throttler) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows = make(map[string]*window)
}

func throttleKey(level Level, src Source, message string) string {
	if src.empty() {
		// 来源不明的告警按消息文本区分
		return string(level) + "|msg:" + message
	}
	return string(level) + "|" + src.String()
}

// Manager 告警管理器，实现 connector.Notifier。
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	throttle *Throttler
}

func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

// SendAlert 限流后投递到所有通道。被限流时返回 nil；只有全部通道都失败才返回错误。
func (m *Manager) SendAlert(a Alert) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = m.throttle.now()
	}
	if a.Source.empty() {
		a.Source = SourceOf(a.Fields)
	}

	ok, suppressed := m.throttle.admit(throttleKey(a.Level, a.Source, a.Message))
	if !ok {
		return nil
	}
	a.Suppressed = suppressed

	m.mu.RLock()
	defer m.mu.RUnlock()

	var lastErr error
	delivered := 0
	for _, ch := range m.channels {
		if err := ch.Send(a); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
			continue
		}
		delivered++
	}
	if delivered == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

func (m *Manager) SendWarning(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelWarning, Message: message, Fields: fields})
}

func (m *Manager) SendError(message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelError, Message: message, Fields: fields})
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
}

// Channels 已注册通道名。
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Recovered 连接器上的某个环节恢复正常后清掉它的限流窗口，下一次失败立即告警。
func (m *Manager) Recovered(connector, loop string) {
	m.throttle.forget("|" + Source{Connector: connector, Loop: loop}.String())
}

// ResetThrottle 清空全部限流窗口。
func (m *Manager) ResetThrottle() {
	m.throttle.clear()
}
