package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"order-tracker-go/connector"
)

const (
	defaultKeepAlive    = 30 * time.Minute
	defaultReconnectMin = time.Second
	defaultReconnectMax = 30 * time.Second
	defaultReadTimeout  = 5 * time.Minute
)

// ListenKeySource 管理用户数据流 listenKey（BinanceRESTClient 实现）。
type ListenKeySource interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
}

// UserStreamConfig 用户数据流参数，零值使用默认。
type UserStreamConfig struct {
	Endpoint     string
	KeepAlive    time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	ReadTimeout  time.Duration
	Logger       *zap.Logger
}

// BinanceUserStream 订阅用户数据流，把 executionReport 转成 connector.StreamMessage。
type BinanceUserStream struct {
	cfg    UserStreamConfig
	keys   ListenKeySource
	pairOf func(string) (string, error)
	dialer *websocket.Dialer
	logger *zap.Logger
}

func NewBinanceUserStream(cfg UserStreamConfig, keys ListenKeySource, pairOf func(string) (string, error)) *BinanceUserStream {
	if cfg.Endpoint == "" {
		cfg.Endpoint = BinanceSpotWSEndpoint
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BinanceUserStream{
		cfg:    cfg,
		keys:   keys,
		pairOf: pairOf,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}
}

// Run 持续读取用户数据流并写入 out，断线后指数退避重连，直到 ctx 结束。
func (s *BinanceUserStream) Run(ctx context.Context, out chan<- connector.StreamMessage) error {
	backoff := s.cfg.ReconnectMin
	for {
		connected, err := s.session(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = s.cfg.ReconnectMin
		}
		s.logger.Warn("user stream disconnected", zap.Error(err), zap.Duration("retry_in", backoff))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > s.cfg.ReconnectMax {
			backoff = s.cfg.ReconnectMax
		}
	}
}

// session 一次连接的生命周期；connected 表示握手成功过。
func (s *BinanceUserStream) session(ctx context.Context, out chan<- connector.StreamMessage) (connected bool, err error) {
	key, err := s.keys.CreateListenKey(ctx)
	if err != nil {
		return false, fmt.Errorf("create listen key: %w", err)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.Endpoint+"/ws/"+key, nil)
	if err != nil {
		return false, fmt.Errorf("dial user stream: %w", err)
	}
	s.logger.Info("user stream connected", zap.String("endpoint", s.cfg.Endpoint))

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sctx.Done()
		_ = conn.Close()
	}()
	go s.keepAlive(sctx, key)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, err
		}
		msg, ok, err := ParseUserStreamMessage(raw, s.pairOf)
		if err != nil {
			s.logger.Warn("skip malformed user stream message", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

func (s *BinanceUserStream) keepAlive(ctx context.Context, key string) {
	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.keys.KeepAliveListenKey(ctx, key); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("listen key keepalive failed", zap.Error(err))
			}
		}
	}
}
