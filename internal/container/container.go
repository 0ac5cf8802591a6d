package container

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"order-tracker-go/config"
	"order-tracker-go/connector"
	"order-tracker-go/events"
	"order-tracker-go/gateway"
	"order-tracker-go/infrastructure/alert"
	"order-tracker-go/infrastructure/logger"
	"order-tracker-go/infrastructure/monitor"
	"order-tracker-go/internal/store"
	"order-tracker-go/order"
)

const (
	streamBuffer       = 1024
	eventBuffer        = 4096
	gaugeSampleEvery   = 5 * time.Second
	defaultCancelAfter = 10 * time.Second
	watchCooldown      = time.Second
)

// Options 控制容器的可选行为，通常来自命令行。
type Options struct {
	// CancelOnStop 停止时撤销所有仍在跟踪的订单
	CancelOnStop  bool
	CancelTimeout time.Duration
	// WatchConfig 配置文件变化时热更新轮询间隔与交易规则
	WatchConfig bool
	// InMemoryStore 忽略 store.path，使用内存 badger（测试/演练用）
	InMemoryStore bool
}

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfgMu      sync.RWMutex
	cfg        config.AppConfig
	configPath string
	opts       Options

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager
	store   *store.Store

	// 交易所网关
	paper      *gateway.PaperExchange
	binance    *gateway.BinanceConnector
	userStream *gateway.BinanceUserStream
	stream     chan connector.StreamMessage

	// 核心服务
	pump       *events.Pump
	tracker    *order.Tracker
	exchange   *connector.Exchange
	reconciler *connector.Reconciler

	// 生命周期管理
	lifecycle *LifecycleManager
	built     bool
}

// New 创建新的Container实例
func New(configPath string, opts Options) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewWithConfig(cfg, opts)
	c.configPath = configPath
	return c, nil
}

// NewWithConfig 使用已加载的配置；不会启用配置热更新。
func NewWithConfig(cfg config.AppConfig, opts Options) *Container {
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = defaultCancelAfter
	}
	return &Container{
		cfg:       cfg,
		opts:      opts,
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if c.built {
		return nil
	}
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}
	if err := c.restore(); err != nil {
		return fmt.Errorf("restore tracking states failed: %w", err)
	}
	if err := c.registerLifecycleComponents(); err != nil {
		return err
	}
	c.built = true
	c.logger.Info("container built",
		zap.String("env", c.cfg.Env),
		zap.String("gateway", c.exchange.Name()))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.monitor = monitor.New(monitor.DefaultConfig())

	throttle := time.Duration(c.cfg.Alert.ThrottleSeconds) * time.Second
	c.alerts = alert.NewManager([]alert.Channel{
		alert.NewZapChannel("log", c.logger.Named("alert")),
	}, throttle)

	switch {
	case c.opts.InMemoryStore:
		c.store, err = store.Open(store.Options{InMemory: true})
	case c.cfg.Store.Path != "":
		c.store, err = store.Open(store.Options{Path: c.cfg.Store.Path})
	}
	if err != nil {
		return fmt.Errorf("open store failed: %w", err)
	}
	return nil
}

func (c *Container) buildGateway() error {
	c.stream = make(chan connector.StreamMessage, streamBuffer)

	switch strings.ToLower(c.cfg.Gateway.Kind) {
	case config.GatewayBinance:
		c.binance, c.userStream = gateway.BuildBinance(gateway.BinanceOptions{
			APIKey:     c.cfg.Gateway.APIKey,
			APISecret:  c.cfg.Gateway.APISecret,
			BaseURL:    c.cfg.Gateway.BaseURL,
			WSEndpoint: c.cfg.Gateway.WSEndpoint,
			Timeout:    c.cfg.Gateway.Timeout(),
			Rate:       c.cfg.Gateway.RestRate,
			Burst:      c.cfg.Gateway.RestBurst,
		}, c.logger.Logger)
	case config.GatewayPaper, "":
		c.paper = gateway.NewPaperExchange(gateway.WithPaperStream(c.stream))
	default:
		return fmt.Errorf("unknown gateway kind %q", c.cfg.Gateway.Kind)
	}
	return nil
}

func (c *Container) buildCoreServices() error {
	var conn connector.Connector
	if c.binance != nil {
		conn = c.binance
	} else {
		conn = c.paper
	}
	instrumented := monitor.Instrument(conn, c.monitor)

	// 指标同步更新；日志走异步泵，慢速输出不会阻塞 Tracker
	c.pump = events.NewPump(events.ListenerFunc(c.logEvent), eventBuffer)
	c.tracker = order.NewTracker(
		order.WithLogger(c.logger.Named("tracker")),
		order.WithListener(events.Multi{c.monitor, c.pump}),
		order.WithCacheSize(c.cfg.Tracker.CacheSize),
		order.WithCacheTTL(c.cfg.Tracker.CacheTTL()),
		order.WithNotFoundThreshold(c.cfg.Tracker.NotFoundThreshold),
	)

	c.exchange = connector.NewExchange(instrumented, c.tracker,
		connector.WithExchangeLogger(c.logger.Named("exchange")),
		connector.WithNotifier(c.alerts),
	)
	c.exchange.SetTradingRules(c.cfg.Rules())

	c.reconciler = connector.NewReconciler(instrumented, c.tracker,
		connector.WithReconcilerLogger(c.logger.Named("reconciler")),
		connector.WithReconcilerNotifier(c.alerts),
		connector.WithObserver(c.monitor),
		connector.WithIntervals(c.cfg.Poller.Intervals()),
		connector.WithFetchConcurrency(c.cfg.Poller.FetchConcurrency),
	)
	return nil
}

func (c *Container) restore() error {
	if c.store == nil {
		return nil
	}
	states, err := c.store.LoadTrackingStates(c.exchange.Name())
	if err != nil {
		return err
	}
	c.exchange.RestoreTrackingStates(states)
	return nil
}

func (c *Container) registerLifecycleComponents() error {
	log := c.logger.Named("lifecycle")

	if c.cfg.Metrics.Addr != "" {
		c.lifecycle.Register(&httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.Metrics.Addr,
			logger:  log,
		})
	}

	c.lifecycle.Register(newLoop("event_pump", log, c.pump.Run))
	c.lifecycle.Register(newLoop("state_sampler", log, c.sampleLoop))

	if c.userStream != nil {
		c.lifecycle.Register(newLoop("user_stream", log, func(ctx context.Context) error {
			return c.userStream.Run(ctx, c.stream)
		}))
	}
	c.lifecycle.Register(newLoop("reconciler", log, func(ctx context.Context) error {
		return c.reconciler.Run(ctx, c.stream)
	}))

	if c.opts.WatchConfig && c.configPath != "" {
		w, err := config.NewWatcher(c.configPath, watchCooldown, c.logger.Named("config"))
		if err != nil {
			return fmt.Errorf("create config watcher failed: %w", err)
		}
		c.lifecycle.Register(newLoop("config_watcher", log, func(ctx context.Context) error {
			return w.Run(ctx, c.ApplyConfig)
		}))
	}
	return nil
}

// ApplyConfig 应用热更新：轮询间隔与交易规则立即生效，Tracker 参数需要重启。
func (c *Container) ApplyConfig(cfg config.AppConfig) {
	c.reconciler.UpdateIntervals(cfg.Poller.Intervals())
	c.exchange.SetTradingRules(cfg.Rules())

	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	if cfg.Tracker != c.cfg.Tracker || cfg.Gateway != c.cfg.Gateway {
		c.logger.Warn("tracker/gateway settings changed; restart required to apply")
	}
	c.cfg.Poller = cfg.Poller
	c.cfg.TradingRules = cfg.TradingRules
}

// sampleLoop 定期刷新跟踪数量指标，并在配置了存储时写快照。
func (c *Container) sampleLoop(ctx context.Context) error {
	every := gaugeSampleEvery
	snapshotEvery := time.Duration(c.cfg.Store.SnapshotSeconds) * time.Second
	if c.store != nil && snapshotEvery > 0 && snapshotEvery < every {
		every = snapshotEvery
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var lastSnapshot time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			c.monitor.UpdateTrackedOrders(c.tracker.Counts())
			if c.store != nil && now.Sub(lastSnapshot) >= snapshotEvery {
				if err := c.Snapshot(); err != nil {
					c.logger.Warn("snapshot failed", zap.Error(err))
					continue
				}
				lastSnapshot = now
			}
		}
	}
}

// Snapshot 持久化当前未完成订单；没有存储时什么都不做。
func (c *Container) Snapshot() error {
	if c.store == nil {
		return nil
	}
	return c.store.SaveTrackingStates(c.exchange.Name(), c.exchange.TrackingStates())
}

func (c *Container) logEvent(e events.Event) {
	fields := []zap.Field{
		zap.String("kind", string(e.Kind())),
		zap.String("client_order_id", e.OrderID()),
	}
	switch ev := e.(type) {
	case events.OrderFilled:
		fields = append(fields,
			zap.String("trading_pair", ev.TradingPair),
			zap.String("price", ev.Price.String()),
			zap.String("amount", ev.Amount.String()))
	case events.OrderFailure:
		c.logger.Warn("order event", fields...)
		return
	}
	c.logger.Info("order event", fields...)
}

func (c *Container) Start(ctx context.Context) error {
	if !c.built {
		return errors.New("container not built")
	}
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

// Stop 可选地先撤单，再逆序停止组件，最后写入最终快照。
func (c *Container) Stop() error {
	if !c.built {
		return nil
	}
	c.logger.Info("stopping container...")

	var errs []error
	if c.opts.CancelOnStop {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.CancelTimeout)
		results := c.exchange.CancelAll(ctx, c.opts.CancelTimeout)
		cancel()
		failed := 0
		for _, r := range results {
			if !r.Success {
				failed++
			}
		}
		c.logger.Info("cancel all on stop", zap.Int("orders", len(results)), zap.Int("failed", failed))
	}

	if err := c.lifecycle.StopAll(); err != nil {
		c.logger.Error("stop components failed", zap.Error(err))
		errs = append(errs, err)
	}

	if err := c.Snapshot(); err != nil {
		c.logger.Error("final snapshot failed", zap.Error(err))
		errs = append(errs, err)
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	c.logger.Info("container stopped")
	_ = c.logger.Close()
	c.built = false
	return errors.Join(errs...)
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

func (c *Container) Config() config.AppConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

func (c *Container) Exchange() *connector.Exchange     { return c.exchange }
func (c *Container) Tracker() *order.Tracker           { return c.tracker }
func (c *Container) Reconciler() *connector.Reconciler { return c.reconciler }
func (c *Container) Monitor() *monitor.Monitor         { return c.monitor }
func (c *Container) Store() *store.Store               { return c.store }

// Paper 只有 paper 网关时非 nil。
func (c *Container) Paper() *gateway.PaperExchange { return c.paper }
