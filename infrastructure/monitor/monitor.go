package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"order-tracker-go/events"
)

// Monitor Prometheus监控指标收集器。
// 同时实现 events.Listener 与 connector.Observer。
type Monitor struct {
	registry *prometheus.Registry

	// 订单生命周期
	lifecycleEvents *prometheus.CounterVec
	filledBase      *prometheus.CounterVec
	trackedOrders   *prometheus.GaugeVec

	// 对账轮询
	polls        *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec
	fetchErrors  *prometheus.CounterVec

	// 交易所请求
	restRequests *prometheus.CounterVec
	restErrors   *prometheus.CounterVec
	restLatency  *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "ot",
		Subsystem: "tracker",
	}
}

// New 创建新的Monitor实例（独立 registry）
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Monitor{
		registry: reg,

		lifecycleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "lifecycle_events_total",
			Help:      "订单生命周期事件数",
		}, []string{"kind"}),
		filledBase: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "filled_base_total",
			Help:      "累计成交量（base）",
		}, []string{"trading_pair"}),
		trackedOrders: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "tracked_orders",
			Help:      "各分区订单数（active/lost/cached）",
		}, []string{"bucket"}),

		polls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "polls_total",
			Help:      "对账轮询次数",
		}, []string{"loop"}),
		pollDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "poll_duration_seconds",
			Help:      "单次对账轮询耗时（秒）",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"loop"}),
		fetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "fetch_errors_total",
			Help:      "查询订单状态/成交失败次数",
		}, []string{"loop", "reason"}),

		restRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rest_requests_total",
			Help:      "REST请求总数",
		}, []string{"action"}),
		restErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rest_errors_total",
			Help:      "REST错误总数",
		}, []string{"action"}),
		restLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "rest_latency_seconds",
			Help:      "REST请求延迟（秒）",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}
}

// OnEvent 在 Tracker 锁内被调用，只做计数。
func (m *Monitor) OnEvent(e events.Event) {
	m.lifecycleEvents.WithLabelValues(string(e.Kind())).Inc()
	if f, ok := e.(events.OrderFilled); ok {
		m.filledBase.WithLabelValues(f.TradingPair).Add(f.Amount.InexactFloat64())
	}
}

// UpdateTrackedOrders 刷新各分区订单数。
func (m *Monitor) UpdateTrackedOrders(active, lost, cached int) {
	m.trackedOrders.WithLabelValues("active").Set(float64(active))
	m.trackedOrders.WithLabelValues("lost").Set(float64(lost))
	m.trackedOrders.WithLabelValues("cached").Set(float64(cached))
}

// PollCompleted implements connector.Observer.
func (m *Monitor) PollCompleted(loop string, orders int, elapsed time.Duration) {
	m.polls.WithLabelValues(loop).Inc()
	m.pollDuration.WithLabelValues(loop).Observe(elapsed.Seconds())
}

// FetchError implements connector.Observer.
func (m *Monitor) FetchError(loop, reason string) {
	m.fetchErrors.WithLabelValues(loop, reason).Inc()
}

func (m *Monitor) RecordRESTRequest(action string) {
	m.restRequests.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRESTError(action string) {
	m.restErrors.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRESTLatency(action string, seconds float64) {
	m.restLatency.WithLabelValues(action).Observe(seconds)
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
