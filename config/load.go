package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"order-tracker-go/connector"
	"order-tracker-go/infrastructure/logger"
)

const (
	GatewayPaper   = "paper"
	GatewayBinance = "binance"

	EnvAPIKey    = "OT_GATEWAY_API_KEY"
	EnvAPISecret = "OT_GATEWAY_API_SECRET"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env          string                       `yaml:"env"`
	Tracker      TrackerConfig                `yaml:"tracker"`
	Poller       PollerConfig                 `yaml:"poller"`
	Gateway      GatewayConfig                `yaml:"gateway"`
	Log          logger.Config                `yaml:"log"`
	Metrics      MetricsConfig                `yaml:"metrics"`
	Store        StoreConfig                  `yaml:"store"`
	Alert        AlertConfig                  `yaml:"alert"`
	TradingRules map[string]TradingRuleConfig `yaml:"tradingRules"`
}

type TrackerConfig struct {
	CacheSize         int `yaml:"cacheSize"`
	CacheTTLSeconds   int `yaml:"cacheTTLSeconds"`
	NotFoundThreshold int `yaml:"notFoundThreshold"`
}

type PollerConfig struct {
	ShortPollSeconds         float64 `yaml:"shortPollSeconds"`
	LongPollSeconds          float64 `yaml:"longPollSeconds"`
	TickIntervalLimitSeconds float64 `yaml:"tickIntervalLimitSeconds"`
	LostOrderPollSeconds     float64 `yaml:"lostOrderPollSeconds"` // 0 表示跟随 shortPollSeconds
	ErrorBackoffMs           int     `yaml:"errorBackoffMs"`
	FetchConcurrency         int     `yaml:"fetchConcurrency"`
}

type GatewayConfig struct {
	Kind           string  `yaml:"kind"` // paper | binance
	APIKey         string  `yaml:"apiKey"`
	APISecret      string  `yaml:"apiSecret"`
	BaseURL        string  `yaml:"baseURL"`
	WSEndpoint     string  `yaml:"wsEndpoint"`
	TimeoutSeconds float64 `yaml:"timeoutSeconds"`
	RestRate       float64 `yaml:"restRate"`  // 每秒请求数
	RestBurst      int     `yaml:"restBurst"` // 令牌桶容量
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // 为空时不启动 /metrics
}

type StoreConfig struct {
	Path            string `yaml:"path"` // 为空时不持久化
	SnapshotSeconds int    `yaml:"snapshotSeconds"`
}

type AlertConfig struct {
	ThrottleSeconds int `yaml:"throttleSeconds"`
}

// TradingRuleConfig 保存交易对的精度/名义限制（来自 exchangeInfo）。
type TradingRuleConfig struct {
	TickSize    float64 `yaml:"tickSize"`
	StepSize    float64 `yaml:"stepSize"`
	MinQty      float64 `yaml:"minQty"`
	MaxQty      float64 `yaml:"maxQty"`
	MinNotional float64 `yaml:"minNotional"`
}

// Default 返回所有字段填好默认值的配置。
func Default() AppConfig {
	return AppConfig{
		Env: "dev",
		Tracker: TrackerConfig{
			CacheSize:         1000,
			CacheTTLSeconds:   30,
			NotFoundThreshold: 3,
		},
		Poller: PollerConfig{
			ShortPollSeconds:         5,
			LongPollSeconds:          120,
			TickIntervalLimitSeconds: 60,
			ErrorBackoffMs:           500,
			FetchConcurrency:         8,
		},
		Gateway: GatewayConfig{
			Kind:           GatewayPaper,
			TimeoutSeconds: 10,
			RestRate:       10,
			RestBurst:      20,
		},
		Log:   logger.DefaultConfig(),
		Store: StoreConfig{SnapshotSeconds: 30},
		Alert: AlertConfig{ThrottleSeconds: 60},
	}
}

// Load reads YAML config from path and applies basic validation.
// 未出现在文件中的字段保留默认值。
func Load(path string) (AppConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
// 配置文件同目录下的 .env 会先被加载（不覆盖已有环境变量）。
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv(EnvAPISecret); v != "" {
		cfg.Gateway.APISecret = v
	}
	return cfg, Validate(cfg)
}

func read(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// Intervals 轮询参数转换为 connector.Intervals。
func (p PollerConfig) Intervals() connector.Intervals {
	return connector.Intervals{
		ShortPoll:         seconds(p.ShortPollSeconds),
		LongPoll:          seconds(p.LongPollSeconds),
		TickIntervalLimit: seconds(p.TickIntervalLimitSeconds),
		LostOrderPoll:     seconds(p.LostOrderPollSeconds),
		ErrorBackoff:      time.Duration(p.ErrorBackoffMs) * time.Millisecond,
	}
}

func (t TrackerConfig) CacheTTL() time.Duration {
	return time.Duration(t.CacheTTLSeconds) * time.Second
}

func (g GatewayConfig) Timeout() time.Duration {
	return seconds(g.TimeoutSeconds)
}

// Rules 把配置中的精度限制转换为 connector.TradingRule 列表。
func (c AppConfig) Rules() []connector.TradingRule {
	out := make([]connector.TradingRule, 0, len(c.TradingRules))
	for pair, r := range c.TradingRules {
		out = append(out, connector.TradingRule{
			TradingPair:            pair,
			MinOrderSize:           decimal.NewFromFloat(r.MinQty),
			MaxOrderSize:           decimal.NewFromFloat(r.MaxQty),
			MinPriceIncrement:      decimal.NewFromFloat(r.TickSize),
			MinBaseAmountIncrement: decimal.NewFromFloat(r.StepSize),
			MinNotionalSize:        decimal.NewFromFloat(r.MinNotional),
		})
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
