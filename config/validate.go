package config

import (
	"fmt"
	"strings"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return ErrInvalid("env is required")
	}
	if cfg.Tracker.CacheSize <= 0 {
		return ErrInvalid("tracker.cacheSize must be > 0")
	}
	if cfg.Tracker.CacheTTLSeconds <= 0 {
		return ErrInvalid("tracker.cacheTTLSeconds must be > 0")
	}
	if cfg.Tracker.NotFoundThreshold < 0 {
		return ErrInvalid("tracker.notFoundThreshold must be >= 0")
	}
	if err := validatePoller(cfg.Poller); err != nil {
		return err
	}
	switch strings.ToLower(cfg.Gateway.Kind) {
	case GatewayPaper:
	case GatewayBinance:
		if cfg.Gateway.APIKey == "" || cfg.Gateway.APISecret == "" {
			return ErrInvalid("gateway.apiKey/apiSecret is required (or env overrides)")
		}
	default:
		return ErrInvalid(fmt.Sprintf("gateway.kind %q must be paper or binance", cfg.Gateway.Kind))
	}
	if cfg.Gateway.RestRate < 0 || cfg.Gateway.RestBurst < 0 {
		return ErrInvalid("gateway.restRate/restBurst must be >= 0")
	}
	if cfg.Store.Path != "" && cfg.Store.SnapshotSeconds <= 0 {
		return ErrInvalid("store.snapshotSeconds must be > 0 when store.path is set")
	}
	if cfg.Alert.ThrottleSeconds < 0 {
		return ErrInvalid("alert.throttleSeconds must be >= 0")
	}
	for pair, r := range cfg.TradingRules {
		if !strings.Contains(pair, "-") {
			return ErrInvalid(fmt.Sprintf("trading rule %s: pair must look like BASE-QUOTE", pair))
		}
		if r.TickSize < 0 || r.StepSize < 0 {
			return ErrInvalid(fmt.Sprintf("trading rule %s: tickSize/stepSize must be >= 0", pair))
		}
		if r.MinQty < 0 || r.MaxQty < 0 || r.MinNotional < 0 {
			return ErrInvalid(fmt.Sprintf("trading rule %s: bounds must be >= 0", pair))
		}
		if r.MaxQty > 0 && r.MinQty > r.MaxQty {
			return ErrInvalid(fmt.Sprintf("trading rule %s: minQty > maxQty", pair))
		}
	}
	return nil
}

func validatePoller(p PollerConfig) error {
	if p.ShortPollSeconds <= 0 || p.LongPollSeconds <= 0 {
		return ErrInvalid("poller.shortPollSeconds/longPollSeconds must be > 0")
	}
	if p.ShortPollSeconds > p.LongPollSeconds {
		return ErrInvalid("poller.shortPollSeconds must be <= longPollSeconds")
	}
	if p.TickIntervalLimitSeconds < 0 || p.LostOrderPollSeconds < 0 {
		return ErrInvalid("poller.tickIntervalLimitSeconds/lostOrderPollSeconds must be >= 0")
	}
	if p.ErrorBackoffMs < 0 {
		return ErrInvalid("poller.errorBackoffMs must be >= 0")
	}
	if p.FetchConcurrency < 0 {
		return ErrInvalid("poller.fetchConcurrency must be >= 0")
	}
	return nil
}
