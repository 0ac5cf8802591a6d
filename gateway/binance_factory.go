package gateway

import (
	"time"

	"go.uber.org/zap"
)

// BinanceOptions 构建 Binance 连接器所需的全部参数。
type BinanceOptions struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	WSEndpoint string
	Timeout    time.Duration
	Rate       float64
	Burst      int
}

// BuildBinance 构建 REST 连接器与用户数据流（不发起连接）。
func BuildBinance(opts BinanceOptions, logger *zap.Logger) (*BinanceConnector, *BinanceUserStream) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rest := NewBinanceRESTClient(RESTConfig{
		BaseURL:   opts.BaseURL,
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
		Timeout:   opts.Timeout,
		Rate:      opts.Rate,
		Burst:     opts.Burst,
		Logger:    logger.Named("binance.rest"),
	})
	conn := NewBinanceConnector(rest, logger.Named("binance"))
	stream := NewBinanceUserStream(UserStreamConfig{
		Endpoint: opts.WSEndpoint,
		Logger:   logger.Named("binance.stream"),
	}, rest, conn.TradingPair)
	return conn, stream
}
