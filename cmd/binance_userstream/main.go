package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"order-tracker-go/config"
	"order-tracker-go/connector"
	"order-tracker-go/events"
	"order-tracker-go/gateway"
	"order-tracker-go/infrastructure/logger"
	"order-tracker-go/internal/store"
	"order-tracker-go/order"
)

// 订阅 Binance 用户数据流并打印解析结果；-track 时把推送交给从快照恢复的 Tracker。
func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	track := flag.Bool("track", false, "从 store 恢复跟踪订单，并把推送应用到 Tracker")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	lg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer lg.Close()

	conn, stream := gateway.BuildBinance(gateway.BinanceOptions{
		APIKey:     cfg.Gateway.APIKey,
		APISecret:  cfg.Gateway.APISecret,
		BaseURL:    cfg.Gateway.BaseURL,
		WSEndpoint: cfg.Gateway.WSEndpoint,
		Timeout:    cfg.Gateway.Timeout(),
		Rate:       cfg.Gateway.RestRate,
		Burst:      cfg.Gateway.RestBurst,
	}, lg.Logger)

	var tracker *order.Tracker
	if *track {
		tracker = order.NewTracker(
			order.WithLogger(lg.Named("tracker")),
			order.WithListener(events.ListenerFunc(func(e events.Event) {
				lg.Info("ORDER event", zap.String("kind", string(e.Kind())), zap.String("client_order_id", e.OrderID()))
			})),
		)
		if cfg.Store.Path != "" {
			st, err := store.Open(store.Options{Path: cfg.Store.Path})
			if err != nil {
				log.Fatalf("打开 store 失败: %v", err)
			}
			states, err := st.LoadTrackingStates(conn.Name())
			_ = st.Close()
			if err != nil {
				log.Fatalf("读取快照失败: %v", err)
			}
			lg.Info("restored", zap.Int("orders", tracker.RestoreTrackingStates(states)))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	msgs := make(chan connector.StreamMessage, 256)
	go func() {
		if err := stream.Run(ctx, msgs); err != nil && ctx.Err() == nil {
			lg.Error("user stream stopped", zap.Error(err))
			stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-msgs:
			if m.Order != nil {
				lg.Info("order update",
					zap.String("client_order_id", m.Order.ClientOrderID),
					zap.String("exchange_order_id", m.Order.ExchangeOrderID),
					zap.String("state", string(m.Order.NewState)))
			}
			if m.Trade != nil {
				lg.Info("trade update",
					zap.String("client_order_id", m.Trade.ClientOrderID),
					zap.String("trade_id", m.Trade.TradeID),
					zap.String("base", m.Trade.FillBaseAmount.String()),
					zap.String("price", m.Trade.FillPrice.String()))
			}
			if tracker != nil {
				if m.Trade != nil {
					tracker.ProcessTradeUpdate(*m.Trade)
				}
				if m.Order != nil {
					tracker.ProcessOrderUpdate(*m.Order)
				}
			}
		}
	}
}
