package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"order-tracker-go/config"
	"order-tracker-go/connector"
	"order-tracker-go/gateway"
	"order-tracker-go/infrastructure/logger"
	"order-tracker-go/internal/store"
	"order-tracker-go/order"
)

// 进程外的应急撤单：从快照恢复仍在跟踪的订单，逐个撤销，再把剩余状态写回快照。
func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	timeout := flag.Duration("timeout", 30*time.Second, "撤单总超时")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if !strings.EqualFold(cfg.Gateway.Kind, config.GatewayBinance) {
		log.Fatalf("gateway.kind=%s，应急撤单只支持 binance", cfg.Gateway.Kind)
	}
	if cfg.Store.Path == "" {
		log.Fatal("需要 store.path 才能找到仍在跟踪的订单")
	}
	lg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer lg.Close()

	st, err := store.Open(store.Options{Path: cfg.Store.Path})
	if err != nil {
		log.Fatalf("打开 store 失败: %v", err)
	}
	defer st.Close()

	conn, _ := gateway.BuildBinance(gateway.BinanceOptions{
		APIKey:    cfg.Gateway.APIKey,
		APISecret: cfg.Gateway.APISecret,
		BaseURL:   cfg.Gateway.BaseURL,
		Timeout:   cfg.Gateway.Timeout(),
		Rate:      cfg.Gateway.RestRate,
		Burst:     cfg.Gateway.RestBurst,
	}, lg.Logger)

	tracker := order.NewTracker(order.WithLogger(lg.Named("tracker")))
	ex := connector.NewExchange(conn, tracker, connector.WithExchangeLogger(lg.Named("exchange")))

	states, err := st.LoadTrackingStates(conn.Name())
	if err != nil {
		log.Fatalf("读取快照失败: %v", err)
	}
	n := ex.RestoreTrackingStates(states)
	fmt.Printf("🔸 恢复 %d 个跟踪中的订单，开始撤单...\n", n)
	if n == 0 {
		fmt.Println("✅ 没有需要撤销的订单")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	failed := 0
	for _, r := range ex.CancelAll(ctx, *timeout) {
		if r.Success {
			fmt.Printf("✅ %s 已撤销\n", r.ClientOrderID)
		} else {
			failed++
			fmt.Printf("❌ %s 撤单失败\n", r.ClientOrderID)
		}
	}

	if err := st.SaveTrackingStates(conn.Name(), ex.TrackingStates()); err != nil {
		log.Printf("写回快照失败: %v", err)
	}
	fmt.Printf("\n完成：成功 %d，失败 %d\n", n-failed, failed)
}
