package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"order-tracker-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	cancelOnExit := flag.Bool("cancelOnExit", false, "退出前撤销所有仍在跟踪的订单")
	cancelTimeout := flag.Duration("cancelTimeout", 10*time.Second, "退出撤单的总超时")
	watch := flag.Bool("watch", true, "监听配置文件变化并热更新轮询间隔/交易规则")
	flag.Parse()

	c, err := container.New(*cfgPath, container.Options{
		CancelOnStop:  *cancelOnExit,
		CancelTimeout: *cancelTimeout,
		WatchConfig:   *watch,
	})
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		_ = c.Stop()
		log.Fatalf("启动失败: %v", err)
	}
	// 非 systemd 环境下 NOTIFY_SOCKET 为空，SdNotify 直接返回 false
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("sd_notify ready: %v", err)
	}

	go watchdog(ctx, c)

	<-ctx.Done()
	log.Println("收到退出信号，开始清理...")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if err := c.Stop(); err != nil {
		log.Printf("停止时出现错误: %v", err)
		os.Exit(1)
	}
}

// watchdog 在组件健康时按 WatchdogSec 的一半喂狗；不健康时停止喂狗让 systemd 重启进程。
func watchdog(ctx context.Context, c *container.Container) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.HealthCheck(); err != nil {
				log.Printf("health check failed: %v", err)
				continue
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
