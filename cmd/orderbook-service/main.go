package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"gomex.com/internal/netio"
	"gomex.com/internal/orderbook"
	"gomex.com/pkg/config"
	"gomex.com/pkg/logger"
	"gomex.com/pkg/metrics"
	"gomex.com/pkg/safe"
)

const serviceName = "orderbook-service"

type Config struct {
	Server struct {
		Listen      string `mapstructure:"listen"`
		MailboxSize int    `mapstructure:"mailbox_size"`
	} `mapstructure:"server"`
	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`
	Metrics struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"metrics"`
	Matching struct {
		// none | reject
		SelfTradePrevention string `mapstructure:"self_trade_prevention"`
	} `mapstructure:"matching"`
}

func main() {
	var cfg Config
	if _, err := config.LoadAndWatch(serviceName, &cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.InitWithFile(serviceName, cfg.Log.Level, cfg.Log.File)
	metrics.Serve(cfg.Metrics.Listen)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := netio.NewManager(serviceName, cfg.Server.MailboxSize)
	svc := orderbook.NewService(mgr)
	if cfg.Matching.SelfTradePrevention == "reject" {
		svc.WithSelfTradePolicy(orderbook.SelfTradeReject)
	}

	if _, err := mgr.Listen(ctx, cfg.Server.Listen); err != nil {
		logger.Fatal(ctx, "listen failed", zap.String("addr", cfg.Server.Listen), zap.Error(err))
	}
	safe.Go(func() { svc.Run(ctx) })

	<-ctx.Done()
	mgr.Shutdown()
	logger.Info(context.Background(), "orderbook service stopped")
}
