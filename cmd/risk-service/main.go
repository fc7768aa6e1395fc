package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gomex.com/internal/netio"
	"gomex.com/internal/protocol"
	"gomex.com/internal/risk"
	"gomex.com/pkg/config"
	"gomex.com/pkg/logger"
	"gomex.com/pkg/metrics"
	"gomex.com/pkg/safe"
)

const serviceName = "risk-service"

type Config struct {
	Server struct {
		Listen      string `mapstructure:"listen"`
		MailboxSize int    `mapstructure:"mailbox_size"`
	} `mapstructure:"server"`
	Upstream struct {
		OrderBookAddr string `mapstructure:"orderbook_addr"`
		InfoAddr      string `mapstructure:"info_addr"`
	} `mapstructure:"upstream"`
	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`
	Metrics struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"metrics"`
	Risk struct {
		ForwardTimeout time.Duration `mapstructure:"forward_timeout"`
		// 新用户的默认限额，零值等于不限
		MaxOutstandingQuantity   int64 `mapstructure:"max_outstanding_quantity"`
		MessageRateLimit         int64 `mapstructure:"message_rate_limit"`
		MessageRateWindowSeconds int   `mapstructure:"message_rate_window_seconds"`
	} `mapstructure:"risk"`
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

	bookConn, err := mgr.Dial(ctx, cfg.Upstream.OrderBookAddr)
	if err != nil {
		logger.Fatal(ctx, "dial order book service failed",
			zap.String("addr", cfg.Upstream.OrderBookAddr), zap.Error(err))
	}
	login(bookConn)

	// 行情服务的 OnInstrument 广播从这条连接进来
	infoConn, err := mgr.Dial(ctx, cfg.Upstream.InfoAddr)
	if err != nil {
		logger.Fatal(ctx, "dial info service failed",
			zap.String("addr", cfg.Upstream.InfoAddr), zap.Error(err))
	}
	login(infoConn)

	svc := risk.NewService(mgr).
		WithBookConn(bookConn).
		WithForwardTimeout(cfg.Risk.ForwardTimeout).
		WithDefaultUserLimits(protocol.UserRiskLimits{
			MaxOutstandingQuantity: cfg.Risk.MaxOutstandingQuantity,
			MessageRateRollingLimit: protocol.RollingWindowLimit{
				Limit:           decimal.NewFromInt(cfg.Risk.MessageRateLimit),
				WindowInSeconds: cfg.Risk.MessageRateWindowSeconds,
			},
		})

	if _, err := mgr.Listen(ctx, cfg.Server.Listen); err != nil {
		logger.Fatal(ctx, "listen failed", zap.String("addr", cfg.Server.Listen), zap.Error(err))
	}
	safe.Go(func() { svc.Run(ctx) })

	<-ctx.Done()
	mgr.Shutdown()
	logger.Info(context.Background(), "risk service stopped")
}

func login(c *netio.Conn) {
	_ = c.Send(protocol.MsgLoginRequest, &protocol.LoginRequest{Username: serviceName})
}
