package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gomex.com/internal/info"
	"gomex.com/internal/info/broker"
	"gomex.com/internal/info/ws"
	"gomex.com/internal/netio"
	"gomex.com/internal/protocol"
	"gomex.com/pkg/config"
	"gomex.com/pkg/logger"
	"gomex.com/pkg/metrics"
	"gomex.com/pkg/safe"
)

const serviceName = "info-service"

type Config struct {
	Server struct {
		Listen      string `mapstructure:"listen"`
		MailboxSize int    `mapstructure:"mailbox_size"`
	} `mapstructure:"server"`
	Upstream struct {
		OrderBookAddr string `mapstructure:"orderbook_addr"`
	} `mapstructure:"upstream"`
	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`
	Metrics struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"metrics"`
	Info struct {
		ForwardTimeout time.Duration `mapstructure:"forward_timeout"`
		DepthLevels    int           `mapstructure:"depth_levels"`
	} `mapstructure:"info"`
	WS struct {
		Listen string `mapstructure:"listen"` // 空则不开 websocket 旁路
	} `mapstructure:"ws"`
	Broker struct {
		Kind    string `mapstructure:"kind"` // none | mem | nats
		NatsURL string `mapstructure:"nats_url"`
	} `mapstructure:"broker"`
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
	_ = bookConn.Send(protocol.MsgLoginRequest, &protocol.LoginRequest{Username: serviceName})

	svc := info.NewService(mgr).
		WithBookConn(bookConn).
		WithForwardTimeout(cfg.Info.ForwardTimeout).
		WithDepthLevels(cfg.Info.DepthLevels)

	if cfg.WS.Listen != "" {
		hub := ws.NewHub()
		svc.WithHub(hub)
		wss := ws.NewServer(ctx, hub)
		mux := http.NewServeMux()
		mux.Handle("/ws", wss)
		safe.Go(func() {
			if err := http.ListenAndServe(cfg.WS.Listen, mux); err != nil && err != http.ErrServerClosed {
				logger.Error(ctx, "websocket listen failed", zap.Error(err))
			}
		})
	}

	switch cfg.Broker.Kind {
	case "nats":
		nb, err := broker.NewNatsBroker(cfg.Broker.NatsURL)
		if err != nil {
			logger.Fatal(ctx, "connect nats failed", zap.String("url", cfg.Broker.NatsURL), zap.Error(err))
		}
		defer nb.Close()
		svc.WithBroker(nb)
	case "mem":
		svc.WithBroker(broker.NewMemBroker())
	}

	if _, err := mgr.Listen(ctx, cfg.Server.Listen); err != nil {
		logger.Fatal(ctx, "listen failed", zap.String("addr", cfg.Server.Listen), zap.Error(err))
	}
	safe.Go(func() { svc.Run(ctx) })

	<-ctx.Done()
	mgr.Shutdown()
	logger.Info(context.Background(), "info service stopped")
}
