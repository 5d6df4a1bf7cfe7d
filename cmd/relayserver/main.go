// Package main runs the position relay: the websocket acceptor, the room
// registry and the 10Hz broadcast scheduler in one process.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/cory-johannsen/posrelay/internal/config"
	"github.com/cory-johannsen/posrelay/internal/frontend/websocket"
	"github.com/cory-johannsen/posrelay/internal/observability"
	"github.com/cory-johannsen/posrelay/internal/relay/room"
	"github.com/cory-johannsen/posrelay/internal/relayserver"
	"github.com/cory-johannsen/posrelay/internal/server"
)

const stopTimeout = 10 * time.Second

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file (optional)")
	envPath := flag.String("env", ".env", "path to a dotenv file loaded before configuration (optional)")
	flag.Parse()

	// A missing .env is normal outside development.
	_ = godotenv.Load(*envPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	metrics := observability.NewMetrics()
	registry := room.NewRegistry(cfg.Relay.MaxRoomLen, logger, metrics)
	handler := relayserver.NewConnectionHandler(cfg.Relay, registry, logger, metrics)
	scheduler := relayserver.NewBroadcastScheduler(cfg.Relay.TickInterval, registry, logger, metrics)
	acceptor := websocket.NewAcceptor(cfg.Server, cfg.Websocket, handler, metrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lifecycle := server.NewLifecycle(logger, stopTimeout)

	lifecycle.Add("broadcast", &server.FuncService{
		StartFn: func() error {
			scheduler.Start(ctx)
			<-ctx.Done()
			return nil
		},
		StopFn: func() {
			cancel()
			scheduler.Stop()
		},
	})

	lifecycle.Add("websocket", &server.FuncService{
		StartFn: acceptor.ListenAndServe,
		StopFn:  acceptor.Stop,
	})

	logger.Info("relay initialized",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("path", cfg.Websocket.Path),
		zap.Duration("tick_interval", cfg.Relay.TickInterval),
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("relay error", zap.Error(err))
	}
}
