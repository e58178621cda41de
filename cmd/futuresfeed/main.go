// futuresfeed — a real-time USDT-M futures market-data ingestion and
// analytics daemon.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: bootstrap → transport → pipeline, health/session/janitor ticks
//	exchange/client.go   — rate-limited REST client (exchangeInfo, 24h ticker discovery)
//	exchange/ws.go       — combined-stream WebSocket transport with adaptive backoff
//	exchange/decode.go   — stream payload → normalized TradeEvent
//	bus/bus.go           — per-kind / per-symbol broadcast with drop-oldest backpressure
//	repo/repository.go   — de-dup set, monetary filter caches, batched snapshots
//	aggregate/...        — per-(market, kind) time-windowed merge
//	analytics/...        — momentum, trend, liquidity, order-flow caches + predictor
//
// The daemon consumes only public data; besides stream subscriptions it
// sends the exchange nothing but the public REST bootstrap GETs.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"futuresfeed/internal/api"
	"futuresfeed/internal/clock"
	"futuresfeed/internal/config"
	"futuresfeed/internal/engine"
	"futuresfeed/internal/metrics"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("FEED_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	mets := metrics.New()
	eng := engine.New(cfg, clock.System(), mets, logger)

	var diagServer *api.Server
	if cfg.Diag.Enabled {
		diagServer = api.NewServer(cfg.Diag, eng, mets, logger)
		go func() {
			if err := diagServer.Start(); err != nil {
				logger.Error("diagnostics server failed", "error", err)
			}
		}()
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("futuresfeed started",
		"testnet", cfg.Testnet,
		"profile", cfg.Tiering.Profile,
		"threshold", cfg.Repository.Threshold,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if diagServer != nil {
		if err := diagServer.Stop(); err != nil {
			logger.Error("failed to stop diagnostics server", "error", err)
		}
	}
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
