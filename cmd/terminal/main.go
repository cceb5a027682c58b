// Quant Terminal — a multi-exchange signal-driven trading service.
//
// Two subsystems share one process:
//
//	Market monitor  — polls candle batches per (symbol, timeframe) pair,
//	                  runs the MACD-gated SpecialK detector and pushes chat
//	                  alerts; an optional minute-bar worker watches a live
//	                  kline stream for volume/price anomalies.
//	Signal router   — HTTP webhooks feed per-instance trading engines: each
//	                  registered instance drives its broker adapter through
//	                  a position state machine with self-healing, stop-loss
//	                  and market-hours watchdogs.
//
// Layout:
//
//	config/    — viper YAML config + env overrides
//	alert/     — DingTalk-style chat sink with HMAC signing
//	strategy/  — SpecialK detector, rolling volume baseline
//	market/    — candle fetcher, depth snapshots, kline websocket
//	monitor/   — sweep loop + minute-bar anomaly worker
//	broker/    — exchange capability: binance, ostium, paper
//	engine/    — trading state machine, watchdogs, instance registry
//	store/     — PostgreSQL persistence (GORM)
//	api/       — HTTP surface: instances, webhooks, monitor control
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"quant-terminal/internal/alert"
	"quant-terminal/internal/api"
	"quant-terminal/internal/broker"
	"quant-terminal/internal/config"
	"quant-terminal/internal/engine"
	"quant-terminal/internal/market"
	"quant-terminal/internal/monitor"
	"quant-terminal/internal/store"
	"quant-terminal/pkg/types"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("QT_CONFIG"); p != "" {
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

	st, err := store.Open(cfg.Database)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	fetcher := market.NewFetcher(cfg.Binance, rdb, logger)
	sink := alert.NewSink(cfg.Alert, logger)

	// Currency monitor.
	var monitorSvc *monitor.Service
	if cfg.Monitor.Enabled {
		monitorSvc = monitor.NewService(cfg.Monitor, fetcher, sink, st, logger)
		seed := make([]types.Pair, 0, len(cfg.Monitor.Pairs))
		for _, p := range cfg.Monitor.Pairs {
			pair, err := types.NewPair(p.Symbol, p.Timeframe)
			if err != nil {
				logger.Error("invalid monitor pair", "symbol", p.Symbol, "timeframe", p.Timeframe, "error", err)
				os.Exit(1)
			}
			seed = append(seed, pair)
		}
		if err := monitorSvc.Start(rootCtx, seed); err != nil {
			logger.Error("failed to start monitor", "error", err)
			os.Exit(1)
		}
	}

	// Minute-bar anomaly worker.
	if cfg.MinuteAlert.Enabled {
		symbols := cfg.MinuteAlert.Symbols
		if len(symbols) == 0 {
			symbols = fetcher.USDTSymbols(rootCtx)
		}
		stream := market.NewKlineStream(cfg.Binance.WSBaseURL, symbols, logger)
		minuteSvc := monitor.NewMinuteAlert(cfg.MinuteAlert, stream, fetcher, sink, st, logger)
		go func() {
			if err := stream.Run(rootCtx); err != nil && rootCtx.Err() == nil {
				logger.Error("kline stream failed", "error", err)
			}
		}()
		go func() {
			if err := minuteSvc.Run(rootCtx); err != nil && rootCtx.Err() == nil {
				logger.Error("minute alert worker failed", "error", err)
			}
		}()
		logger.Info("minute alerts enabled", "symbols", len(symbols))
	}

	// Signal router.
	registry := engine.NewRegistry(cfg.Engine, st, st, sink, logger)
	newBroker := func(exchange string, creds broker.Credentials) (broker.Client, error) {
		return broker.New(exchange, creds, cfg, logger)
	}

	var apiMonitor api.Monitor
	if monitorSvc != nil {
		apiMonitor = monitorSvc
	}
	handlers := api.NewHandlers(registry, apiMonitor, newBroker, cfg.Server.WebhookSecret, cfg.Ostium.ForbiddenHours, logger)
	server := api.NewServer(cfg.Server, handlers, logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	logger.Info("quant terminal started",
		"addr", cfg.Server.Host, "port", cfg.Server.Port,
		"monitor", cfg.Monitor.Enabled,
		"minute_alerts", cfg.MinuteAlert.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("api server failed", "error", err)
		os.Exit(1)
	}

	if err := server.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	if monitorSvc != nil {
		monitorSvc.Stop()
	}
	rootCancel()
	registry.Shutdown()

	logger.Info("shutdown complete")
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
