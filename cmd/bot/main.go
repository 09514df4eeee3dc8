// Equities trading bot: evaluates technical strategies on bar data, gates
// every order through cash-account compliance checks, and keeps durable
// positions reconciled with the broker.
//
// Layout:
//
//	cmd/bot/main.go        — entry point: config, wiring, signal handling
//	internal/broker        — gateway session (TCP client, paper broker, supervisor)
//	internal/marketdata    — OHLCV bar facade with caching
//	internal/strategy      — strategy variants and the evaluator
//	internal/risk          — pre-trade gates, sizing, profit ladders, fill recording
//	internal/positions     — broker/store reconciliation
//	internal/scheduler     — evaluation, exit, and broker event loops
//	internal/stream        — WebSocket hub and publishers
//	internal/api           — admin HTTP surface
//	internal/jobs          — cron housekeeping (settlement, background sync)
//	internal/store         — gorm persistence (sqlite or postgres)
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"equities-bot/internal/api"
	"equities-bot/internal/broker"
	"equities-bot/internal/config"
	"equities-bot/internal/jobs"
	"equities-bot/internal/marketdata"
	"equities-bot/internal/positions"
	"equities-bot/internal/risk"
	"equities-bot/internal/scheduler"
	"equities-bot/internal/store"
	"equities-bot/internal/strategy"
	"equities-bot/internal/stream"
	"equities-bot/pkg/types"
)

func main() {
	// .env is optional; deployments usually set EQBOT_* directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("EQBOT_CONFIG"); p != "" {
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

	logger := newLogger(cfg.Logging)
	logger.Info("starting equities bot",
		"paper", cfg.Broker.Paper, "dry_run", cfg.DryRun, "strategies", len(cfg.Strategies))

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	account, err := st.FirstOrCreateAccount(ctx, cfg.Broker.Account, "USD")
	if err != nil {
		return err
	}

	// Dry run never opens a gateway session.
	var b broker.Broker
	var supervisor *broker.Supervisor
	if cfg.Broker.Paper || cfg.DryRun {
		b = broker.NewPaper(cfg.Broker, logger)
	} else {
		client := broker.NewClient(cfg.Broker, logger)
		supervisor = broker.NewSupervisor(client,
			cfg.Broker.ProbeInterval, cfg.Broker.ReconnectAttempts, cfg.Broker.ReconnectDelay, logger)
		b = client
	}
	if err := b.Connect(ctx); err != nil {
		// Not fatal: the admin API can connect later, and the
		// supervisor keeps probing gateway sessions.
		logger.Warn("initial broker connect failed", "error", err)
	}
	defer b.Disconnect()

	var source marketdata.Source = marketdata.NewClient(cfg.MarketData, logger)
	if cfg.MarketData.CacheTTL > 0 {
		source = marketdata.NewCache(source, cfg.MarketData.CacheTTL, logger)
	}

	evaluator := strategy.NewEvaluator(logger)
	if err := registerStrategies(ctx, cfg.Strategies, st, evaluator, logger); err != nil {
		return err
	}

	riskEngine := risk.NewEngine(st, b, cfg.Risk, logger)
	syncer := positions.NewSyncer(st, b, cfg.PositionSync, account.ID, logger)
	sched := scheduler.New(cfg.Scheduler, st, b, source, evaluator, riskEngine, syncer, account.ID, logger)

	var wg sync.WaitGroup

	// WebSocket fan-out. The hub and publishers outlive the scheduler
	// during shutdown so late fills still reach connected clients.
	var hub *stream.Hub
	streamCtx, stopStreams := context.WithCancel(context.Background())
	defer stopStreams()
	if cfg.WebSocket.Enabled {
		hub = stream.NewHub(cfg.WebSocket.MaxConnections, logger)
		streams := stream.NewStreams(hub, b, st, evaluator, cfg.WebSocket, account.ID, logger)
		sched.SetTradePublisher(streams)
		sched.SetPortfolioNotifier(streams)

		wg.Add(2)
		go func() {
			defer wg.Done()
			hub.Run()
		}()
		go func() {
			defer wg.Done()
			streams.Run(streamCtx)
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		evaluator.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	if supervisor != nil {
		supervisor.OnReconnect(func() { syncer.RequestSync("reconnect") })
		wg.Add(1)
		go func() {
			defer wg.Done()
			supervisor.Run(ctx)
		}()
	}

	runner, err := jobs.NewRunner(st, syncer, cfg.PositionSync, logger)
	if err != nil {
		return err
	}
	runner.Start()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, sched, b, syncer, hub, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
		logger.Info("admin api listening", "host", cfg.API.Host, "port", cfg.API.Port)
	}

	if cfg.Scheduler.Enabled && b.IsConnected() {
		if err := sched.Start(); err != nil {
			logger.Warn("scheduler autostart failed", "error", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	// Ordered teardown: stop taking requests, stop trading, stop the
	// fan-out, stop housekeeping. Broker disconnect and store close run
	// via defers.
	if apiServer != nil {
		if err := apiServer.Shutdown(context.Background()); err != nil {
			logger.Warn("api shutdown", "error", err)
		}
	}
	if state := sched.State(); state == scheduler.StateRunning || state == scheduler.StatePaused {
		if err := sched.Stop(); err != nil {
			logger.Warn("scheduler stop", "error", err)
		}
	}
	stopStreams()
	if hub != nil {
		hub.Close()
	}
	runner.Stop()

	wg.Wait()
	logger.Info("shutdown complete")
	return nil
}

// registerStrategies builds the configured strategy instances, persisting
// each so trades can reference a stable strategy id.
func registerStrategies(ctx context.Context, cfgs []config.StrategyConfig, st *store.Store, ev *strategy.Evaluator, logger *slog.Logger) error {
	for _, sc := range cfgs {
		impl, err := strategy.New(sc)
		if err != nil {
			return err
		}

		row, err := st.UpsertStrategyInstance(ctx, sc.Kind, sc.Symbol, sc.Timeframe, sc.Enabled)
		if err != nil {
			return err
		}

		ev.Register(&strategy.Instance{
			ID:        row.ID,
			Kind:      sc.Kind,
			Symbol:    sc.Symbol,
			Timeframe: types.Timeframe(sc.Timeframe),
			Enabled:   sc.Enabled,
			Impl:      impl,
		})
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
