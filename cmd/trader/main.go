// Binary Trader — an automated trading engine for binary YES/NO
// prediction-market contracts.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires feed → strategies → pipeline → orders, routes fills
//	strategy/runtime.go  — hosts strategies: tick evaluation, signal → thesis chain, auto-execution
//	pipeline/pipeline.go — pre-trade risk checks: spread, price bounds, size, liquidity, slippage
//	killswitch/          — layered trading halts: GLOBAL > ACCOUNT > STRATEGY > MARKET
//	order/machine.go     — order state machine with idempotent submission and drift reconciliation
//	position/book.go     — per-(market, side) positions, average entry price, cap enforcement
//	pnl/pnl.go           — daily P&L window with loss-limit and drawdown triggers
//	exchange/client.go   — REST client for order submission and open-order snapshots
//	exchange/feed.go     — WebSocket quotes, depth and fills with auto-reconnect
//	store/               — SQLite persistence for orders, positions, switches and signals
//
// How it trades:
//
//	Strategies watch the quote stream and emit signals when price diverges
//	from their model. Every signal passes a fixed sequence of risk checks
//	before it can become an order, and a layered kill switch can halt a
//	market, a strategy, the account, or everything at once. Fills flow back
//	into the position book and the daily P&L window, which trips the global
//	kill switch when the loss limit is hit.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"binary-trader/internal/config"
	"binary-trader/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADER_CONFIG"); p != "" {
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

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("binary trader started",
		"strategies", len(cfg.Strategies),
		"markets", len(cfg.Position.Markets),
		"max_daily_loss", cfg.PnL.MaxDailyLoss,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

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
