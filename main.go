package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"gridkeeper/api"
	"gridkeeper/broker"
	"gridkeeper/config"
	"gridkeeper/grid"
	"gridkeeper/guardian"
	"gridkeeper/logger"
	"gridkeeper/risk"
	"gridkeeper/store"
)

func main() {
	// Load environment variables from .env file if present (for local/dev runs)
	// In Docker Compose, variables are injected by the runtime and this is harmless.
	_ = godotenv.Load()

	config.Init()
	cfg := config.Get()

	if err := logger.Init(&logger.Config{Level: cfg.LogLevel}); err != nil {
		panic(err)
	}

	logger.Info("gridkeeper starting")

	if cfg.BinanceAPIKey == "" || cfg.BinanceSecretKey == "" {
		logger.Warn("BINANCE_API_KEY / BINANCE_SECRET_KEY not set; exchange calls will be rejected")
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		logger.Fatalf("initialize database: %v", err)
	}

	gateway := broker.NewBinanceFutures(cfg.BinanceAPIKey, cfg.BinanceSecretKey)

	registry := risk.NewRegistry(risk.Limits{MaxDrawdownPct: cfg.MaxDrawdownPct})

	engine := grid.NewEngine(gateway, grid.Options{
		PollInterval:         cfg.OrderPollInterval,
		PriceRefreshInterval: cfg.PriceRefreshInterval,
		PlacementDelay:       cfg.PlacementDelay,
	})

	guard := guardian.New(gateway, registry, st, cfg.GuardianInterval, cfg.GuardianMaxBackoff)
	if err := guard.Start(); err != nil {
		logger.Fatalf("start guardian: %v", err)
	}

	apiServer := api.NewServer(engine, guard, registry, cfg.APIServerPort, cfg.JWTSecret, cfg.OperatorPassword)
	go func() {
		if err := apiServer.Run(); err != nil {
			logger.Errorf("API server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	// Stop the grid session first so no counter-order races the cancels
	if stats, err := engine.Stop(); err == nil {
		logger.Infof("grid session closed: profit=%.4f cycles=%d", stats.TotalProfit, stats.CyclesCompleted)
	}

	guard.Stop()

	if err := apiServer.Shutdown(); err != nil {
		logger.Warnf("shutdown API server: %v", err)
	}

	if err := st.Close(); err != nil {
		logger.Errorf("close database: %v", err)
	}

	logger.Info("gridkeeper stopped")
}
