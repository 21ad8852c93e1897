// Package main is the entry point for the trading signal engine. The
// application ingests index-derivative ticks, builds OHLC bars, computes
// technical indicators, fans decisions out to a weighted agent vote, monitors
// the resulting signals for trigger conditions, executes them against a
// broker, and republishes everything over an authenticated WebSocket gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amitsajwan/trading-ai-sub002/internal/config"
	"github.com/amitsajwan/trading-ai-sub002/internal/engine"
	"github.com/amitsajwan/trading-ai-sub002/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Msg("starting engine")

	c, err := engine.Wire(engine.Config{
		DBPath:       cfg.DBPath(),
		Timeframes:   cfg.Timeframes,
		Instruments:  cfg.Instruments,
		Orchestrator: cfg.Orchestrator,
		Gateway:      cfg.Gateway,
		Adapter:      engine.NoopBrokerAdapter{},
		LLM:          nil,
		Auth:         engine.DefaultAuthenticator(),
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start engine subsystems")
	}
	log.Info().Msg("engine subsystems started")

	go func() {
		if err := c.Gateway.Listen(cfg.Port); err != nil {
			log.Error().Err(err).Msg("gateway server stopped")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("gateway listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received")

	// Shut down in reverse-dependency order: stop accepting gateway
	// connections first, then the scheduling loops, then storage.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := c.Gateway.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("gateway forced to shutdown")
	}

	cancel()
	c.Stop()

	log.Info().Msg("engine stopped")
}
