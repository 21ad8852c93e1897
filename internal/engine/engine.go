// Package engine wires every subsystem instance for one running process into
// a single explicit Core struct — the engine's dependency-injection root.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/amitsajwan/trading-ai-sub002/internal/broker"
	"github.com/amitsajwan/trading-ai-sub002/internal/candle"
	"github.com/amitsajwan/trading-ai-sub002/internal/clock"
	"github.com/amitsajwan/trading-ai-sub002/internal/core"
	"github.com/amitsajwan/trading-ai-sub002/internal/database"
	"github.com/amitsajwan/trading-ai-sub002/internal/domain"
	"github.com/amitsajwan/trading-ai-sub002/internal/executor"
	"github.com/amitsajwan/trading-ai-sub002/internal/gateway"
	"github.com/amitsajwan/trading-ai-sub002/internal/indicator"
	"github.com/amitsajwan/trading-ai-sub002/internal/orchestrator"
	"github.com/amitsajwan/trading-ai-sub002/internal/position"
	"github.com/amitsajwan/trading-ai-sub002/internal/signalmonitor"
	"github.com/amitsajwan/trading-ai-sub002/internal/tickstore"
)

// Config is everything Wire needs to build a Core: the recognized options
// from spec §6 plus the few collaborators that only a process entrypoint can
// supply (a broker adapter, an LLM client, an auth store).
type Config struct {
	DBPath      string
	Timeframes  []domain.Timeframe
	Instruments []string

	Orchestrator orchestrator.Config

	Gateway gateway.Limits

	Adapter core.BrokerAdapter
	LLM     core.LLMClient
	Auth    gateway.Authenticator
}

// Core is the single source of truth for one running process's subsystem
// instances, following the teacher's dependency-injection-by-explicit-struct
// pattern rather than a reflection-based container.
type Core struct {
	DB       *database.DB
	Store    *tickstore.Store
	Resolver *tickstore.Resolver
	Broker   *broker.Broker
	Clock    clock.Clock
	Log      zerolog.Logger

	Candle       *candle.Builder
	Indicator    *indicator.Engine
	Book         *position.Book
	Orchestrator *orchestrator.Orchestrator
	Monitor      *signalmonitor.Monitor
	Executor     *executor.Executor
	Gateway      *gateway.Server

	cron        *cron.Cron
	indicatorUn *broker.Subscription
	stopExpiry  context.CancelFunc
}

// Wire builds a fully-initialized Core. Order of operations mirrors the
// dependency graph: store, then the position book, then the pure-computation
// subsystems (candle, indicator), then the subsystems that read the book
// (orchestrator, executor, signalmonitor), then the gateway last since it
// only fans out what the rest already publish.
func Wire(cfg Config, log zerolog.Logger) (*Core, error) {
	db, err := database.New(database.Config{Name: "engine", Path: cfg.DBPath, Profile: database.ProfileStandard})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store, err := tickstore.Open(db, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open tick store: %w", err)
	}

	b := broker.New(log)
	clk := clock.NewSystemClock()

	book, err := position.Open(store, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open position book: %w", err)
	}

	cb := candle.New(cfg.Timeframes, b, store, log)
	ind := indicator.New(b, store, log, nil)

	registry := orchestrator.DefaultRegistry(cfg.LLM)
	orch := orchestrator.New(cfg.Orchestrator, registry, nil, store, book, b, clk, log)

	locks := executor.NewInstrumentLocks()
	exec := executor.New(cfg.Adapter, book, b, log)
	mon := signalmonitor.New(store, b, exec, locks, clk, log)
	if err := mon.Load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("hydrate signal monitor: %w", err)
	}

	gw := gateway.NewServer(b, clk, cfg.Gateway, cfg.Auth, db, log)

	return &Core{
		DB:           db,
		Store:        store,
		Resolver:     tickstore.DefaultResolver(),
		Broker:       b,
		Clock:        clk,
		Log:          log,
		Candle:       cb,
		Indicator:    ind,
		Book:         book,
		Orchestrator: orch,
		Monitor:      mon,
		Executor:     exec,
		Gateway:      gw,
	}, nil
}

// IngestTick is the single entrypoint external tick sources call. It
// publishes the raw tick for gateway subscribers, feeds the candle builder,
// and lets the signal monitor evaluate pending conditions against the tick
// sample — all before any bar has closed.
func (c *Core) IngestTick(tick domain.Tick) {
	tick.Instrument = c.Resolver.Canonical(tick.Instrument)
	c.Broker.Publish(fmt.Sprintf("market:tick:%s", tick.Instrument), tick)
	c.Candle.OnTick(tick)
	c.Monitor.OnTick(tick)
}

// Start brings up the background loops: the indicator engine's bar-closed
// consumer, the orchestrator's cron schedule, and the signal monitor's expiry
// scan. Stop reverses this in dependency order.
func (c *Core) Start(ctx context.Context) error {
	c.indicatorUn = c.Indicator.Subscribe()
	go c.Indicator.Run(c.indicatorUn)

	cronSched, err := c.Orchestrator.Start()
	if err != nil {
		return fmt.Errorf("start orchestrator schedule: %w", err)
	}
	c.cron = cronSched

	expiryCtx, cancel := context.WithCancel(ctx)
	c.stopExpiry = cancel
	go c.Monitor.RunExpiryScan(expiryCtx, time.Second)

	return nil
}

// Stop shuts down the scheduling loops, then the indicator subscription, then
// storage. It does not touch the gateway: the caller shuts the gateway's HTTP
// server down separately, before calling Stop.
func (c *Core) Stop() {
	if c.cron != nil {
		stopCtx := c.cron.Stop()
		<-stopCtx.Done()
	}
	if c.stopExpiry != nil {
		c.stopExpiry()
	}
	if c.indicatorUn != nil {
		c.Broker.Unsubscribe(c.indicatorUn)
	}
	c.DB.Close()
}
