// Package orchestrator runs the periodic decision cycle: build context, fan
// out to agents, aggregate verdicts into a position-aware TradingDecision,
// and publish a PENDING Signal when conviction and gating allow it.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/amitsajwan/trading-ai-sub002/internal/broker"
	"github.com/amitsajwan/trading-ai-sub002/internal/clock"
	"github.com/amitsajwan/trading-ai-sub002/internal/core"
	"github.com/amitsajwan/trading-ai-sub002/internal/domain"
	"github.com/amitsajwan/trading-ai-sub002/internal/position"
	"github.com/amitsajwan/trading-ai-sub002/internal/tickstore"
)

// Config holds the orchestrator's tunables, mirroring the recognized
// CoreConfig options from spec §6.
type Config struct {
	CycleInterval    time.Duration
	AgentTimeout     time.Duration
	MinConfidence    float64
	MaxPositions     int
	AddToPositionPct float64
	SignalTTL        time.Duration
	Instruments      []string
	ContextTimeframe domain.Timeframe
	ContextBarCount  int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		CycleInterval:    60 * time.Second,
		AgentTimeout:     20 * time.Second,
		MinConfidence:    0.55,
		MaxPositions:     3,
		AddToPositionPct: 0.5,
		SignalTTL:        30 * time.Minute,
		ContextTimeframe: domain.TF1m,
		ContextBarCount:  50,
	}
}

// Orchestrator runs the periodic cycle described in spec §4.4.
type Orchestrator struct {
	cfg      Config
	registry *Registry
	weight   Weight
	store    *tickstore.Store
	book     *position.Book
	b        *broker.Broker
	clk      clock.Clock
	log      zerolog.Logger

	cron *cron.Cron
}

// New builds an Orchestrator. weight may be nil, defaulting to EqualWeights.
func New(cfg Config, registry *Registry, weight Weight, store *tickstore.Store, book *position.Book, b *broker.Broker, clk clock.Clock, log zerolog.Logger) *Orchestrator {
	if weight == nil {
		weight = EqualWeights
	}
	return &Orchestrator{
		cfg:      cfg,
		registry: registry,
		weight:   weight,
		store:    store,
		book:     book,
		b:        b,
		clk:      clk,
		log:      log.With().Str("component", "orchestrator").Logger(),
	}
}

// Start schedules RunCycle on cfg.CycleInterval using robfig/cron. Stop the
// returned cron scheduler to halt future cycles.
func (o *Orchestrator) Start() (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", o.cfg.CycleInterval)
	_, err := c.AddFunc(spec, func() {
		for _, instrument := range o.cfg.Instruments {
			o.RunCycle(context.Background(), instrument)
		}
	})
	if err != nil {
		return nil, core.Wrap(core.KindConfigError, "orchestrator.Start", err)
	}
	c.Start()
	o.cron = c
	return c, nil
}

// RunCycle executes one full cycle for instrument: build context, fan out to
// agents, aggregate, gate against open positions, publish the decision, and
// publish a Signal when gating and confidence allow it.
func (o *Orchestrator) RunCycle(ctx context.Context, instrument string) {
	ac, err := o.buildContext(instrument)
	if err != nil {
		o.log.Error().Err(err).Str("instrument", instrument).Msg("aborting cycle: context build failed")
		return
	}

	verdicts := o.dispatch(ctx, ac)
	decision := o.aggregate(instrument, verdicts, ac)
	o.b.Publish(fmt.Sprintf("engine:decision:%s", instrument), decision)

	if decision.PositionAction == domain.PositionActionNone {
		return
	}
	if decision.Confidence < o.cfg.MinConfidence {
		return
	}

	sig, ok := o.buildSignal(decision)
	if !ok {
		o.log.Warn().Str("instrument", instrument).Msg("rejected signal: entry/sl/tp sanity check failed")
		return
	}

	if err := o.store.Put(tickstore.SignalKey(sig.ID), "signal", instrument, sig); err != nil {
		o.log.Error().Err(err).Str("instrument", instrument).Msg("failed to persist signal")
		return
	}
	if err := o.store.IndexSignal(sig.ID, instrument, string(sig.Status)); err != nil {
		o.log.Error().Err(err).Str("instrument", instrument).Msg("failed to index signal")
	}

	o.b.Publish(fmt.Sprintf("engine:signal:%s", instrument), sig)
}

func (o *Orchestrator) buildContext(instrument string) (domain.AnalysisContext, error) {
	var tick domain.Tick
	hasTick, err := o.store.Get(tickstore.TickKey(instrument), &tick)
	if err != nil {
		return domain.AnalysisContext{}, fmt.Errorf("orchestrator: load tick: %w", err)
	}

	var indicators domain.IndicatorSet
	if _, err := o.store.Get(tickstore.IndicatorsKey(instrument, string(o.cfg.ContextTimeframe)), &indicators); err != nil {
		return domain.AnalysisContext{}, fmt.Errorf("orchestrator: load indicators: %w", err)
	}

	rows, err := o.store.ScanKind("ohlc_closed", instrument, func() any { return &domain.OHLCBar{} })
	if err != nil {
		return domain.AnalysisContext{}, fmt.Errorf("orchestrator: load bars: %w", err)
	}
	bars := make([]domain.OHLCBar, 0, len(rows))
	for _, row := range rows {
		b := row.(*domain.OHLCBar)
		if b.Timeframe == o.cfg.ContextTimeframe {
			bars = append(bars, *b)
		}
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].StartAt.Before(bars[j].StartAt) })
	if len(bars) > o.cfg.ContextBarCount {
		bars = bars[len(bars)-o.cfg.ContextBarCount:]
	}

	ac := domain.AnalysisContext{
		Instrument:    instrument,
		Bars:          bars,
		Indicators:    indicators,
		OpenPositions: o.book.OpenForInstrument(instrument),
	}
	if hasTick {
		t := tick
		ac.LatestTick = &t
	}
	return ac, nil
}

// dispatch fans out to every registered agent concurrently, bounded by
// AgentTimeout, and collects non-abstaining verdicts. A panicking or slow
// agent contributes no verdict; failures are logged, not propagated.
func (o *Orchestrator) dispatch(ctx context.Context, ac domain.AnalysisContext) []domain.AgentVerdict {
	agents := o.registry.All()
	results := make([]*domain.AgentVerdict, len(agents))

	var wg sync.WaitGroup
	for i, agent := range agents {
		wg.Add(1)
		go func(i int, agent Agent) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.log.Error().Interface("panic", r).Str("agent", agent.ID()).Msg("agent panicked; treating as abstention")
				}
			}()

			actx, cancel := context.WithTimeout(ctx, o.cfg.AgentTimeout)
			defer cancel()

			verdict, err := agent.Analyze(actx, ac)
			if err != nil {
				o.log.Warn().Err(err).Str("agent", agent.ID()).Msg("agent failed; treating as abstention")
				return
			}
			results[i] = verdict
		}(i, agent)
	}
	wg.Wait()

	out := make([]domain.AgentVerdict, 0, len(results))
	for _, v := range results {
		if v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// actionPriority breaks ties among equally-scored actions: EXIT > HOLD > BUY > SELL.
func actionPriority(a domain.Action) int {
	switch a {
	case domain.ActionExit:
		return 3
	case domain.ActionHold:
		return 2
	case domain.ActionBuy:
		return 1
	case domain.ActionSell:
		return 0
	default:
		return -1
	}
}

func (o *Orchestrator) aggregate(instrument string, verdicts []domain.AgentVerdict, ac domain.AnalysisContext) domain.TradingDecision {
	scores := map[domain.Action]float64{}
	for _, v := range verdicts {
		w := o.weight(v.AgentID)
		scores[v.Action] += w * v.Confidence
	}

	chosen := domain.ActionHold
	bestScore := -1.0
	for action, score := range scores {
		if score > bestScore || (score == bestScore && actionPriority(action) > actionPriority(chosen)) {
			bestScore = score
			chosen = action
		}
	}

	totalScore := 0.0
	for _, score := range scores {
		totalScore += score
	}

	aggConfidence := 0.0
	if totalScore > 0 {
		aggConfidence = scores[chosen] / totalScore
	}

	decision := domain.TradingDecision{
		Instrument:   instrument,
		Action:       chosen,
		Confidence:   aggConfidence,
		SizePct:      1.0,
		Contributing: verdicts,
	}

	o.gatePosition(&decision, ac.OpenPositions)
	return decision
}

func (o *Orchestrator) gatePosition(decision *domain.TradingDecision, openPositions []domain.Position) {
	var long, short *domain.Position
	for i := range openPositions {
		switch openPositions[i].Side {
		case domain.SideLong:
			long = &openPositions[i]
		case domain.SideShort:
			short = &openPositions[i]
		}
	}

	atCapacity := o.book.CountOpen() >= o.cfg.MaxPositions

	switch decision.Action {
	case domain.ActionBuy:
		switch {
		case short != nil:
			decision.PositionAction = domain.PositionActionCloseShort
			decision.Action = domain.ActionExit
		case atCapacity && long == nil:
			decision.PositionAction = domain.PositionActionNone
		case long != nil:
			decision.PositionAction = domain.PositionActionAddLong
			decision.SizePct = o.cfg.AddToPositionPct
		default:
			decision.PositionAction = domain.PositionActionOpenNew
		}
	case domain.ActionSell:
		switch {
		case long != nil:
			decision.PositionAction = domain.PositionActionCloseLong
			decision.Action = domain.ActionExit
		case atCapacity && short == nil:
			decision.PositionAction = domain.PositionActionNone
		case short != nil:
			decision.PositionAction = domain.PositionActionAddShort
			decision.SizePct = o.cfg.AddToPositionPct
		default:
			decision.PositionAction = domain.PositionActionOpenNew
		}
	case domain.ActionExit:
		if long != nil {
			decision.PositionAction = domain.PositionActionCloseLong
		} else if short != nil {
			decision.PositionAction = domain.PositionActionCloseShort
		} else {
			decision.PositionAction = domain.PositionActionNone
		}
	default: // HOLD
		decision.PositionAction = domain.PositionActionNone
	}
}

// buildSignal constructs a PENDING Signal from decision. Returns ok=false if
// the entry/stop/take-profit sanity check fails.
func (o *Orchestrator) buildSignal(decision domain.TradingDecision) (domain.Signal, bool) {
	now := o.clk.Now()

	cond := strongestCondition(decision.Contributing)

	sig := domain.Signal{
		ID:             uuid.NewString(),
		Instrument:     decision.Instrument,
		Action:         decision.Action,
		Status:         domain.StatusPending,
		Confidence:     decision.Confidence,
		Condition:      cond,
		EntryPrice:     decision.EntryPrice,
		StopLoss:       decision.StopLoss,
		TakeProfit:     decision.TakeProfit,
		CreatedAt:      now,
		ExpiresAt:      now.Add(o.cfg.SignalTTL),
		PositionAction: decision.PositionAction,
		SizePct:        decision.SizePct,
	}

	if !sanityCheck(decision.Action, decision.EntryPrice, decision.StopLoss, decision.TakeProfit) {
		return domain.Signal{}, false
	}
	return sig, true
}

func sanityCheck(action domain.Action, entry, sl, tp *float64) bool {
	if entry == nil || sl == nil || tp == nil {
		return true // market-style entries carry no price bracket to check
	}
	switch action {
	case domain.ActionBuy:
		return *sl < *entry && *entry < *tp
	case domain.ActionSell:
		return *tp < *entry && *entry < *sl
	default:
		return true
	}
}

// strongestCondition returns the immediate-trigger predicate (ALWAYS) for
// every decision. AgentVerdict has no condition field, so no contributing
// verdict's condition is ever copied.
func strongestCondition(verdicts []domain.AgentVerdict) domain.Condition {
	_ = verdicts // agent verdicts in this engine never attach raw conditions;
	// trigger predicates are authored by the orchestrator itself.
	return domain.Condition{Kind: domain.CondAlways}
}
