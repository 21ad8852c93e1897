// Package signalmonitor converts PENDING signals into EXECUTED trades the
// instant their condition predicate becomes true against streaming data.
package signalmonitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/amitsajwan/trading-ai-sub002/internal/broker"
	"github.com/amitsajwan/trading-ai-sub002/internal/clock"
	"github.com/amitsajwan/trading-ai-sub002/internal/domain"
	"github.com/amitsajwan/trading-ai-sub002/internal/executor"
	"github.com/amitsajwan/trading-ai-sub002/internal/tickstore"
)

// status is the CAS-friendly int32 encoding of domain.SignalStatus, per §4.5/§8 P2.
type status int32

const (
	stPending status = iota
	stTriggered
	stExecuted
	stExpired
	stCancelled
	stClosed
)

func (s status) domain() domain.SignalStatus {
	switch s {
	case stPending:
		return domain.StatusPending
	case stTriggered:
		return domain.StatusTriggered
	case stExecuted:
		return domain.StatusExecuted
	case stExpired:
		return domain.StatusExpired
	case stCancelled:
		return domain.StatusCancelled
	case stClosed:
		return domain.StatusClosed
	default:
		return ""
	}
}

// entry is the in-memory tracked state for one signal: its atomically-CASed
// status plus the immutable signal body.
type entry struct {
	status atomic.Int32
	sig    domain.Signal
}

// Monitor holds the in-memory index of tracked signals and drives their
// lifecycle from streaming indicator/tick samples.
type Monitor struct {
	store *tickstore.Store
	b     *broker.Broker
	exec  *executor.Executor
	locks *executor.InstrumentLocks
	clk   clock.Clock
	log   zerolog.Logger

	mu      sync.RWMutex
	byID    map[string]*entry
	byField map[fieldKey][]*entry // (instrument, timeframe, field) -> candidate entries

	prevSample sync.Map // (instrument, timeframe or "tick") -> Sample, for cross predicates
}

type fieldKey struct {
	instrument string
	timeframe  string
	field      string
}

// New constructs a Monitor. Call Load to hydrate from TickStore before
// subscribing to live data.
func New(store *tickstore.Store, b *broker.Broker, exec *executor.Executor, locks *executor.InstrumentLocks, clk clock.Clock, log zerolog.Logger) *Monitor {
	return &Monitor{
		store:   store,
		b:       b,
		exec:    exec,
		locks:   locks,
		clk:     clk,
		log:     log.With().Str("component", "signalmonitor").Logger(),
		byID:    make(map[string]*entry),
		byField: make(map[fieldKey][]*entry),
	}
}

// Load hydrates the in-memory index with every PENDING/TRIGGERED/EXECUTED
// signal from TickStore, per spec §4.5 startup algorithm.
func (m *Monitor) Load() error {
	rows, err := m.store.ScanKind("signal", "", func() any { return &domain.Signal{} })
	if err != nil {
		return fmt.Errorf("signalmonitor: load: %w", err)
	}
	for _, row := range rows {
		sig := *row.(*domain.Signal)
		switch sig.Status {
		case domain.StatusPending, domain.StatusTriggered, domain.StatusExecuted:
			m.index(sig)
		}
	}
	return nil
}

func (m *Monitor) index(sig domain.Signal) *entry {
	e := &entry{sig: sig}
	e.status.Store(int32(statusFromDomain(sig.Status)))

	m.mu.Lock()
	m.byID[sig.ID] = e
	for _, field := range fieldsReferencedBy(sig.Condition) {
		key := fieldKey{instrument: sig.Instrument, timeframe: "", field: field}
		m.byField[key] = append(m.byField[key], e)
	}
	m.mu.Unlock()
	return e
}

func statusFromDomain(s domain.SignalStatus) status {
	switch s {
	case domain.StatusPending:
		return stPending
	case domain.StatusTriggered:
		return stTriggered
	case domain.StatusExecuted:
		return stExecuted
	case domain.StatusExpired:
		return stExpired
	case domain.StatusCancelled:
		return stCancelled
	case domain.StatusClosed:
		return stClosed
	default:
		return stPending
	}
}

func fieldsReferencedBy(c domain.Condition) []string {
	switch c.Kind {
	case domain.CondLeaf:
		return []string{c.Field}
	case domain.CondCrossUp, domain.CondCrossDn:
		return []string{c.FieldA, c.FieldB}
	case domain.CondAnd, domain.CondOr:
		var out []string
		for _, child := range c.Children {
			out = append(out, fieldsReferencedBy(child)...)
		}
		return out
	case domain.CondNot:
		if len(c.Children) == 1 {
			return fieldsReferencedBy(c.Children[0])
		}
		return nil
	default:
		return nil
	}
}

// Track registers a newly published PENDING signal for monitoring.
func (m *Monitor) Track(sig domain.Signal) {
	m.index(sig)
}

// OnIndicatorSample evaluates every PENDING signal whose condition
// references one of set's fields against the new sample.
func (m *Monitor) OnIndicatorSample(set domain.IndicatorSet, tick *domain.Tick) {
	sample := SampleFromIndicators(set, tick)
	m.evaluateCandidates(set.Instrument, string(set.Timeframe), sample)
}

// OnTick evaluates every PENDING signal referencing "price" or "volume"
// against the new tick.
func (m *Monitor) OnTick(tick domain.Tick) {
	sample := Sample{"price": tick.LastPrice, "volume": tick.Volume}
	m.evaluateCandidates(tick.Instrument, "tick", sample)
}

func (m *Monitor) evaluateCandidates(instrument, stream string, sample Sample) {
	prevKey := instrument + ":" + stream
	var prev Sample
	if v, ok := m.prevSample.Load(prevKey); ok {
		prev = v.(Sample)
	}

	m.mu.RLock()
	seen := map[string]*entry{}
	for key, entries := range m.byField {
		if key.instrument != instrument {
			continue
		}
		if _, ok := sample[key.field]; !ok {
			continue
		}
		for _, e := range entries {
			seen[e.sig.ID] = e
		}
	}
	m.mu.RUnlock()

	m.prevSample.Store(prevKey, sample)

	// Every signal this sample triggers is marked TRIGGERED before any of them
	// is handed to execution, so resolveConflict sees all same-sample rivals.
	var triggered []*entry
	for _, e := range seen {
		if status(e.status.Load()) != stPending {
			continue
		}
		if !Evaluate(e.sig.Condition, sample, prev) {
			continue
		}
		if m.trigger(e) {
			triggered = append(triggered, e)
		}
	}
	for _, e := range triggered {
		m.enqueueExecution(e)
	}
}

// trigger performs the PENDING->TRIGGERED CAS; only the first caller across
// racing samples succeeds, guaranteeing at-most-once transition (idempotence,
// spec §4.5, §8 P2). Reports whether this call made the transition.
func (m *Monitor) trigger(e *entry) bool {
	if !e.status.CompareAndSwap(int32(stPending), int32(stTriggered)) {
		return false
	}

	now := m.clk.Now()
	e.sig.TriggeredAt = &now
	m.persist(e)

	m.b.Publish(fmt.Sprintf("engine:signal:triggered:%s", e.sig.Instrument), e.sig)
	return true
}

// enqueueExecution serializes execution per instrument: only one signal
// executes for a given instrument at a time; others wait on the instrument's
// mutex, which does not grant the lock in arrival order.
func (m *Monitor) enqueueExecution(e *entry) {
	go func() {
		lock := m.locks.Lock(e.sig.Instrument)
		lock.Lock()
		defer lock.Unlock()

		// A rival that held the lock first may already have cancelled e.
		if status(e.status.Load()) != stTriggered {
			return
		}
		if winner := m.resolveConflict(e); winner != e {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sizePct := e.sig.SizePct
		if sizePct <= 0 {
			sizePct = 1.0
		}
		if err := m.exec.Execute(ctx, e.sig, e.sig.PositionAction, sizePct); err != nil {
			m.onExecuteFailed(e, err)
			return
		}

		e.status.Store(int32(stExecuted))
		m.persist(e)
	}()
}

// resolveConflict checks for another TRIGGERED signal on the same instrument
// racing to execute concurrently; earliest created_at wins, the loser is
// CANCELLED with reason "superseded" (spec §4.5).
func (m *Monitor) resolveConflict(e *entry) *entry {
	m.mu.RLock()
	var rival *entry
	for _, other := range m.byID {
		if other == e || other.sig.Instrument != e.sig.Instrument {
			continue
		}
		if status(other.status.Load()) != stTriggered {
			continue
		}
		rival = other
	}
	m.mu.RUnlock()

	if rival == nil {
		return e
	}
	if e.sig.CreatedAt.Before(rival.sig.CreatedAt) {
		m.cancel(rival, "superseded")
		return e
	}
	m.cancel(e, "superseded")
	return rival
}

func (m *Monitor) cancel(e *entry, reason string) {
	e.status.Store(int32(stCancelled))
	e.sig.Reason = reason
	m.persist(e)
}

func (m *Monitor) onExecuteFailed(e *entry, err error) {
	m.log.Error().Err(err).Str("signal_id", e.sig.ID).Msg("execution failed")
	if m.clk.Now().Before(e.sig.ExpiresAt) {
		e.status.Store(int32(stPending)) // revert; may trigger again
	} else {
		e.status.Store(int32(stExpired))
	}
	m.persist(e)
}

func (m *Monitor) persist(e *entry) {
	e.sig.Status = status(e.status.Load()).domain()
	if err := m.store.Put(tickstore.SignalKey(e.sig.ID), "signal", e.sig.Instrument, e.sig); err != nil {
		m.log.Error().Err(err).Str("signal_id", e.sig.ID).Msg("failed to persist signal")
	}
	if err := m.store.IndexSignal(e.sig.ID, e.sig.Instrument, string(e.sig.Status)); err != nil {
		m.log.Error().Err(err).Str("signal_id", e.sig.ID).Msg("failed to index signal")
	}
}

// ScanExpired runs the periodic (every 1s default) expiry scan: any PENDING
// signal past its expires_at transitions to EXPIRED.
func (m *Monitor) ScanExpired() {
	now := m.clk.Now()
	m.mu.RLock()
	var candidates []*entry
	for _, e := range m.byID {
		if status(e.status.Load()) == stPending && !now.Before(e.sig.ExpiresAt) {
			candidates = append(candidates, e)
		}
	}
	m.mu.RUnlock()

	for _, e := range candidates {
		if e.status.CompareAndSwap(int32(stPending), int32(stExpired)) {
			m.persist(e)
		}
	}
}

// RunExpiryScan blocks, calling ScanExpired every interval, until ctx is done.
func (m *Monitor) RunExpiryScan(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clk.After(interval):
			m.ScanExpired()
		}
	}
}

// Status returns the current domain status of signal id, if tracked.
func (m *Monitor) Status(id string) (domain.SignalStatus, bool) {
	m.mu.RLock()
	e, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	return status(e.status.Load()).domain(), true
}
