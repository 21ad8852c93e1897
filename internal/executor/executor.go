// Package executor translates a TRIGGERED Signal into a broker order, applies
// the resulting fill to the position book, and retries transient broker
// failures with bounded exponential backoff.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/amitsajwan/trading-ai-sub002/internal/broker"
	"github.com/amitsajwan/trading-ai-sub002/internal/core"
	"github.com/amitsajwan/trading-ai-sub002/internal/domain"
	"github.com/amitsajwan/trading-ai-sub002/internal/position"
)

// backoff is the fixed retry schedule for TransientIO broker errors: 100ms,
// 200ms, 400ms, i.e. at most 3 retries after the first attempt (4 attempts in
// all).
var backoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// InstrumentLocks serializes execution per instrument: at most one signal
// executes for a given instrument at a time. Callers block on the mutex that
// Lock returns; sync.Mutex does not hand the lock to waiters in arrival order,
// so waiting executions are not processed in FIFO order.
type InstrumentLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewInstrumentLocks builds an empty lock table.
func NewInstrumentLocks() *InstrumentLocks {
	return &InstrumentLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock returns (and creates if needed) the mutex guarding instrument.
func (l *InstrumentLocks) Lock(instrument string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[instrument]
	if !ok {
		m = &sync.Mutex{}
		l.locks[instrument] = m
	}
	return m
}

// Executor applies TRIGGERED signals to a broker adapter and the position book.
type Executor struct {
	adapter core.BrokerAdapter
	book    *position.Book
	b       *broker.Broker
	log     zerolog.Logger
}

// New creates an Executor backed by adapter.
func New(adapter core.BrokerAdapter, book *position.Book, b *broker.Broker, log zerolog.Logger) *Executor {
	return &Executor{adapter: adapter, book: book, b: b, log: log.With().Str("component", "executor").Logger()}
}

// Execute resolves sig's order, retrying transient broker failures up to
// len(backoff) times, then applies the resulting fill to the position book
// and publishes trading:executed:{instrument}. Returns the classified error
// kind on failure so SignalMonitor can decide whether to revert or expire.
func (e *Executor) Execute(ctx context.Context, sig domain.Signal, positionAction domain.PositionAction, sizePct float64) error {
	orderType := core.OrderMarket
	var price *float64
	if sig.EntryPrice != nil {
		orderType = core.OrderLimit
		price = sig.EntryPrice
	}

	side := domain.SideLong
	if sig.Action == domain.ActionSell {
		side = domain.SideShort
	}

	qty := sig.Quantity * sizePct
	result, err := e.executeWithRetry(ctx, sig.Instrument, side, qty, orderType, price)
	if err != nil {
		return err
	}

	filled := sig
	filled.Quantity = qty
	if err := e.applyFill(filled, positionAction, result); err != nil {
		return core.Wrap(core.KindStateViolation, "executor.Execute", err)
	}

	e.b.Publish(fmt.Sprintf("trading:executed:%s", sig.Instrument), result)
	return nil
}

func (e *Executor) executeWithRetry(ctx context.Context, instrument string, side domain.PositionSide, qty float64, typ core.OrderType, price *float64) (core.OrderResult, error) {
	var lastErr error
	for attempt := 0; attempt <= len(backoff); attempt++ {
		result, err := e.adapter.PlaceOrder(ctx, instrument, side, qty, typ, price)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !core.Is(err, core.KindTransientIO) {
			return core.OrderResult{}, core.Wrap(core.KindBrokerFatal, "executor.executeWithRetry", err)
		}
		if attempt == len(backoff) {
			break
		}
		e.log.Warn().Err(err).Int("attempt", attempt+1).Str("instrument", instrument).Msg("retrying transient broker error")
		select {
		case <-time.After(backoff[attempt]):
		case <-ctx.Done():
			return core.OrderResult{}, ctx.Err()
		}
	}
	return core.OrderResult{}, core.Wrap(core.KindTransientIO, "executor.executeWithRetry", lastErr)
}

func (e *Executor) applyFill(sig domain.Signal, action domain.PositionAction, result core.OrderResult) error {
	side := domain.SideLong
	if sig.Action == domain.ActionSell {
		side = domain.SideShort
	}

	switch action {
	case domain.PositionActionOpenNew:
		return e.book.Put(domain.Position{
			ID:         uuid.NewString(),
			Instrument: sig.Instrument,
			Side:       side,
			Quantity:   sig.Quantity,
			EntryPrice: result.AvgPrice,
			AvgPrice:   result.AvgPrice,
			OpenedAt:   time.Now(),
			Status:     domain.PositionOpen,
			StopLoss:   sig.StopLoss,
			TakeProfit: sig.TakeProfit,
		})

	case domain.PositionActionAddLong, domain.PositionActionAddShort:
		existing := e.book.OpenForInstrument(sig.Instrument)
		for _, p := range existing {
			if p.Side != side {
				continue
			}
			totalQty := p.Quantity + sig.Quantity
			p.AvgPrice = (p.AvgPrice*p.Quantity + result.AvgPrice*sig.Quantity) / totalQty
			p.Quantity = totalQty
			return e.book.Put(p)
		}
		return fmt.Errorf("no open %s position to add to for %s", side, sig.Instrument)

	case domain.PositionActionCloseLong, domain.PositionActionCloseShort:
		return e.Close(closeSideFor(action), sig.Instrument, sig.ID, result.AvgPrice)

	default:
		return nil
	}
}

func closeSideFor(action domain.PositionAction) domain.PositionSide {
	if action == domain.PositionActionCloseLong {
		return domain.SideLong
	}
	return domain.SideShort
}

// Close marks the open position of the given side on instrument CLOSED,
// recording realized PnL. Idempotent: a no-op if no matching open position
// exists (already closed).
func (e *Executor) Close(side domain.PositionSide, instrument, closingSignalID string, exitPrice float64) error {
	for _, p := range e.book.OpenForInstrument(instrument) {
		if p.Side != side {
			continue
		}
		p.Status = domain.PositionClosed
		p.ClosingSignalID = closingSignalID
		if side == domain.SideLong {
			p.RealizedPnL = (exitPrice - p.AvgPrice) * p.Quantity
		} else {
			p.RealizedPnL = (p.AvgPrice - exitPrice) * p.Quantity
		}
		return e.book.Put(p)
	}
	return nil
}
