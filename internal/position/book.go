// Package position is the single-writer, TickStore-backed book of open and
// closed positions. Executor is the sole writer; every other subsystem reads.
package position

import (
	"fmt"
	"sync"

	"github.com/amitsajwan/trading-ai-sub002/internal/domain"
	"github.com/amitsajwan/trading-ai-sub002/internal/tickstore"
	"github.com/rs/zerolog"
)

const kindPosition = "position"

func key(id string) string { return fmt.Sprintf("position:%s", id) }

// Book is the in-memory position set, durably mirrored to TickStore.
type Book struct {
	store *tickstore.Store
	log   zerolog.Logger

	mu   sync.RWMutex
	byID map[string]*domain.Position
}

// Open loads every OPEN/CLOSED position previously persisted and returns a
// ready Book.
func Open(store *tickstore.Store, log zerolog.Logger) (*Book, error) {
	b := &Book{
		store: store,
		log:   log.With().Str("component", "position").Logger(),
		byID:  make(map[string]*domain.Position),
	}

	rows, err := store.ScanKind(kindPosition, "", func() any { return &domain.Position{} })
	if err != nil {
		return nil, fmt.Errorf("position: load: %w", err)
	}
	for _, row := range rows {
		p := row.(*domain.Position)
		b.byID[p.ID] = p
	}
	return b, nil
}

// Put inserts or replaces a position. Only the Executor should call this.
func (b *Book) Put(p domain.Position) error {
	b.mu.Lock()
	cp := p
	b.byID[p.ID] = &cp
	b.mu.Unlock()

	if err := b.store.Put(key(p.ID), kindPosition, p.Instrument, p); err != nil {
		return fmt.Errorf("position: put %s: %w", p.ID, err)
	}
	return nil
}

// OpenForInstrument returns the currently open positions for instrument.
// The orchestrator never opens a position against an opposing open one, so
// through the normal decision path this holds at most one open position per
// instrument; the method returns every open position the book holds for it.
func (b *Book) OpenForInstrument(instrument string) []domain.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []domain.Position
	for _, p := range b.byID {
		if p.Instrument == instrument && p.Status == domain.PositionOpen {
			out = append(out, *p)
		}
	}
	return out
}

// Get returns the position with id, if any.
func (b *Book) Get(id string) (domain.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.byID[id]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// CountOpen returns the total number of currently open positions across all
// instruments, used by the orchestrator's max_positions gate.
func (b *Book) CountOpen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, p := range b.byID {
		if p.Status == domain.PositionOpen {
			n++
		}
	}
	return n
}
