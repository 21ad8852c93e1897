// Package candle aggregates ticks into OHLC bars for every configured
// timeframe, publishing closed bars and keeping TickStore's in-flight
// snapshot fresh on every tick.
package candle

import (
	"fmt"
	"sync"
	"time"

	"github.com/amitsajwan/trading-ai-sub002/internal/broker"
	"github.com/amitsajwan/trading-ai-sub002/internal/domain"
	"github.com/amitsajwan/trading-ai-sub002/internal/tickstore"
	"github.com/rs/zerolog"
)

// openKey identifies one in-flight bar.
type openKey struct {
	instrument string
	tf         domain.Timeframe
}

// Stats are exported counters for observability and tests.
type Stats struct {
	TicksProcessed uint64
	TicksDropped   uint64
	BarsOpened     uint64
	BarsClosed     uint64
}

// Builder converts ticks into OHLCBars. One Builder instance serves every
// configured instrument/timeframe pair; per-instrument state is guarded by
// a per-instrument mutex (teacher idiom: one mutex per logical resource,
// not one global lock), so unrelated instruments aggregate in parallel
// while updates for a single instrument stay strictly serialized.
type Builder struct {
	timeframes []domain.Timeframe
	b          *broker.Broker
	store      *tickstore.Store
	log        zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu     sync.Mutex
	open   map[openKey]*domain.OHLCBar
	lastTS map[openKey]time.Time

	stats struct {
		sync.Mutex
		Stats
	}
}

// New creates a Builder that aggregates into the given timeframes and
// publishes closed bars on the broker.
func New(timeframes []domain.Timeframe, b *broker.Broker, store *tickstore.Store, log zerolog.Logger) *Builder {
	return &Builder{
		timeframes: timeframes,
		b:          b,
		store:      store,
		log:        log.With().Str("component", "candle").Logger(),
		locks:      make(map[string]*sync.Mutex),
		open:       make(map[openKey]*domain.OHLCBar),
		lastTS:     make(map[openKey]time.Time),
	}
}

func (bd *Builder) instrumentLock(instrument string) *sync.Mutex {
	bd.locksMu.Lock()
	defer bd.locksMu.Unlock()
	l, ok := bd.locks[instrument]
	if !ok {
		l = &sync.Mutex{}
		bd.locks[instrument] = l
	}
	return l
}

// OnTick processes one tick across every configured timeframe.
func (bd *Builder) OnTick(tick domain.Tick) {
	lock := bd.instrumentLock(tick.Instrument)
	lock.Lock()
	defer lock.Unlock()

	for _, tf := range bd.timeframes {
		bd.onTickForTimeframe(tick, tf)
	}
}

func (bd *Builder) onTickForTimeframe(tick domain.Tick, tf domain.Timeframe) {
	key := openKey{instrument: tick.Instrument, tf: tf}
	bucket := bucketStart(tick.TS, tf)

	bd.mu.Lock()
	bar := bd.open[key]
	lastSeen, hadLast := bd.lastTS[key]
	bd.mu.Unlock()

	if hadLast && tick.TS.Before(lastSeen) {
		bd.incStat(func(s *Stats) { s.TicksDropped++ })
		bd.log.Debug().Str("instrument", tick.Instrument).Str("tf", string(tf)).
			Time("tick_ts", tick.TS).Time("last_ts", lastSeen).Msg("dropped out-of-order tick")
		return
	}

	bd.incStat(func(s *Stats) { s.TicksProcessed++ })

	if bar == nil {
		bar = bd.openNewBar(tick, tf, bucket)
	} else if bucket.After(bar.StartAt) {
		bd.closeBar(bar, tf)
		bar = bd.openNewBar(tick, tf, bucket)
	} else {
		bar.High = max(bar.High, tick.LastPrice)
		bar.Low = min(bar.Low, tick.LastPrice)
		bar.Close = tick.LastPrice
		bar.Volume += tick.Volume
	}

	bd.mu.Lock()
	bd.open[key] = bar
	bd.lastTS[key] = tick.TS
	bd.mu.Unlock()

	bd.writeCurrentSnapshot(bar)
}

func (bd *Builder) openNewBar(tick domain.Tick, tf domain.Timeframe, bucket time.Time) *domain.OHLCBar {
	bd.incStat(func(s *Stats) { s.BarsOpened++ })
	return &domain.OHLCBar{
		Instrument: tick.Instrument,
		Timeframe:  tf,
		Open:       tick.LastPrice,
		High:       tick.LastPrice,
		Low:        tick.LastPrice,
		Close:      tick.LastPrice,
		Volume:     tick.Volume,
		StartAt:    bucket,
		Closed:     false,
	}
}

func (bd *Builder) closeBar(bar *domain.OHLCBar, tf domain.Timeframe) {
	closed := *bar
	closed.Closed = true
	bd.incStat(func(s *Stats) { s.BarsClosed++ })

	if err := bd.store.Put(
		tickstore.OHLCBucketKey(closed.Instrument, string(tf), closed.StartAt.Format(time.RFC3339)),
		"ohlc_closed", closed.Instrument, closed,
	); err != nil {
		bd.log.Error().Err(err).Str("instrument", closed.Instrument).Msg("failed to persist closed bar")
	}

	bd.b.Publish(fmt.Sprintf("market:ohlc:%s:%s", closed.Instrument, tf), closed)
}

func (bd *Builder) writeCurrentSnapshot(bar *domain.OHLCBar) {
	if err := bd.store.Put(
		tickstore.OHLCCurrentKey(bar.Instrument, string(bar.Timeframe)),
		"ohlc_current", bar.Instrument, *bar,
	); err != nil {
		bd.log.Error().Err(err).Str("instrument", bar.Instrument).Msg("failed to persist in-flight bar")
	}
}

func (bd *Builder) incStat(f func(*Stats)) {
	bd.stats.Lock()
	f(&bd.stats.Stats)
	bd.stats.Unlock()
}

// Stats returns a snapshot of the builder's counters.
func (bd *Builder) Stats() Stats {
	bd.stats.Lock()
	defer bd.stats.Unlock()
	return bd.stats.Stats
}

// bucketStart floors ts to the start of its timeframe bucket.
func bucketStart(ts time.Time, tf domain.Timeframe) time.Time {
	d := tf.Duration()
	if d <= 0 {
		return ts
	}
	return ts.Truncate(d)
}
