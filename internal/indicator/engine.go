// Package indicator maintains rolling per-(instrument, timeframe) windows and
// recomputes the fixed technical indicator set on every closed bar.
package indicator

import (
	"fmt"
	"math"
	"sync"
	"time"

	talib "github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/amitsajwan/trading-ai-sub002/internal/broker"
	"github.com/amitsajwan/trading-ai-sub002/internal/domain"
	"github.com/amitsajwan/trading-ai-sub002/internal/tickstore"
	"github.com/rs/zerolog"
)

// windowCapacity bounds every ring buffer; large enough to give talib's
// recurrences (MACD, ADX) room to stabilize before we read their last value.
const windowCapacity = 100

// minimum sample counts before an indicator stops being null, per spec §4.3.
const (
	minSMA20 = 20
	minSMA50 = 50
	minEMA20 = 20
	minEMA50 = 50
	minRSI14 = 15 // RSI_14 needs 14 deltas => 15 closes
	minMACD  = 35 // 26 (slow EMA) + 9 (signal) lookback to stabilize
	minATR14 = 15
	minBB20  = 20
	minADX14    = 29 // Wilder ADX needs ~2*period to stabilize
	minVolSMA20 = 20
)

type seriesKey struct {
	instrument string
	tf         domain.Timeframe
}

type series struct {
	closes  *ringBuffer
	highs   *ringBuffer
	lows    *ringBuffer
	volumes *ringBuffer

	sessionDay string
	vwapCumPV  float64
	vwapCumVol float64
}

// Engine subscribes to closed bars and publishes a recomputed IndicatorSet on
// every bar close.
type Engine struct {
	b     *broker.Broker
	store *tickstore.Store
	log   zerolog.Logger

	mu     sync.Mutex
	series map[seriesKey]*series

	dailyBoundary func(time.Time) string
}

// New creates an Engine. dailyBoundary, if nil, buckets VWAP sessions by
// calendar date in UTC (spec §4.3 default "00:00 in the instrument's trading
// timezone" — callers with a specific exchange timezone should pass their own
// boundary function).
func New(b *broker.Broker, store *tickstore.Store, log zerolog.Logger, dailyBoundary func(time.Time) string) *Engine {
	if dailyBoundary == nil {
		dailyBoundary = func(t time.Time) string { return t.UTC().Format("2006-01-02") }
	}
	return &Engine{
		b:             b,
		store:         store,
		log:           log.With().Str("component", "indicator").Logger(),
		series:        make(map[seriesKey]*series),
		dailyBoundary: dailyBoundary,
	}
}

// Subscribe registers a subscription to every closed-bar channel and returns
// it without consuming it; pass it to Run to process bars, and unsubscribe it
// on the broker to stop.
func (e *Engine) Subscribe() *broker.Subscription {
	return e.b.Subscribe("market:ohlc:*:*", broker.DefaultQueueCapacity)
}

// Run drains sub, calling OnBarClosed for each delivered bar, until the
// channel is closed.
func (e *Engine) Run(sub *broker.Subscription) {
	for env := range sub.C {
		bar, ok := env.Payload.(domain.OHLCBar)
		if !ok {
			continue
		}
		e.OnBarClosed(bar)
	}
}

// OnBarClosed recomputes and publishes the indicator set for one closed bar.
func (e *Engine) OnBarClosed(bar domain.OHLCBar) {
	if !bar.Closed {
		return
	}
	if !finite(bar.Open, bar.High, bar.Low, bar.Close, bar.Volume) {
		e.log.Warn().Str("instrument", bar.Instrument).Msg("dropped non-finite bar")
		return
	}

	key := seriesKey{instrument: bar.Instrument, tf: bar.Timeframe}

	e.mu.Lock()
	s, ok := e.series[key]
	if !ok {
		s = &series{
			closes:  newRingBuffer(windowCapacity),
			highs:   newRingBuffer(windowCapacity),
			lows:    newRingBuffer(windowCapacity),
			volumes: newRingBuffer(windowCapacity),
		}
		e.series[key] = s
	}

	day := e.dailyBoundary(bar.StartAt)
	if s.sessionDay != day {
		s.sessionDay = day
		s.vwapCumPV = 0
		s.vwapCumVol = 0
	}

	s.closes.append(bar.Close)
	s.highs.append(bar.High)
	s.lows.append(bar.Low)
	s.volumes.append(bar.Volume)

	typicalPrice := (bar.High + bar.Low + bar.Close) / 3
	s.vwapCumPV += typicalPrice * bar.Volume
	s.vwapCumVol += bar.Volume

	values := e.compute(s)
	e.mu.Unlock()

	set := domain.IndicatorSet{
		Instrument: bar.Instrument,
		Timeframe:  bar.Timeframe,
		TS:         bar.StartAt,
		Values:     values,
	}

	if err := e.store.Put(
		tickstore.IndicatorsKey(bar.Instrument, string(bar.Timeframe)),
		"indicators", bar.Instrument, set,
	); err != nil {
		e.log.Error().Err(err).Str("instrument", bar.Instrument).Msg("failed to persist indicator snapshot")
	}

	e.b.Publish(fmt.Sprintf("indicators:%s:%s", bar.Instrument, bar.Timeframe), set)
}

// compute must be called with e.mu held.
func (e *Engine) compute(s *series) map[string]*float64 {
	values := map[string]*float64{}

	closes := s.closes.snapshot()
	highs := s.highs.snapshot()
	lows := s.lows.snapshot()
	volumes := s.volumes.snapshot()

	values[domain.IndSMA20] = lastIfEnough(closes, minSMA20, func(c []float64) []float64 { return talib.Sma(c, 20) })
	values[domain.IndSMA50] = lastIfEnough(closes, minSMA50, func(c []float64) []float64 { return talib.Sma(c, 50) })
	values[domain.IndEMA20] = lastIfEnough(closes, minEMA20, func(c []float64) []float64 { return talib.Ema(c, 20) })
	values[domain.IndEMA50] = lastIfEnough(closes, minEMA50, func(c []float64) []float64 { return talib.Ema(c, 50) })
	values[domain.IndRSI14] = lastIfEnough(closes, minRSI14, func(c []float64) []float64 { return talib.Rsi(c, 14) })
	values[domain.IndATR14] = lastIfEnoughHLC(highs, lows, closes, minATR14, func(h, l, c []float64) []float64 { return talib.Atr(h, l, c, 14) })
	values[domain.IndADX14] = lastIfEnoughHLC(highs, lows, closes, minADX14, func(h, l, c []float64) []float64 { return talib.Adx(h, l, c, 14) })

	if len(closes) >= minMACD {
		macd, signal, hist := talib.Macd(closes, 12, 26, 9)
		values[domain.IndMACDValue] = lastOf(macd)
		values[domain.IndMACDSignal] = lastOf(signal)
		values[domain.IndMACDHist] = lastOf(hist)
	} else {
		values[domain.IndMACDValue] = nil
		values[domain.IndMACDSignal] = nil
		values[domain.IndMACDHist] = nil
	}

	if len(closes) >= minBB20 {
		_, mid, _ := talib.BBands(closes, 20, 2, 2, talib.SMA)
		// Bands are 2x the population stddev of the last 20 closes (spec),
		// not the sample/Bessel-corrected variant talib.BBands uses internally.
		window := closes[len(closes)-20:]
		mean := stat.Mean(window, nil)
		sd := stat.PopStdDev(window, nil)
		u := mean + 2*sd
		l := mean - 2*sd
		values[domain.IndBBMid] = lastOf(mid)
		values[domain.IndBBUpper] = ptr(u)
		values[domain.IndBBLower] = ptr(l)
	} else {
		values[domain.IndBBMid] = nil
		values[domain.IndBBUpper] = nil
		values[domain.IndBBLower] = nil
	}

	values[domain.IndVolumeSMA] = lastIfEnough(volumes, minVolSMA20, func(v []float64) []float64 { return talib.Sma(v, 20) })
	if vsma := values[domain.IndVolumeSMA]; vsma != nil && *vsma != 0 {
		if last, ok := s.volumes.last(); ok {
			values[domain.IndVolumeRat] = ptr(last / *vsma)
		} else {
			values[domain.IndVolumeRat] = nil
		}
	} else {
		values[domain.IndVolumeRat] = nil
	}

	if s.vwapCumVol > 0 {
		values[domain.IndVWAP] = ptr(s.vwapCumPV / s.vwapCumVol)
	} else {
		values[domain.IndVWAP] = nil
	}

	return values
}

func lastIfEnough(in []float64, min int, fn func([]float64) []float64) *float64 {
	if len(in) < min {
		return nil
	}
	return lastOf(fn(in))
}

func lastIfEnoughHLC(h, l, c []float64, min int, fn func(h, l, c []float64) []float64) *float64 {
	if len(c) < min {
		return nil
	}
	return lastOf(fn(h, l, c))
}

func lastOf(series []float64) *float64 {
	if len(series) == 0 {
		return nil
	}
	v := series[len(series)-1]
	if !finite(v) {
		return nil
	}
	return ptr(v)
}

func ptr(v float64) *float64 { return &v }

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
