package indicator_test

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/amitsajwan/trading-ai-sub002/internal/broker"
	"github.com/amitsajwan/trading-ai-sub002/internal/database"
	"github.com/amitsajwan/trading-ai-sub002/internal/domain"
	"github.com/amitsajwan/trading-ai-sub002/internal/indicator"
	"github.com/amitsajwan/trading-ai-sub002/internal/tickstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*indicator.Engine, *tickstore.Store) {
	t.Helper()
	db, err := database.New(database.Config{
		Name:    "indicator_test",
		Path:    filepath.Join(t.TempDir(), "indicator_test.db"),
		Profile: database.ProfileCache,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := zerolog.Nop()
	store, err := tickstore.Open(db, log)
	require.NoError(t, err)

	b := broker.New(log)
	return indicator.New(b, store, log, nil), store
}

func bar(instrument string, start time.Time, o, h, l, c, v float64) domain.OHLCBar {
	return domain.OHLCBar{
		Instrument: instrument,
		Timeframe:  domain.TF1m,
		Open:       o,
		High:       h,
		Low:        l,
		Close:      c,
		Volume:     v,
		StartAt:    start,
		Closed:     true,
	}
}

func TestEngine_IndicatorsAreNullBelowWindow(t *testing.T) {
	eng, store := newTestEngine(t)
	base := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)

	eng.OnBarClosed(bar("NIFTY", base, 100, 101, 99, 100, 1000))

	var set domain.IndicatorSet
	ok, err := store.Get(tickstore.IndicatorsKey("NIFTY", "1m"), &set)
	require.NoError(t, err)
	require.True(t, ok)

	require.Nil(t, set.Values[domain.IndSMA20])
	require.Nil(t, set.Values[domain.IndRSI14])
	require.Nil(t, set.Values[domain.IndMACDValue])
	require.Nil(t, set.Values[domain.IndBBMid])
}

func TestEngine_SMA20PopulatesAfterTwentyBars(t *testing.T) {
	eng, store := newTestEngine(t)
	base := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)

	price := 100.0
	for i := 0; i < 20; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		eng.OnBarClosed(bar("NIFTY", ts, price, price+1, price-1, price, 100))
		price++
	}

	var set domain.IndicatorSet
	ok, err := store.Get(tickstore.IndicatorsKey("NIFTY", "1m"), &set)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, set.Values[domain.IndSMA20])

	// mean of closes 100..119 is 109.5
	require.InDelta(t, 109.5, *set.Values[domain.IndSMA20], 0.001)
}

func TestEngine_BollingerBandsUsePopulationStdDev(t *testing.T) {
	eng, store := newTestEngine(t)
	base := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)

	// Closes 100..119: mean 109.5, population variance (n^2-1)/12 = 33.25 for
	// a run of n consecutive integers, so population stddev = sqrt(33.25).
	price := 100.0
	for i := 0; i < 20; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		eng.OnBarClosed(bar("NIFTY", ts, price, price+1, price-1, price, 100))
		price++
	}

	var set domain.IndicatorSet
	ok, err := store.Get(tickstore.IndicatorsKey("NIFTY", "1m"), &set)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, set.Values[domain.IndBBUpper])
	require.NotNil(t, set.Values[domain.IndBBLower])

	popStdDev := math.Sqrt(33.25)
	require.InDelta(t, 109.5+2*popStdDev, *set.Values[domain.IndBBUpper], 0.01)
	require.InDelta(t, 109.5-2*popStdDev, *set.Values[domain.IndBBLower], 0.01)
}

func TestEngine_VWAPResetsOnNewSessionDay(t *testing.T) {
	eng, store := newTestEngine(t)
	day1 := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 1, 9, 15, 0, 0, time.UTC)

	eng.OnBarClosed(bar("NIFTY", day1, 100, 110, 90, 100, 1000))
	eng.OnBarClosed(bar("NIFTY", day2, 200, 210, 190, 200, 500))

	var set domain.IndicatorSet
	ok, err := store.Get(tickstore.IndicatorsKey("NIFTY", "1m"), &set)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, set.Values[domain.IndVWAP])
	// session reset means VWAP is just day2's single-bar typical price, not a
	// blend with day1.
	require.InDelta(t, 200.0, *set.Values[domain.IndVWAP], 0.001)
}

func TestEngine_NonFiniteBarIsIgnored(t *testing.T) {
	eng, store := newTestEngine(t)
	base := time.Date(2026, 7, 31, 9, 15, 0, 0, time.UTC)

	bad := bar("NIFTY", base, 100, 101, 99, 100, 1000)
	bad.Close = 0
	bad.Close = 1.0 / bad.Close // +Inf, not NaN directly but exercises finite()
	eng.OnBarClosed(bad)

	_, ok, err := getIndicatorsIfAny(store, "NIFTY")
	require.NoError(t, err)
	require.False(t, ok)
}

func getIndicatorsIfAny(store *tickstore.Store, instrument string) (domain.IndicatorSet, bool, error) {
	var set domain.IndicatorSet
	ok, err := store.Get(tickstore.IndicatorsKey(instrument, "1m"), &set)
	return set, ok, err
}
