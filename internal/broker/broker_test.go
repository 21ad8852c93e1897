package broker_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/amitsajwan/trading-ai-sub002/internal/broker"
)

func TestBroker_P7_PublishWithNoSubscribersIsCounterOnly(t *testing.T) {
	b := broker.New(zerolog.Nop())

	n := b.Publish("market:tick:NIFTY", "payload")

	require.Equal(t, 0, n)
	require.Equal(t, uint64(1), b.Metrics.Published.Load())
	require.Equal(t, uint64(1), b.Metrics.PublishedNoSubs.Load())
	require.Equal(t, uint64(0), b.Metrics.Delivered.Load())
}

func TestBroker_SingleSegmentWildcardMatchesExactlyOneSegment(t *testing.T) {
	b := broker.New(zerolog.Nop())
	sub := b.Subscribe("market:tick:*", 4)
	defer b.Unsubscribe(sub)

	require.Equal(t, 1, b.Publish("market:tick:NIFTY", 1))
	require.Equal(t, 0, b.Publish("market:tick:NIFTY:extra", 2))
	require.Equal(t, 0, b.Publish("market:ohlc:NIFTY", 3))

	require.Len(t, sub.C, 1)
}

func TestBroker_TrailingWildcardMatchesOneOrMoreSegments(t *testing.T) {
	b := broker.New(zerolog.Nop())
	sub := b.Subscribe("indicators:**", 4)
	defer b.Unsubscribe(sub)

	require.Equal(t, 1, b.Publish("indicators:NIFTY:1m", "a"))
	require.Equal(t, 1, b.Publish("indicators:NIFTY:1m:latest", "b"))
	require.Equal(t, 0, b.Publish("market:tick:NIFTY", "c"))
}

func TestBroker_FullQueueDropsRatherThanBlocks(t *testing.T) {
	b := broker.New(zerolog.Nop())
	sub := b.Subscribe("market:tick:NIFTY", 1)
	defer b.Unsubscribe(sub)

	require.Equal(t, 1, b.Publish("market:tick:NIFTY", "first"))
	require.Equal(t, 0, b.Publish("market:tick:NIFTY", "second"))

	require.Equal(t, uint64(1), sub.Drops())
	require.Equal(t, uint64(1), b.Metrics.Dropped.Load())
}

func TestBroker_UnsubscribeClosesChannelAndStopsDelivery(t *testing.T) {
	b := broker.New(zerolog.Nop())
	sub := b.Subscribe("market:tick:NIFTY", 4)

	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // idempotent

	require.Equal(t, 0, b.Publish("market:tick:NIFTY", "x"))

	_, ok := <-sub.C
	require.False(t, ok)
}

func TestBroker_SequenceNumbersAreGapFreePerSubscription(t *testing.T) {
	b := broker.New(zerolog.Nop())
	sub := b.Subscribe("market:tick:NIFTY", 4)
	defer b.Unsubscribe(sub)

	b.Publish("market:tick:NIFTY", "a")
	b.Publish("market:tick:NIFTY", "b")
	b.Publish("market:tick:NIFTY", "c")

	first := <-sub.C
	second := <-sub.C
	third := <-sub.C

	require.Equal(t, uint64(1), first.Seq)
	require.Equal(t, uint64(2), second.Seq)
	require.Equal(t, uint64(3), third.Seq)
}
