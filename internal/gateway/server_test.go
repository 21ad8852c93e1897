package gateway_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/amitsajwan/trading-ai-sub002/internal/broker"
	"github.com/amitsajwan/trading-ai-sub002/internal/clock"
	"github.com/amitsajwan/trading-ai-sub002/internal/gateway"
)

type wireClientMsg struct {
	Action    string   `json:"action"`
	Channels  []string `json:"channels,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
}

type wireServerMsg struct {
	Type      string `json:"type"`
	SessionID string
	Channels  []string
	Errors    []gateway.ACLError
	RequestID string
	Seq       uint64
	Channel   string
	Code      string
	Message   string
}

func newTestServer(t *testing.T, b *broker.Broker) (*httptest.Server, string) {
	t.Helper()
	return newTestServerWithLimits(t, b, gateway.DefaultLimits())
}

func newTestServerWithLimits(t *testing.T, b *broker.Broker, limits gateway.Limits) (*httptest.Server, string) {
	t.Helper()
	log := zerolog.Nop()
	clk := clock.NewSystemClock()
	auth := gateway.StaticAuthenticator{"user-token": gateway.RoleUser, "admin-token": gateway.RoleAdmin}

	srv := gateway.NewServer(b, clk, limits, auth, nil, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/connect"
	return ts, wsURL
}

func dial(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Authorization": {"Bearer " + token}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func TestGateway_S6_ACLAllowsAndForbids(t *testing.T) {
	b := broker.New(zerolog.Nop())
	_, url := newTestServer(t, b)
	ws := dial(t, url, "user-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var connected wireServerMsg
	require.NoError(t, wsjson.Read(ctx, ws, &connected))
	require.Equal(t, "connected", connected.Type)

	require.NoError(t, wsjson.Write(ctx, ws, wireClientMsg{
		Action:   "subscribe",
		Channels: []string{"market:tick:*", "engine:decision:*"},
	}))

	var reply wireServerMsg
	require.NoError(t, wsjson.Read(ctx, ws, &reply))
	require.Equal(t, "subscribed", reply.Type)
	require.Equal(t, []string{"market:tick:*"}, reply.Channels)
	require.Len(t, reply.Errors, 1)
	require.Equal(t, "engine:decision:*", reply.Errors[0].Channel)
	require.Equal(t, "FORBIDDEN", reply.Errors[0].Code)
}

func TestGateway_P4_DataEnvelopesCarryIncreasingSeq(t *testing.T) {
	b := broker.New(zerolog.Nop())
	_, url := newTestServer(t, b)
	ws := dial(t, url, "user-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var connected wireServerMsg
	require.NoError(t, wsjson.Read(ctx, ws, &connected))

	require.NoError(t, wsjson.Write(ctx, ws, wireClientMsg{Action: "subscribe", Channels: []string{"market:tick:NIFTY"}}))
	var subAck wireServerMsg
	require.NoError(t, wsjson.Read(ctx, ws, &subAck))

	// Give the subscription goroutine a moment to attach before publishing.
	time.Sleep(20 * time.Millisecond)
	b.Publish("market:tick:NIFTY", map[string]any{"price": 100})
	b.Publish("market:tick:NIFTY", map[string]any{"price": 101})

	var first, second wireServerMsg
	require.NoError(t, wsjson.Read(ctx, ws, &first))
	require.NoError(t, wsjson.Read(ctx, ws, &second))

	require.Equal(t, "data", first.Type)
	require.Equal(t, "data", second.Type)
	require.Equal(t, uint64(1), first.Seq)
	require.Equal(t, uint64(2), second.Seq)
}

func TestGateway_AdminMayAccessEngineChannels(t *testing.T) {
	b := broker.New(zerolog.Nop())
	_, url := newTestServer(t, b)
	ws := dial(t, url, "admin-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var connected wireServerMsg
	require.NoError(t, wsjson.Read(ctx, ws, &connected))

	require.NoError(t, wsjson.Write(ctx, ws, wireClientMsg{Action: "subscribe", Channels: []string{"engine:decision:*"}}))
	var reply wireServerMsg
	require.NoError(t, wsjson.Read(ctx, ws, &reply))
	require.Equal(t, []string{"engine:decision:*"}, reply.Channels)
	require.Empty(t, reply.Errors)
}

func TestGateway_UnauthorizedConnectionClosesWithCode4401(t *testing.T) {
	b := broker.New(zerolog.Nop())
	_, url := newTestServer(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Authorization": {"Bearer bogus-token"}},
	})
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	var msg wireServerMsg
	err = wsjson.Read(ctx, ws, &msg)
	require.Error(t, err)
	require.EqualValues(t, 4401, websocket.CloseStatus(err))
}

func TestGateway_P8_ReconnectResetsSeqToOne(t *testing.T) {
	b := broker.New(zerolog.Nop())
	_, url := newTestServer(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws1 := dial(t, url, "user-token")
	var connected1 wireServerMsg
	require.NoError(t, wsjson.Read(ctx, ws1, &connected1))
	require.NoError(t, wsjson.Write(ctx, ws1, wireClientMsg{Action: "subscribe", Channels: []string{"market:tick:NIFTY"}}))
	var subAck1 wireServerMsg
	require.NoError(t, wsjson.Read(ctx, ws1, &subAck1))

	time.Sleep(20 * time.Millisecond)
	b.Publish("market:tick:NIFTY", map[string]any{"price": 100})
	b.Publish("market:tick:NIFTY", map[string]any{"price": 101})

	var first1, second1 wireServerMsg
	require.NoError(t, wsjson.Read(ctx, ws1, &first1))
	require.NoError(t, wsjson.Read(ctx, ws1, &second1))
	require.Equal(t, uint64(1), first1.Seq)
	require.Equal(t, uint64(2), second1.Seq)

	require.NoError(t, ws1.Close(websocket.StatusNormalClosure, "done"))

	// A brand new session resubscribing to the identical channel set starts
	// its own seq counter back at 1, per spec §8 P8.
	ws2 := dial(t, url, "user-token")
	var connected2 wireServerMsg
	require.NoError(t, wsjson.Read(ctx, ws2, &connected2))
	require.NotEqual(t, connected1.SessionID, connected2.SessionID)

	require.NoError(t, wsjson.Write(ctx, ws2, wireClientMsg{Action: "subscribe", Channels: []string{"market:tick:NIFTY"}}))
	var subAck2 wireServerMsg
	require.NoError(t, wsjson.Read(ctx, ws2, &subAck2))

	time.Sleep(20 * time.Millisecond)
	b.Publish("market:tick:NIFTY", map[string]any{"price": 102})

	var first2 wireServerMsg
	require.NoError(t, wsjson.Read(ctx, ws2, &first2))
	require.Equal(t, uint64(1), first2.Seq)
}

func TestGateway_BackpressureWarnsAtMostOncePerSecond(t *testing.T) {
	b := broker.New(zerolog.Nop())
	limits := gateway.DefaultLimits()
	limits.RateMsgsPerSec = 2
	_, url := newTestServerWithLimits(t, b, limits)
	ws := dial(t, url, "user-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var connected wireServerMsg
	require.NoError(t, wsjson.Read(ctx, ws, &connected))

	require.NoError(t, wsjson.Write(ctx, ws, wireClientMsg{Action: "subscribe", Channels: []string{"market:tick:NIFTY"}}))
	var subAck wireServerMsg
	require.NoError(t, wsjson.Read(ctx, ws, &subAck))

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < 20; i++ {
		b.Publish("market:tick:NIFTY", map[string]any{"i": i})
	}

	var dataCount, backpressureCount int
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		readCtx, readCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		var msg wireServerMsg
		err := wsjson.Read(readCtx, ws, &msg)
		readCancel()
		if err != nil {
			break
		}
		switch msg.Type {
		case "data":
			dataCount++
		case "error":
			require.Equal(t, "BACKPRESSURE", msg.Code)
			backpressureCount++
		}
	}

	require.LessOrEqual(t, dataCount, limits.RateMsgsPerSec)
	require.Equal(t, 1, backpressureCount, "expected exactly one BACKPRESSURE warning per second-long window")
}
