package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/amitsajwan/trading-ai-sub002/internal/broker"
	"github.com/amitsajwan/trading-ai-sub002/internal/clock"
)

// Limits are the per-connection bounds from spec §4.7.
type Limits struct {
	MaxChannels    int
	MaxWildcards   int
	RateMsgsPerSec int
	OutboundBuffer int
	IdleTimeout    time.Duration
}

// DefaultLimits returns the spec's documented defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxChannels:    50,
		MaxWildcards:   5,
		RateMsgsPerSec: 1000,
		OutboundBuffer: 1024,
		IdleTimeout:    60 * time.Second,
	}
}

// conn is one live client connection: its broker subscriptions, outbound
// rate limiter, and heartbeat tracking.
type conn struct {
	id     string
	role   Role
	ws     *websocket.Conn
	b      *broker.Broker
	clk    clock.Clock
	limits Limits
	log    zerolog.Logger

	mu   sync.Mutex
	subs map[string]*broker.Subscription // pattern -> subscription
	seq  atomic.Uint64

	rateMu               sync.Mutex
	rateWindow           time.Time
	rateCount            int
	lastBackpressureWarn time.Time

	lastPing atomic.Int64 // unix nanos

	dropped atomic.Uint64
}

func newConn(ws *websocket.Conn, role Role, b *broker.Broker, clk clock.Clock, limits Limits, log zerolog.Logger) *conn {
	id := uuid.NewString()
	c := &conn{
		id:     id,
		role:   role,
		ws:     ws,
		b:      b,
		clk:    clk,
		limits: limits,
		log:    log.With().Str("component", "gateway").Str("session_id", id).Logger(),
		subs:   make(map[string]*broker.Subscription),
	}
	c.lastPing.Store(clk.Now().UnixNano())
	return c
}

// serve drives one connection's lifecycle until the client disconnects, the
// idle timeout fires, or ctx is cancelled.
func (c *conn) serve(ctx context.Context) {
	defer c.closeAllSubs()

	if err := wsjson.Write(ctx, c.ws, connectedMessage(c.id, c.clk.Now())); err != nil {
		return
	}

	go c.idleWatchdog(ctx)

	for {
		var msg ClientMessage
		if err := wsjson.Read(ctx, c.ws, &msg); err != nil {
			return
		}
		c.handleMessage(ctx, msg)
	}
}

func (c *conn) idleWatchdog(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastPing.Load())
			if c.clk.Now().Sub(last) > c.limits.IdleTimeout {
				_ = c.ws.Close(websocket.StatusCode(4000), "idle")
				return
			}
		}
	}
}

func (c *conn) handleMessage(ctx context.Context, msg ClientMessage) {
	switch msg.Action {
	case "ping":
		c.lastPing.Store(c.clk.Now().UnixNano())
		c.send(ctx, ServerMessage{Type: "pong", RequestID: msg.RequestID})
	case "subscribe":
		c.handleSubscribe(ctx, msg)
	case "unsubscribe":
		c.handleUnsubscribe(ctx, msg)
	default:
		c.send(ctx, errorMessage("BAD_REQUEST", "unknown action"))
	}
}

func (c *conn) handleSubscribe(ctx context.Context, msg ClientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ok []string
	var errs []ACLError

	for _, pattern := range msg.Channels {
		if !Allowed(c.role, pattern) {
			errs = append(errs, ACLError{Channel: pattern, Code: "FORBIDDEN"})
			continue
		}
		if _, exists := c.subs[pattern]; exists {
			ok = append(ok, pattern)
			continue
		}
		if len(c.subs) >= c.limits.MaxChannels {
			errs = append(errs, ACLError{Channel: pattern, Code: "LIMIT_EXCEEDED"})
			continue
		}
		if isWildcard(pattern) && c.wildcardCount() >= c.limits.MaxWildcards {
			errs = append(errs, ACLError{Channel: pattern, Code: "LIMIT_EXCEEDED"})
			continue
		}

		sub := c.b.Subscribe(pattern, c.limits.OutboundBuffer)
		c.subs[pattern] = sub
		go c.pump(ctx, sub)
		ok = append(ok, pattern)
	}

	c.send(ctx, ServerMessage{Type: "subscribed", Channels: ok, Errors: errs, RequestID: msg.RequestID})
}

func (c *conn) handleUnsubscribe(ctx context.Context, msg ClientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, pattern := range msg.Channels {
		if sub, ok := c.subs[pattern]; ok {
			c.b.Unsubscribe(sub)
			delete(c.subs, pattern)
		}
	}
	c.send(ctx, ServerMessage{Type: "unsubscribed", Channels: msg.Channels, RequestID: msg.RequestID})
}

func isWildcard(pattern string) bool {
	return containsAny(pattern, "*")
}

func containsAny(s, chars string) bool {
	for _, r := range s {
		for _, c := range chars {
			if r == c {
				return true
			}
		}
	}
	return false
}

func (c *conn) wildcardCount() int {
	n := 0
	for p := range c.subs {
		if isWildcard(p) {
			n++
		}
	}
	return n
}

// pump forwards envelopes from sub to the client, carrying the connection's
// own per-connection monotonic seq (not the broker subscription's per-pattern
// seq), subject to the outbound rate limit.
func (c *conn) pump(ctx context.Context, sub *broker.Subscription) {
	for env := range sub.C {
		if !c.allowSend() {
			c.dropped.Add(1)
			c.maybeWarnBackpressure(ctx)
			continue
		}
		seq := c.seq.Add(1)
		c.send(ctx, dataMessage(seq, env.Channel, env.Payload, c.clk.Now()))
	}
}

// allowSend enforces RateMsgsPerSec per rolling one-second window.
func (c *conn) allowSend() bool {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()

	now := c.clk.Now()
	if now.Sub(c.rateWindow) >= time.Second {
		c.rateWindow = now
		c.rateCount = 0
	}
	if c.rateCount >= c.limits.RateMsgsPerSec {
		return false
	}
	c.rateCount++
	return true
}

func (c *conn) maybeWarnBackpressure(ctx context.Context) {
	now := c.clk.Now()
	c.rateMu.Lock()
	shouldWarn := now.Sub(c.lastBackpressureWarn) >= time.Second
	if shouldWarn {
		c.lastBackpressureWarn = now
	}
	c.rateMu.Unlock()

	if shouldWarn {
		c.send(ctx, errorMessage("BACKPRESSURE", "client is not draining fast enough"))
	}
}

func (c *conn) send(ctx context.Context, msg ServerMessage) {
	if err := wsjson.Write(ctx, c.ws, msg); err != nil {
		c.log.Debug().Err(err).Msg("write failed; connection likely closed")
	}
}

func (c *conn) closeAllSubs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		c.b.Unsubscribe(sub)
	}
	c.subs = map[string]*broker.Subscription{}
}
