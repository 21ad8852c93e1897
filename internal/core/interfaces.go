package core

import (
	"context"

	"github.com/amitsajwan/trading-ai-sub002/internal/domain"
)

// TickSource is the consumed upstream that calls back with tick events.
// Two implementations are assumed to exist externally: a live broker socket
// and a historical replayer; neither is in scope here.
type TickSource interface {
	// Subscribe registers onTick to be called for every incoming tick until
	// ctx is cancelled.
	Subscribe(ctx context.Context, onTick func(domain.Tick)) error
}

// OrderResult is the outcome of a BrokerAdapter.PlaceOrder call.
type OrderResult struct {
	OrderID  string
	Status   string
	AvgPrice float64
}

// OrderType enumerates the order types the engine may place.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// BrokerAdapter is the consumed order-placement and cancellation surface.
type BrokerAdapter interface {
	PlaceOrder(ctx context.Context, instrument string, side domain.PositionSide, qty float64, typ OrderType, price *float64) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// LLMClient is the consumed language-model surface used by the optional
// LLM-backed agent. Implementations may call out to a hosted model; callers
// must treat a non-nil error as an abstention, not a fatal failure.
type LLMClient interface {
	Analyze(ctx context.Context, prompt string) (string, error)
}
