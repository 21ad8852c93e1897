package engine

import (
	"context"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/amitsajwan/trading-ai-sub002/internal/core"
	"github.com/amitsajwan/trading-ai-sub002/internal/domain"
	"github.com/amitsajwan/trading-ai-sub002/internal/gateway"
)

// NoopBrokerAdapter fills orders immediately at the requested (or a zero)
// price without touching any external system. It exists so Wire can stand up
// a complete engine before a real broker integration is wired in; callers
// running against a live account must supply their own BrokerAdapter.
type NoopBrokerAdapter struct{}

func (NoopBrokerAdapter) PlaceOrder(_ context.Context, _ string, _ domain.PositionSide, _ float64, _ core.OrderType, price *float64) (core.OrderResult, error) {
	fill := 0.0
	if price != nil {
		fill = *price
	}
	return core.OrderResult{OrderID: uuid.NewString(), Status: "FILLED", AvgPrice: fill}, nil
}

func (NoopBrokerAdapter) CancelOrder(_ context.Context, _ string) error { return nil }

// DefaultAuthenticator builds a gateway.StaticAuthenticator from the
// GATEWAY_USER_TOKENS and GATEWAY_ADMIN_TOKENS environment variables
// (comma-separated bearer tokens). Deployments needing a real identity
// provider should supply their own gateway.Authenticator instead.
func DefaultAuthenticator() gateway.Authenticator {
	auth := gateway.StaticAuthenticator{}
	for _, tok := range splitTokens(os.Getenv("GATEWAY_USER_TOKENS")) {
		auth[tok] = gateway.RoleUser
	}
	for _, tok := range splitTokens(os.Getenv("GATEWAY_ADMIN_TOKENS")) {
		auth[tok] = gateway.RoleAdmin
	}
	return auth
}

func splitTokens(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
