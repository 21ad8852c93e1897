package orchestrator

import (
	"context"

	"github.com/amitsajwan/trading-ai-sub002/internal/domain"
)

// Agent is the contract every analyzer implements: analyze the context and
// return a verdict, or nil to abstain. Agents are stateless with respect to
// cycles; any rolling state must live in the engine components, not here.
type Agent interface {
	ID() string
	Analyze(ctx context.Context, ac domain.AnalysisContext) (*domain.AgentVerdict, error)
}

// Weight returns the voting weight for an agent ID. Unconfigured agents
// default to 1.0 (equal-weight vote), per the Open Question decision recorded
// in DESIGN.md.
type Weight func(agentID string) float64

// EqualWeights returns 1.0 for every agent.
func EqualWeights(string) float64 { return 1.0 }
