package orchestrator

import "github.com/amitsajwan/trading-ai-sub002/internal/core"

// Registry is a name -> Agent map, populated explicitly at startup (no
// reflection-based auto-discovery, matching the teacher's DI-by-explicit-
// struct idiom).
type Registry struct {
	agents map[string]Agent
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent under its own ID, overwriting any prior registration
// with the same ID.
func (r *Registry) Register(a Agent) {
	r.agents[a.ID()] = a
}

// All returns every registered agent. Order is unspecified; the orchestrator
// dispatches to all of them concurrently regardless of order.
func (r *Registry) All() []Agent {
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

// DefaultRegistry returns a Registry pre-populated with the built-in
// deterministic rule agents, plus an LLM-backed agent if client is non-nil.
func DefaultRegistry(client core.LLMClient) *Registry {
	r := NewRegistry()
	r.Register(TrendCrossAgent{})
	r.Register(NewRSIMomentumAgent())
	r.Register(VolatilityBreakoutAgent{})
	if client != nil {
		r.Register(NewLLMAgent(client))
	}
	return r
}
