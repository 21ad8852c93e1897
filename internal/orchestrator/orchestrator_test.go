package orchestrator_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/amitsajwan/trading-ai-sub002/internal/broker"
	"github.com/amitsajwan/trading-ai-sub002/internal/clock"
	"github.com/amitsajwan/trading-ai-sub002/internal/database"
	"github.com/amitsajwan/trading-ai-sub002/internal/domain"
	"github.com/amitsajwan/trading-ai-sub002/internal/orchestrator"
	"github.com/amitsajwan/trading-ai-sub002/internal/position"
	"github.com/amitsajwan/trading-ai-sub002/internal/tickstore"
)

// fixedAgent always returns the same verdict, letting tests drive the
// aggregation/gating algorithm directly (S4/S5 from the spec).
type fixedAgent struct {
	id         string
	action     domain.Action
	confidence float64
}

func (a fixedAgent) ID() string { return a.id }
func (a fixedAgent) Analyze(_ context.Context, ac domain.AnalysisContext) (*domain.AgentVerdict, error) {
	return &domain.AgentVerdict{AgentID: a.id, Instrument: ac.Instrument, Action: a.action, Confidence: a.confidence}, nil
}

type harness struct {
	orch  *orchestrator.Orchestrator
	b     *broker.Broker
	store *tickstore.Store
	book  *position.Book
}

func newHarness(t *testing.T, reg *orchestrator.Registry) harness {
	t.Helper()
	db, err := database.New(database.Config{
		Name:    "orchestrator_test",
		Path:    filepath.Join(t.TempDir(), "orchestrator_test.db"),
		Profile: database.ProfileCache,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log := zerolog.Nop()
	store, err := tickstore.Open(db, log)
	require.NoError(t, err)
	book, err := position.Open(store, log)
	require.NoError(t, err)

	b := broker.New(log)
	cfg := orchestrator.DefaultConfig()
	cfg.Instruments = []string{"NIFTY"}
	cfg.MinConfidence = 0 // tests exercise gating/aggregation, not the confidence floor

	o := orchestrator.New(cfg, reg, nil, store, book, b, clock.NewVirtualClock(time.Now()), log)
	return harness{orch: o, b: b, store: store, book: book}
}

func (h harness) runAndCaptureDecision(t *testing.T, instrument string) domain.TradingDecision {
	t.Helper()
	sub := h.b.Subscribe("engine:decision:"+instrument, 4)
	defer h.b.Unsubscribe(sub)

	h.orch.RunCycle(context.Background(), instrument)

	select {
	case env := <-sub.C:
		decision, ok := env.Payload.(domain.TradingDecision)
		require.True(t, ok)
		return decision
	case <-time.After(time.Second):
		t.Fatal("expected a decision to be published")
		return domain.TradingDecision{}
	}
}

func TestCycle_S4_SplitVoteBuyWins(t *testing.T) {
	reg := orchestrator.NewRegistry()
	reg.Register(fixedAgent{id: "a", action: domain.ActionBuy, confidence: 0.8})
	reg.Register(fixedAgent{id: "b", action: domain.ActionSell, confidence: 0.6})

	h := newHarness(t, reg)
	decision := h.runAndCaptureDecision(t, "NIFTY")

	require.Equal(t, domain.ActionBuy, decision.Action)
	require.InDelta(t, 0.8/1.4, decision.Confidence, 0.001)
	require.Equal(t, domain.PositionActionOpenNew, decision.PositionAction)
}

func TestCycle_S5_UnanimousSellAgainstOpenLongClosesIt(t *testing.T) {
	reg := orchestrator.NewRegistry()
	reg.Register(fixedAgent{id: "a", action: domain.ActionSell, confidence: 0.9})
	reg.Register(fixedAgent{id: "b", action: domain.ActionSell, confidence: 0.9})

	h := newHarness(t, reg)
	require.NoError(t, h.book.Put(domain.Position{
		ID:         "pos-1",
		Instrument: "NIFTY",
		Side:       domain.SideLong,
		Quantity:   10,
		EntryPrice: 100,
		AvgPrice:   100,
		OpenedAt:   time.Now(),
		Status:     domain.PositionOpen,
	}))

	decision := h.runAndCaptureDecision(t, "NIFTY")

	require.Equal(t, domain.ActionExit, decision.Action)
	require.Equal(t, domain.PositionActionCloseLong, decision.PositionAction)
}

func TestCycle_MaxPositionsBlocksNewEntries(t *testing.T) {
	reg := orchestrator.NewRegistry()
	reg.Register(fixedAgent{id: "a", action: domain.ActionBuy, confidence: 0.9})

	h := newHarness(t, reg)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.book.Put(domain.Position{
			ID:         fmt.Sprintf("pos-%d", i),
			Instrument: "OTHERINSTR",
			Side:       domain.SideLong,
			Quantity:   1,
			EntryPrice: 100,
			AvgPrice:   100,
			OpenedAt:   time.Now(),
			Status:     domain.PositionOpen,
		}))
	}

	decision := h.runAndCaptureDecision(t, "NIFTY")
	require.Equal(t, domain.PositionActionNone, decision.PositionAction)
}

func TestCycle_AbstainingAgentsContributeNoVote(t *testing.T) {
	reg := orchestrator.NewRegistry()
	reg.Register(orchestrator.TrendCrossAgent{}) // abstains: no indicator snapshot loaded
	reg.Register(fixedAgent{id: "a", action: domain.ActionBuy, confidence: 0.7})

	h := newHarness(t, reg)
	decision := h.runAndCaptureDecision(t, "NIFTY")

	require.Equal(t, domain.ActionBuy, decision.Action)
	require.Len(t, decision.Contributing, 1)
}
