package orchestrator

import (
	"context"
	"fmt"

	"github.com/amitsajwan/trading-ai-sub002/internal/core"
	"github.com/amitsajwan/trading-ai-sub002/internal/domain"
)

// TrendCrossAgent votes BUY/SELL on an SMA_20/SMA_50 golden/death cross,
// HOLD otherwise (or on insufficient data).
type TrendCrossAgent struct{}

func (TrendCrossAgent) ID() string { return "trend_cross" }

func (TrendCrossAgent) Analyze(_ context.Context, ac domain.AnalysisContext) (*domain.AgentVerdict, error) {
	sma20 := ac.Indicators.Values[domain.IndSMA20]
	sma50 := ac.Indicators.Values[domain.IndSMA50]
	if sma20 == nil || sma50 == nil {
		return nil, nil
	}

	spread := (*sma20 - *sma50) / *sma50
	action := domain.ActionHold
	confidence := 0.5
	switch {
	case spread > 0.002:
		action = domain.ActionBuy
		confidence = clamp01(0.5 + spread*50)
	case spread < -0.002:
		action = domain.ActionSell
		confidence = clamp01(0.5 + (-spread)*50)
	}

	return &domain.AgentVerdict{
		AgentID:    "trend_cross",
		Instrument: ac.Instrument,
		Action:     action,
		Confidence: confidence,
		Reasoning:  fmt.Sprintf("sma20=%.2f sma50=%.2f spread=%.4f", *sma20, *sma50, spread),
		Features:   map[string]any{"sma_20": *sma20, "sma_50": *sma50},
	}, nil
}

// RSIMomentumAgent votes BUY when RSI_14 is oversold, SELL when overbought.
type RSIMomentumAgent struct {
	Oversold, Overbought float64
}

func NewRSIMomentumAgent() RSIMomentumAgent {
	return RSIMomentumAgent{Oversold: 30, Overbought: 70}
}

func (RSIMomentumAgent) ID() string { return "rsi_momentum" }

func (a RSIMomentumAgent) Analyze(_ context.Context, ac domain.AnalysisContext) (*domain.AgentVerdict, error) {
	rsi := ac.Indicators.Values[domain.IndRSI14]
	if rsi == nil {
		return nil, nil
	}

	action := domain.ActionHold
	confidence := 0.4
	switch {
	case *rsi <= a.Oversold:
		action = domain.ActionBuy
		confidence = clamp01(0.5 + (a.Oversold-*rsi)/a.Oversold*0.5)
	case *rsi >= a.Overbought:
		action = domain.ActionSell
		confidence = clamp01(0.5 + (*rsi-a.Overbought)/(100-a.Overbought)*0.5)
	}

	return &domain.AgentVerdict{
		AgentID:    "rsi_momentum",
		Instrument: ac.Instrument,
		Action:     action,
		Confidence: confidence,
		Reasoning:  fmt.Sprintf("rsi_14=%.2f", *rsi),
		Features:   map[string]any{"rsi_14": *rsi},
	}, nil
}

// VolatilityBreakoutAgent votes BUY on a close pressing the upper Bollinger
// band with elevated ATR, SELL on the mirrored lower-band breakout.
type VolatilityBreakoutAgent struct{}

func (VolatilityBreakoutAgent) ID() string { return "volatility_breakout" }

func (VolatilityBreakoutAgent) Analyze(_ context.Context, ac domain.AnalysisContext) (*domain.AgentVerdict, error) {
	upper := ac.Indicators.Values[domain.IndBBUpper]
	lower := ac.Indicators.Values[domain.IndBBLower]
	atr := ac.Indicators.Values[domain.IndATR14]
	if upper == nil || lower == nil || atr == nil || ac.LatestTick == nil {
		return nil, nil
	}

	price := ac.LatestTick.LastPrice
	action := domain.ActionHold
	confidence := 0.4
	switch {
	case price >= *upper:
		action = domain.ActionBuy
		confidence = clamp01(0.6 + (price-*upper)/(*atr+1e-9)*0.1)
	case price <= *lower:
		action = domain.ActionSell
		confidence = clamp01(0.6 + (*lower-price)/(*atr+1e-9)*0.1)
	}

	return &domain.AgentVerdict{
		AgentID:    "volatility_breakout",
		Instrument: ac.Instrument,
		Action:     action,
		Confidence: confidence,
		Reasoning:  fmt.Sprintf("price=%.2f bb_upper=%.2f bb_lower=%.2f atr_14=%.2f", price, *upper, *lower, *atr),
		Features:   map[string]any{"bb_upper": *upper, "bb_lower": *lower, "atr_14": *atr},
	}, nil
}

// LLMAgent asks an external LLMClient for a verdict and falls back to a
// deterministic rule (delegating to TrendCrossAgent) if the call errors or
// the response cannot be parsed into an action.
type LLMAgent struct {
	client   core.LLMClient
	fallback Agent
}

func NewLLMAgent(client core.LLMClient) LLMAgent {
	return LLMAgent{client: client, fallback: TrendCrossAgent{}}
}

func (LLMAgent) ID() string { return "llm_advisor" }

func (a LLMAgent) Analyze(ctx context.Context, ac domain.AnalysisContext) (*domain.AgentVerdict, error) {
	if a.client == nil {
		return a.fallback.Analyze(ctx, ac)
	}

	prompt := buildPrompt(ac)
	reply, err := a.client.Analyze(ctx, prompt)
	if err != nil {
		return a.fallback.Analyze(ctx, ac)
	}

	action, confidence, ok := parseLLMReply(reply)
	if !ok {
		return a.fallback.Analyze(ctx, ac)
	}

	return &domain.AgentVerdict{
		AgentID:    "llm_advisor",
		Instrument: ac.Instrument,
		Action:     action,
		Confidence: confidence,
		Reasoning:  reply,
		Features:   map[string]any{"source": "llm"},
	}, nil
}

func buildPrompt(ac domain.AnalysisContext) string {
	return fmt.Sprintf("instrument=%s latest_close=%v indicators=%v", ac.Instrument, ac.LatestTick, ac.Indicators.Values)
}

// parseLLMReply expects a tiny "ACTION confidence" grammar, e.g. "BUY 0.72".
// Any other shape is treated as unparseable and triggers the rule fallback.
func parseLLMReply(reply string) (domain.Action, float64, bool) {
	var actionStr string
	var confidence float64
	if _, err := fmt.Sscanf(reply, "%s %f", &actionStr, &confidence); err != nil {
		return "", 0, false
	}

	action := domain.Action(actionStr)
	switch action {
	case domain.ActionBuy, domain.ActionSell, domain.ActionHold, domain.ActionExit:
	default:
		return "", 0, false
	}

	return action, clamp01(confidence), true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
