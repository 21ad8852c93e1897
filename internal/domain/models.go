// Package domain provides the core data model shared by every subsystem of the
// signal engine: ticks, bars, indicators, signals, positions and verdicts.
package domain

import "time"

// Timeframe is one of a fixed, ordered set of bar durations.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF1d  Timeframe = "1d"
)

// Duration returns the wall-clock duration of the timeframe bucket.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1m:
		return time.Minute
	case TF3m:
		return 3 * time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF30m:
		return 30 * time.Minute
	case TF1h:
		return time.Hour
	case TF1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether tf is one of the recognized enumeration values.
func (tf Timeframe) Valid() bool {
	return tf.Duration() > 0
}

// Tick is a single immutable price/volume observation for an instrument.
type Tick struct {
	Instrument string
	TS         time.Time
	LastPrice  float64
	Volume     float64
	Bid        *float64
	Ask        *float64
	OI         *float64
}

// OHLCBar is an aggregated price bar. Identity is (Instrument, Timeframe, StartAt).
type OHLCBar struct {
	Instrument string
	Timeframe  Timeframe
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	StartAt    time.Time
	Closed     bool
}

// IndicatorSet carries the fixed name space of derived technical indicators for
// one (instrument, timeframe) at one point in time. A nil value in Values means
// the rolling window did not yet hold enough samples.
type IndicatorSet struct {
	Instrument string
	Timeframe  Timeframe
	TS         time.Time
	Values     map[string]*float64
}

// Indicator name constants — the fixed name space from the spec.
const (
	IndRSI14      = "rsi_14"
	IndMACDValue  = "macd_value"
	IndMACDSignal = "macd_signal"
	IndMACDHist   = "macd_hist"
	IndATR14      = "atr_14"
	IndSMA20      = "sma_20"
	IndSMA50      = "sma_50"
	IndEMA20      = "ema_20"
	IndEMA50      = "ema_50"
	IndBBUpper    = "bb_upper"
	IndBBMid      = "bb_mid"
	IndBBLower    = "bb_lower"
	IndADX14      = "adx_14"
	IndVWAP       = "vwap"
	IndVolumeSMA  = "volume_sma"
	IndVolumeRat  = "volume_ratio"
)

// Action is a directional verdict or decision outcome.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
	ActionExit Action = "EXIT"
)

// SignalStatus is the lifecycle state of a conditional trading signal.
type SignalStatus string

const (
	StatusPending   SignalStatus = "PENDING"
	StatusTriggered SignalStatus = "TRIGGERED"
	StatusExecuted  SignalStatus = "EXECUTED"
	StatusExpired   SignalStatus = "EXPIRED"
	StatusCancelled SignalStatus = "CANCELLED"
	StatusClosed    SignalStatus = "CLOSED"
)

// Condition is a predicate tree evaluated against streaming indicator/tick
// samples. Exactly one of the fields below is populated, matching its Kind.
type Condition struct {
	Kind ConditionKind

	// Leaf fields.
	Field string
	Op    CompareOp
	Value float64

	// Boolean-combinator fields.
	Children []Condition

	// Cross-predicate fields.
	FieldA string
	FieldB string
}

// ConditionKind enumerates the shapes a Condition can take.
type ConditionKind string

const (
	CondLeaf     ConditionKind = "LEAF"
	CondAnd      ConditionKind = "AND"
	CondOr       ConditionKind = "OR"
	CondNot      ConditionKind = "NOT"
	CondCrossUp  ConditionKind = "CROSS_UP"
	CondCrossDn  ConditionKind = "CROSS_DOWN"
	CondAlways   ConditionKind = "ALWAYS" // immediate-trigger predicate, see spec §4.4 step 4
)

// CompareOp is a leaf-condition comparison operator.
type CompareOp string

const (
	OpLT CompareOp = "<"
	OpLE CompareOp = "<="
	OpGT CompareOp = ">"
	OpGE CompareOp = ">="
	OpEQ CompareOp = "=="
)

// Signal is a conditional order intent awaiting its trigger predicate.
type Signal struct {
	ID         string
	Instrument string
	Action     Action
	Status     SignalStatus
	Confidence float64
	Condition  Condition

	EntryPrice *float64
	StopLoss   *float64
	TakeProfit *float64
	Quantity   float64

	CreatedAt   time.Time
	ExpiresAt   time.Time
	TriggeredAt *time.Time

	PositionID     string
	PositionAction PositionAction // how to mutate the position book once EXECUTED
	SizePct        float64        // fraction of base size to use, e.g. 0.5 for ADD_TO_*
	Reason         string         // set on CANCELLED/EXPIRED, e.g. "superseded"
	Metadata       map[string]string
}

// PositionSide is the direction of an open exposure.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// PositionStatus is the lifecycle state of a Position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is a currently (or formerly) held exposure resulting from executed signals.
type Position struct {
	ID               string
	Instrument       string
	Side             PositionSide
	Quantity         float64
	EntryPrice       float64
	AvgPrice         float64
	OpenedAt         time.Time
	Status           PositionStatus
	StopLoss         *float64
	TakeProfit       *float64
	ClosingSignalID  string
	RealizedPnL      float64
}

// AgentVerdict is one analyzer's opinion for one cycle.
type AgentVerdict struct {
	AgentID    string
	Instrument string
	Action     Action
	Confidence float64
	Reasoning  string
	Features   map[string]any
}

// PositionAction describes how a TradingDecision affects the position book.
type PositionAction string

const (
	PositionActionOpenNew     PositionAction = "OPEN_NEW"
	PositionActionAddLong     PositionAction = "ADD_TO_LONG"
	PositionActionAddShort    PositionAction = "ADD_TO_SHORT"
	PositionActionCloseLong   PositionAction = "CLOSE_LONG"
	PositionActionCloseShort  PositionAction = "CLOSE_SHORT"
	PositionActionNone        PositionAction = "NONE"
)

// TradingDecision is the orchestrator's per-instrument, per-cycle output.
type TradingDecision struct {
	Instrument     string
	Action         Action
	Confidence     float64
	EntryPrice     *float64
	StopLoss       *float64
	TakeProfit     *float64
	PositionAction PositionAction
	SizePct        float64 // fraction of base position size to use, e.g. 0.5 for ADD_TO_*
	Rationale      string
	Contributing   []AgentVerdict
}

// AnalysisContext is the read-only snapshot handed to every agent in a cycle.
type AnalysisContext struct {
	Instrument     string
	Bars           []OHLCBar
	Indicators     IndicatorSet
	LatestTick     *Tick
	OpenPositions  []Position
	MarketRegime   string
}
