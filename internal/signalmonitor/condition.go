package signalmonitor

import (
	"github.com/amitsajwan/trading-ai-sub002/internal/domain"
)

// Sample is one evaluation input: a snapshot of named fields (indicator
// values, "price", "volume") at a point in time, used both as the current
// sample and — for CROSS_UP/CROSS_DOWN — the previous one.
type Sample map[string]float64

// Evaluate reports whether cond holds given the current sample and, for
// cross predicates, the immediately preceding sample in the same (instrument,
// timeframe) stream. prev may be nil if no previous sample has been seen yet,
// in which case cross predicates evaluate false (no transition observed).
func Evaluate(cond domain.Condition, cur Sample, prev Sample) bool {
	switch cond.Kind {
	case domain.CondAlways:
		return true
	case domain.CondLeaf:
		v, ok := cur[cond.Field]
		if !ok {
			return false
		}
		return compare(v, cond.Op, cond.Value)
	case domain.CondAnd:
		for _, c := range cond.Children {
			if !Evaluate(c, cur, prev) {
				return false
			}
		}
		return true
	case domain.CondOr:
		for _, c := range cond.Children {
			if Evaluate(c, cur, prev) {
				return true
			}
		}
		return false
	case domain.CondNot:
		if len(cond.Children) != 1 {
			return false
		}
		return !Evaluate(cond.Children[0], cur, prev)
	case domain.CondCrossUp:
		return crossed(cur, prev, cond.FieldA, cond.FieldB, true)
	case domain.CondCrossDn:
		return crossed(cur, prev, cond.FieldA, cond.FieldB, false)
	default:
		return false
	}
}

func compare(v float64, op domain.CompareOp, target float64) bool {
	switch op {
	case domain.OpLT:
		return v < target
	case domain.OpLE:
		return v <= target
	case domain.OpGT:
		return v > target
	case domain.OpGE:
		return v >= target
	case domain.OpEQ:
		return v == target
	default:
		return false
	}
}

// crossed reports whether fieldA crossed fieldB between prev and cur: if up,
// A was <= B and is now > B; if down, A was >= B and is now < B.
func crossed(cur, prev Sample, fieldA, fieldB string, up bool) bool {
	if prev == nil {
		return false
	}
	curA, okA1 := cur[fieldA]
	curB, okB1 := cur[fieldB]
	prevA, okA2 := prev[fieldA]
	prevB, okB2 := prev[fieldB]
	if !okA1 || !okB1 || !okA2 || !okB2 {
		return false
	}
	if up {
		return prevA <= prevB && curA > curB
	}
	return prevA >= prevB && curA < curB
}

// SampleFromIndicators flattens an IndicatorSet's indicator values (skipping
// nulls) and, if tick is non-nil, the tick's price/volume fields, into one
// evaluable Sample.
func SampleFromIndicators(set domain.IndicatorSet, tick *domain.Tick) Sample {
	s := make(Sample, len(set.Values)+2)
	for name, v := range set.Values {
		if v != nil {
			s[name] = *v
		}
	}
	if tick != nil {
		s["price"] = tick.LastPrice
		s["volume"] = tick.Volume
	}
	return s
}
