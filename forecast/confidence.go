package forecast

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// ConfidencePolicy scores a sensor's forecast from the spread of its
// predicted values. It is a heuristic, not a calibrated uncertainty.
type ConfidencePolicy struct {
	// MinConfidence floors the fallback score used when history is flat.
	MinConfidence float64
	// VarianceThreshold is the fallback divisor for predicted variance.
	VarianceThreshold float64
}

// DefaultConfidence is the stock policy.
var DefaultConfidence = ConfidencePolicy{MinConfidence: 0.5, VarianceThreshold: 10}

// Score returns 1 - min(var(pred)/var(history), 1) when history varies and
// max(MinConfidence, 1 - var(pred)/VarianceThreshold) otherwise, clamped to [0, 1].
func (p ConfidencePolicy) Score(predicted, history []float64) float64 {
	pv := popVariance(predicted)
	hv := popVariance(history)
	var c float64
	switch {
	case hv > 0:
		c = 1 - math.Min(pv/hv, 1)
	case p.VarianceThreshold > 0:
		c = math.Max(p.MinConfidence, 1-pv/p.VarianceThreshold)
	default:
		c = p.MinConfidence
	}
	if math.IsNaN(c) {
		return p.MinConfidence
	}
	return math.Max(0, math.Min(1, c))
}

func popVariance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	_, v := stat.PopMeanVariance(xs, nil)
	return v
}
