// Package grid enumerates threshold crossings on exact decimal grids.
// Sportsbook lines move on a 0.5 grid and exchange probabilities on a
// 0.025 grid; binary floats drift off both, so every boundary comparison
// here runs through shopspring/decimal and only the final threshold value
// is handed back as a float64 for storage.
package grid

import (
	"github.com/shopspring/decimal"

	"github.com/stratumlabs/stratum/internal/domain"
)

// Grid step sizes, exported for signal metadata.
const (
	LineStep = 0.5
	ProbStep = 0.025
)

var (
	lineStepDec = decimal.New(5, -1)  // 0.5
	probStepDec = decimal.New(25, -3) // 0.025
)

// LineCrossing is one 0.5-grid boundary crossed by a line move.
type LineCrossing struct {
	Threshold     float64
	ThresholdType domain.ThresholdType
	Direction     domain.Direction
}

// LineCrossings enumerates the 0.5 multiples crossed moving from oldLine to
// newLine: strictly past the old value, up to and including the new value
// when it sits on the grid. A move -2.0 → -3.5 yields -2.5, -3.0, -3.5.
func LineCrossings(oldLine, newLine float64) []LineCrossing {
	indices := crossedIndices(oldLine, newLine, 2)
	if len(indices) == 0 {
		return nil
	}
	dir := domain.DirectionOf(oldLine, newLine)
	out := make([]LineCrossing, 0, len(indices))
	for _, i := range indices {
		tt := domain.ThresholdHalf
		if i%2 == 0 {
			tt = domain.ThresholdInteger
		}
		out = append(out, LineCrossing{
			Threshold:     decimal.New(i, 0).Mul(lineStepDec).InexactFloat64(),
			ThresholdType: tt,
			Direction:     dir,
		})
	}
	return out
}

// ProbCrossing is one 0.025-grid boundary crossed by a probability move.
type ProbCrossing struct {
	Threshold float64
	Direction domain.Direction
}

// ProbCrossings enumerates the 0.025 multiples crossed moving from oldProb
// to newProb under the same endpoint rule as LineCrossings. A move
// 0.40 → 0.55 yields 0.425, 0.45, 0.475, 0.5, 0.525, 0.55.
func ProbCrossings(oldProb, newProb float64) []ProbCrossing {
	indices := crossedIndices(oldProb, newProb, 40)
	if len(indices) == 0 {
		return nil
	}
	dir := domain.DirectionOf(oldProb, newProb)
	out := make([]ProbCrossing, 0, len(indices))
	for _, i := range indices {
		out = append(out, ProbCrossing{
			Threshold: decimal.New(i, 0).Mul(probStepDec).InexactFloat64(),
			Direction: dir,
		})
	}
	return out
}

// crossedIndices returns the grid indices (multiples of 1/k) crossed moving
// from oldV to newV, in crossing order. The old endpoint is excluded and the
// new endpoint included, so replaying the same move re-enumerates the same
// thresholds and a zero-length move enumerates none.
func crossedIndices(oldV, newV float64, k int64) []int64 {
	if oldV == newV {
		return nil
	}
	scale := decimal.NewFromInt(k)
	scaledOld := decimal.NewFromFloat(oldV).Mul(scale)
	scaledNew := decimal.NewFromFloat(newV).Mul(scale)

	var out []int64
	if newV > oldV {
		from := scaledOld.Floor().IntPart() + 1
		to := scaledNew.Floor().IntPart()
		for i := from; i <= to; i++ {
			out = append(out, i)
		}
		return out
	}
	from := scaledOld.Ceil().IntPart() - 1
	to := scaledNew.Ceil().IntPart()
	for i := from; i >= to; i-- {
		out = append(out, i)
	}
	return out
}
