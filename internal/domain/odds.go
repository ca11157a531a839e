package domain

import (
	"math"
	"sort"
)

// AmericanToImplied converts American odds to implied probability.
// -150 → 0.6, +150 → 0.4. Zero odds yield probability 0.
func AmericanToImplied(price int) float64 {
	if price == 0 {
		return 0
	}
	p := float64(price)
	if p > 0 {
		return 100.0 / (p + 100.0)
	}
	return math.Abs(p) / (math.Abs(p) + 100.0)
}

// ImpliedFromPricePtr converts an optional American price; nil in, nil out.
func ImpliedFromPricePtr(price *int) *float64 {
	if price == nil {
		return nil
	}
	v := AmericanToImplied(*price)
	return &v
}

// Median returns the midpoint of values (mean of the two central elements for
// even counts). The input slice is not modified. Zero-length input returns 0.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2.0
}

// MedianInt is Median over integer prices, rounded half away from zero back
// to an integer American price.
func MedianInt(values []int) int {
	if len(values) == 0 {
		return 0
	}
	fs := make([]float64, len(values))
	for i, v := range values {
		fs[i] = float64(v)
	}
	m := Median(fs)
	if m < 0 {
		return -int(math.Floor(-m + 0.5))
	}
	return int(math.Floor(m + 0.5))
}

// PStdev returns the population standard deviation of values, or nil when
// fewer than two samples are present (dispersion is undefined, not zero).
func PStdev(values []float64) *float64 {
	n := len(values)
	if n < 2 {
		return nil
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	s := math.Sqrt(sq / float64(n))
	return &s
}
