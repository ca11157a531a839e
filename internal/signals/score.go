package signals

import (
	"math"

	"github.com/stratumlabs/stratum/internal/domain"
)

// Scores are additive over named components and clamped to 1..100. Every
// component lands in the signal's metadata so a stored row is enough to
// recompute its own score.

func scoreOf(components map[string]float64) int {
	var sum float64
	for _, v := range components {
		sum += v
	}
	return domain.ClampScore(sum)
}

// magnitudeComponent scales |delta| against the trigger threshold: hitting
// the threshold earns half the ceiling, twice the threshold earns all of it.
func magnitudeComponent(absDelta, threshold, ceiling float64) float64 {
	if threshold <= 0 {
		return 0
	}
	return math.Min(ceiling, absDelta/threshold*(ceiling/2))
}

func speedComponent(velocityMinutes float64) float64 {
	switch {
	case velocityMinutes <= 2:
		return 20
	case velocityMinutes <= 5:
		return 15
	case velocityMinutes <= 10:
		return 10
	default:
		return 5
	}
}

func booksComponent(books int, per, ceiling float64) float64 {
	return math.Min(ceiling, float64(books)*per)
}

func timingComponent(bucket domain.TimeBucket) float64 {
	switch bucket {
	case domain.BucketPretip:
		return 15
	case domain.BucketLate, domain.BucketInPlay:
		return 10
	case domain.BucketMid:
		return 5
	default:
		return 0
	}
}

// stabilityComponent rewards dislocations against a tight consensus.
func stabilityComponent(dispersion *float64) float64 {
	if dispersion == nil {
		return 0
	}
	switch {
	case *dispersion <= 0.25:
		return 15
	case *dispersion <= 0.5:
		return 10
	default:
		return 5
	}
}

func moveComponents(absDelta, threshold, velocity float64, books int, bucket domain.TimeBucket, keyCross bool) map[string]float64 {
	comps := map[string]float64{
		"magnitude": magnitudeComponent(absDelta, threshold, 50),
		"speed":     speedComponent(velocity),
		"books":     booksComponent(books, 5, 15),
		"timing":    timingComponent(bucket),
	}
	if keyCross {
		comps["key_cross"] = 10
	}
	return comps
}

func multibookComponents(absDelta, threshold, velocity float64, books int, bucket domain.TimeBucket) map[string]float64 {
	return map[string]float64{
		"books":     booksComponent(books, 10, 40),
		"magnitude": magnitudeComponent(absDelta, threshold, 30),
		"speed":     speedComponent(velocity),
		"timing":    timingComponent(bucket),
	}
}

func dislocationComponents(absDelta, threshold float64, consensusBooks int, dispersion *float64, bucket domain.TimeBucket) map[string]float64 {
	return map[string]float64{
		"magnitude": magnitudeComponent(absDelta, threshold, 50),
		"books":     booksComponent(consensusBooks, 4, 20),
		"stability": stabilityComponent(dispersion),
		"timing":    timingComponent(bucket),
	}
}

func steamComponents(absDelta, threshold, velocity float64, books int, bucket domain.TimeBucket) map[string]float64 {
	return map[string]float64{
		"magnitude": magnitudeComponent(absDelta, threshold, 40),
		"books":     booksComponent(books, 6, 30),
		"speed":     speedComponent(velocity),
		"timing":    timingComponent(bucket),
	}
}

func divergenceComponents(divType domain.DivergenceType, lagSeconds *float64, ageMinutes float64) map[string]float64 {
	var base float64
	switch divType {
	case domain.DivergenceOpposed:
		base = 40
	case domain.DivergenceExchangeLeads:
		base = 30
	case domain.DivergenceSportsbookLeads:
		base = 25
	default:
		base = 15
	}

	var lag float64
	switch {
	case lagSeconds == nil:
		lag = 0
	case *lagSeconds <= 60:
		lag = 25
	case *lagSeconds <= 300:
		lag = 15
	default:
		lag = 5
	}

	timing := 5.0
	if ageMinutes <= 5 {
		timing = 15
	}

	return map[string]float64{
		"divergence": base,
		"speed":      lag,
		"timing":     timing,
	}
}
