// Package crossmarket pairs sportsbook structural breaks with exchange
// probability threshold crossings for a canonical event, classifies the
// disagreement between the two venues, and resolves earlier lead rows once
// the market realigns or reverts. All writes are conflict-ignore on
// deterministic identities, so correlating the same data twice is a no-op.
package crossmarket

import (
	"sort"
	"time"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/domain/grid"
	"github.com/stratumlabs/stratum/internal/persistence"
)

// ProbabilityCrossing is one 0.025-grid boundary crossed between consecutive
// quotes of a single (source, market, outcome) series.
type ProbabilityCrossing struct {
	Source    domain.ExchangeSource
	MarketID  string
	Outcome   string
	Threshold float64
	Direction domain.Direction
	Timestamp time.Time
	FromProb  float64
	ToProb    float64
}

type seriesKey struct {
	source  domain.ExchangeSource
	market  string
	outcome string
}

// DetectCrossings enumerates grid crossings between consecutive quotes of
// each (source, market_id, outcome_name) series. Quotes may arrive in any
// order; every series is time-sorted before the walk. A crossing carries the
// timestamp of the quote that crossed, and the output is ordered by
// timestamp with the grid enumeration order preserved inside one move.
func DetectCrossings(quotes []persistence.ExchangeQuoteEvent) []ProbabilityCrossing {
	series := make(map[seriesKey][]persistence.ExchangeQuoteEvent)
	var order []seriesKey
	for _, q := range quotes {
		k := seriesKey{source: q.Source, market: q.MarketID, outcome: q.OutcomeName}
		if _, ok := series[k]; !ok {
			order = append(order, k)
		}
		series[k] = append(series[k], q)
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].source != order[j].source {
			return order[i].source < order[j].source
		}
		if order[i].market != order[j].market {
			return order[i].market < order[j].market
		}
		return order[i].outcome < order[j].outcome
	})

	var out []ProbabilityCrossing
	for _, k := range order {
		qs := series[k]
		sort.SliceStable(qs, func(i, j int) bool { return qs[i].Timestamp.Before(qs[j].Timestamp) })
		for i := 1; i < len(qs); i++ {
			for _, cr := range grid.ProbCrossings(qs[i-1].Probability, qs[i].Probability) {
				out = append(out, ProbabilityCrossing{
					Source:    k.source,
					MarketID:  k.market,
					Outcome:   k.outcome,
					Threshold: cr.Threshold,
					Direction: cr.Direction,
					Timestamp: qs[i].Timestamp,
					FromProb:  qs[i-1].Probability,
					ToProb:    qs[i].Probability,
				})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
