package crossmarket

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
	"github.com/stratumlabs/stratum/internal/providers"
)

const (
	// alignmentWindow bounds lead/lag pairing and the ALIGNED/OPPOSED split.
	alignmentWindow = 10 * time.Minute
	// revertWindow is how long a lead stays revertible after its move.
	revertWindow = 30 * time.Minute
	// priorRowsLimit caps the per-key history consulted for reverted checks.
	priorRowsLimit = 25
)

// Correlator aligns one canonical event's structural breaks with its
// exchange probability crossings.
type Correlator struct {
	store *persistence.Store
	cfg   config.ExchangeDivergenceConfig
}

// NewCorrelator wires a correlator; cfg supplies the freshness window.
func NewCorrelator(store *persistence.Store, cfg config.ExchangeDivergenceConfig) *Correlator {
	return &Correlator{store: store, cfg: cfg}
}

// Result counts the persistence effects of correlating one alignment.
type Result struct {
	CrossingsDetected  int
	LeadLagInserted    int
	DivergenceType     domain.DivergenceType
	DivergenceInserted bool
	LeadsResolved      int64
}

// CorrelateEvent pairs each structural break with its nearest probability
// crossing inside the alignment window, then classifies the latest fresh
// break and crossing into one divergence row. ALIGNED and REVERTED
// emissions resolve any prior unresolved lead rows for the event.
func (c *Correlator) CorrelateEvent(ctx context.Context, alignment persistence.CanonicalEventAlignment, now time.Time) (Result, error) {
	var res Result
	since := now.Add(-c.lookback())

	breaks, err := c.store.Structural.ListForEventSince(ctx, alignment.SportsbookEventID, since)
	if err != nil {
		return res, fmt.Errorf("list breaks for %s: %w", alignment.SportsbookEventID, err)
	}
	quotes, err := c.store.ExchangeQuotes.ListForKey(ctx, alignment.CanonicalEventKey, since)
	if err != nil {
		return res, fmt.Errorf("list exchange quotes for %s: %w", alignment.CanonicalEventKey, err)
	}

	// The NO side mirrors every YES crossing, so only the YES series feeds
	// the correlation.
	crossings := DetectCrossings(primarySide(quotes))
	res.CrossingsDetected = len(crossings)

	for _, b := range breaks {
		cr, ok := nearestCrossing(crossings, b.ConfirmationTimestamp)
		if !ok {
			continue
		}
		lead := domain.LeadSportsbook
		if cr.Timestamp.Before(b.ConfirmationTimestamp) {
			lead = domain.LeadExchange
		}
		inserted, err := c.store.CrossMarket.InsertLeadLag(ctx, persistence.CrossMarketLeadLagEvent{
			CanonicalEventKey:            alignment.CanonicalEventKey,
			ThresholdType:                b.ThresholdType,
			SportsbookThresholdValue:     b.ThresholdValue,
			ExchangeProbabilityThreshold: cr.Threshold,
			LeadSource:                   lead,
			SportsbookBreakTimestamp:     b.ConfirmationTimestamp,
			ExchangeBreakTimestamp:       cr.Timestamp,
			LagSeconds:                   math.Abs(b.ConfirmationTimestamp.Sub(cr.Timestamp).Seconds()),
		})
		if err != nil {
			log.Warn().Err(err).
				Str("canonical_event_key", alignment.CanonicalEventKey).
				Float64("sportsbook_threshold", b.ThresholdValue).
				Msg("lead/lag insert failed")
			continue
		}
		if inserted {
			res.LeadLagInserted++
		}
	}

	div, ok := c.classify(ctx, alignment, breaks, crossings, now)
	if !ok {
		return res, nil
	}
	inserted, err := c.store.CrossMarket.InsertDivergence(ctx, div)
	if err != nil {
		return res, fmt.Errorf("insert divergence for %s: %w", alignment.CanonicalEventKey, err)
	}
	res.DivergenceType = div.DivergenceType
	res.DivergenceInserted = inserted

	if inserted && (div.DivergenceType == domain.DivergenceAligned || div.DivergenceType == domain.DivergenceReverted) {
		n, err := c.store.CrossMarket.ResolveLeads(ctx, alignment.CanonicalEventKey, string(div.DivergenceType), now)
		if err != nil {
			log.Warn().Err(err).
				Str("canonical_event_key", alignment.CanonicalEventKey).
				Msg("lead resolution failed")
		} else {
			res.LeadsResolved = n
		}
	}

	if res.LeadLagInserted > 0 || res.DivergenceInserted {
		log.Info().
			Str("canonical_event_key", alignment.CanonicalEventKey).
			Int("crossings", res.CrossingsDetected).
			Int("leadlag_new", res.LeadLagInserted).
			Str("divergence", string(res.DivergenceType)).
			Int64("leads_resolved", res.LeadsResolved).
			Msg("cross-market correlation complete")
	}
	return res, nil
}

// classify reduces the latest fresh break and crossing to one divergence
// classification, or reports that there is nothing to emit.
func (c *Correlator) classify(
	ctx context.Context,
	alignment persistence.CanonicalEventAlignment,
	breaks []persistence.StructuralEvent,
	crossings []ProbabilityCrossing,
	now time.Time,
) (persistence.CrossMarketDivergenceEvent, bool) {
	freshSince := now.Add(-c.freshness())
	latestBreak := latestBreakSince(breaks, freshSince)
	latestCross := latestCrossingSince(crossings, freshSince)
	if latestBreak == nil && latestCross == nil {
		return persistence.CrossMarketDivergenceEvent{}, false
	}

	if div, ok := c.revertedFrom(ctx, alignment, breaks, crossings, latestBreak, latestCross); ok {
		return div, true
	}

	key := alignment.CanonicalEventKey
	switch {
	case latestBreak != nil && latestCross != nil:
		delta := latestBreak.ConfirmationTimestamp.Sub(latestCross.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= alignmentWindow {
			if latestBreak.BreakDirection == latestCross.Direction {
				return buildDivergence(key, domain.DivergenceAligned, domain.LeadNone, latestBreak, latestCross), true
			}
			return buildDivergence(key, domain.DivergenceOpposed, earlierSide(latestBreak, latestCross), latestBreak, latestCross), true
		}
		if latestCross.Timestamp.Before(latestBreak.ConfirmationTimestamp) {
			return buildDivergence(key, domain.DivergenceExchangeLeads, domain.LeadExchange, latestBreak, latestCross), true
		}
		return buildDivergence(key, domain.DivergenceSportsbookLeads, domain.LeadSportsbook, latestBreak, latestCross), true

	case latestBreak != nil:
		fresh, err := c.store.ExchangeQuotes.HasFreshQuotes(ctx, key, freshSince)
		if err != nil {
			log.Warn().Err(err).Str("canonical_event_key", key).Msg("exchange freshness query failed")
			return persistence.CrossMarketDivergenceEvent{}, false
		}
		if !fresh {
			return persistence.CrossMarketDivergenceEvent{}, false
		}
		return buildDivergence(key, domain.DivergenceUnconfirmed, domain.LeadSportsbook, latestBreak, nil), true

	default:
		snaps, err := c.store.Snapshots.ListWindow(ctx, alignment.SportsbookEventID, domain.MarketSpreads, freshSince)
		if err != nil {
			log.Warn().Err(err).Str("canonical_event_key", key).Msg("sportsbook freshness query failed")
			return persistence.CrossMarketDivergenceEvent{}, false
		}
		if len(snaps) == 0 {
			return persistence.CrossMarketDivergenceEvent{}, false
		}
		return buildDivergence(key, domain.DivergenceUnconfirmed, domain.LeadExchange, nil, latestCross), true
	}
}

// revertedFrom surfaces REVERTED: the newest unresolved lead row whose
// awaited confirmation arrived in the opposite direction inside the revert
// window. The lead side's original direction is recovered from the loaded
// history; a lead too old for the lookback simply cannot revert any more.
func (c *Correlator) revertedFrom(
	ctx context.Context,
	alignment persistence.CanonicalEventAlignment,
	breaks []persistence.StructuralEvent,
	crossings []ProbabilityCrossing,
	latestBreak *persistence.StructuralEvent,
	latestCross *ProbabilityCrossing,
) (persistence.CrossMarketDivergenceEvent, bool) {
	prior, err := c.store.CrossMarket.ListForKey(ctx, alignment.CanonicalEventKey, priorRowsLimit)
	if err != nil {
		log.Warn().Err(err).
			Str("canonical_event_key", alignment.CanonicalEventKey).
			Msg("prior divergence query failed")
		return persistence.CrossMarketDivergenceEvent{}, false
	}
	lead := firstUnresolvedLead(prior)
	if lead == nil {
		return persistence.CrossMarketDivergenceEvent{}, false
	}

	key := alignment.CanonicalEventKey
	switch lead.DivergenceType {
	case domain.DivergenceExchangeLeads:
		if lead.ExchangeBreakTimestamp == nil || latestBreak == nil {
			return persistence.CrossMarketDivergenceEvent{}, false
		}
		dir, ok := crossingDirectionAt(crossings, *lead.ExchangeBreakTimestamp, lead.ExchangeProbabilityThreshold)
		if !ok {
			return persistence.CrossMarketDivergenceEvent{}, false
		}
		ref := *lead.ExchangeBreakTimestamp
		at := latestBreak.ConfirmationTimestamp
		if at.After(ref) && at.Sub(ref) <= revertWindow && latestBreak.BreakDirection == dir.Opposite() {
			return buildDivergence(key, domain.DivergenceReverted, domain.LeadExchange, latestBreak, latestCross), true
		}

	case domain.DivergenceSportsbookLeads:
		if lead.SportsbookBreakTimestamp == nil || latestCross == nil {
			return persistence.CrossMarketDivergenceEvent{}, false
		}
		b := breakAt(breaks, *lead.SportsbookBreakTimestamp, lead.SportsbookThresholdValue)
		if b == nil {
			return persistence.CrossMarketDivergenceEvent{}, false
		}
		ref := *lead.SportsbookBreakTimestamp
		at := latestCross.Timestamp
		if at.After(ref) && at.Sub(ref) <= revertWindow && latestCross.Direction == b.BreakDirection.Opposite() {
			return buildDivergence(key, domain.DivergenceReverted, domain.LeadSportsbook, latestBreak, latestCross), true
		}
	}
	return persistence.CrossMarketDivergenceEvent{}, false
}

func (c *Correlator) freshness() time.Duration {
	m := c.cfg.FreshnessMinutes
	if m <= 0 {
		m = 30
	}
	return time.Duration(m) * time.Minute
}

// lookback covers the freshness window plus the pairing and revert horizons,
// so every row the classifier can still reference is loaded.
func (c *Correlator) lookback() time.Duration {
	return c.freshness() + alignmentWindow + revertWindow
}

// primarySide keeps the YES series of each market.
func primarySide(quotes []persistence.ExchangeQuoteEvent) []persistence.ExchangeQuoteEvent {
	out := make([]persistence.ExchangeQuoteEvent, 0, len(quotes))
	for _, q := range quotes {
		if q.OutcomeName == providers.OutcomeYes {
			out = append(out, q)
		}
	}
	return out
}

// nearestCrossing picks the crossing closest in time to ts inside the
// alignment window; ties prefer the smaller delta, then the earlier crossing.
func nearestCrossing(crossings []ProbabilityCrossing, ts time.Time) (ProbabilityCrossing, bool) {
	var best ProbabilityCrossing
	bestDelta := time.Duration(-1)
	for _, cr := range crossings {
		delta := ts.Sub(cr.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta > alignmentWindow {
			continue
		}
		if bestDelta < 0 || delta < bestDelta || (delta == bestDelta && cr.Timestamp.Before(best.Timestamp)) {
			best = cr
			bestDelta = delta
		}
	}
	return best, bestDelta >= 0
}

func latestBreakSince(breaks []persistence.StructuralEvent, since time.Time) *persistence.StructuralEvent {
	var best *persistence.StructuralEvent
	for i := range breaks {
		b := &breaks[i]
		if b.ConfirmationTimestamp.Before(since) {
			continue
		}
		if best == nil || b.ConfirmationTimestamp.After(best.ConfirmationTimestamp) {
			best = b
		}
	}
	return best
}

// latestCrossingSince keeps the last crossing at the newest timestamp, so a
// multi-boundary move is represented by its final boundary.
func latestCrossingSince(crossings []ProbabilityCrossing, since time.Time) *ProbabilityCrossing {
	var best *ProbabilityCrossing
	for i := range crossings {
		cr := &crossings[i]
		if cr.Timestamp.Before(since) {
			continue
		}
		if best == nil || !cr.Timestamp.Before(best.Timestamp) {
			best = cr
		}
	}
	return best
}

func earlierSide(b *persistence.StructuralEvent, cr *ProbabilityCrossing) domain.LeadSource {
	if cr.Timestamp.Before(b.ConfirmationTimestamp) {
		return domain.LeadExchange
	}
	return domain.LeadSportsbook
}

// firstUnresolvedLead scans newest-first history for an open lead-type row.
func firstUnresolvedLead(rows []persistence.CrossMarketDivergenceEvent) *persistence.CrossMarketDivergenceEvent {
	for i := range rows {
		r := &rows[i]
		if r.Resolved {
			continue
		}
		switch r.DivergenceType {
		case domain.DivergenceExchangeLeads, domain.DivergenceSportsbookLeads:
			return r
		}
	}
	return nil
}

func crossingDirectionAt(crossings []ProbabilityCrossing, ts time.Time, threshold *float64) (domain.Direction, bool) {
	for _, cr := range crossings {
		if !cr.Timestamp.Equal(ts) {
			continue
		}
		if threshold != nil && math.Abs(cr.Threshold-*threshold) > 1e-9 {
			continue
		}
		return cr.Direction, true
	}
	return domain.DirectionFlat, false
}

func breakAt(breaks []persistence.StructuralEvent, ts time.Time, threshold *float64) *persistence.StructuralEvent {
	for i := range breaks {
		b := &breaks[i]
		if !b.ConfirmationTimestamp.Equal(ts) {
			continue
		}
		if threshold != nil && math.Abs(b.ThresholdValue-*threshold) > 1e-9 {
			continue
		}
		return b
	}
	return nil
}

// buildDivergence assembles a row and its deterministic idempotency key from
// whichever sides of the pairing are present.
func buildDivergence(key string, typ domain.DivergenceType, lead domain.LeadSource, b *persistence.StructuralEvent, cr *ProbabilityCrossing) persistence.CrossMarketDivergenceEvent {
	ev := persistence.CrossMarketDivergenceEvent{
		CanonicalEventKey: key,
		DivergenceType:    typ,
		LeadSource:        lead,
	}
	if b != nil {
		v := b.ThresholdValue
		ts := b.ConfirmationTimestamp
		ev.SportsbookThresholdValue = &v
		ev.SportsbookBreakTimestamp = &ts
	}
	if cr != nil {
		v := cr.Threshold
		ts := cr.Timestamp
		ev.ExchangeProbabilityThreshold = &v
		ev.ExchangeBreakTimestamp = &ts
	}
	if b != nil && cr != nil {
		lag := math.Abs(b.ConfirmationTimestamp.Sub(cr.Timestamp).Seconds())
		ev.LagSeconds = &lag
	}
	ev.IdempotencyKey = idempotencyKey(key, typ, ev.SportsbookBreakTimestamp, ev.ExchangeBreakTimestamp,
		ev.SportsbookThresholdValue, ev.ExchangeProbabilityThreshold)
	return ev
}

func idempotencyKey(key string, typ domain.DivergenceType, sbTS, exTS *time.Time, sbThresh, exThresh *float64) string {
	parts := []string{key, string(typ), timePart(sbTS), timePart(exTS), floatPart(sbThresh), floatPart(exThresh)}
	return strings.Join(parts, "|")
}

func timePart(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func floatPart(f *float64) string {
	if f == nil {
		return "-"
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}
