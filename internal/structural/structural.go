// Package structural confirms integer and half-point threshold breaks on the
// spreads quote-move ledger. A grid crossing becomes a break once a Tier-1
// venue has crossed or two distinct venues agree; confirmed breaks carry
// adoption, dispersion, reversal, and hold-time metrics. Rows upsert on their
// unique identity and participation inserts ignore conflicts, so re-analyzing
// the same moves never changes a row count.
package structural

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/domain/grid"
	"github.com/stratumlabs/stratum/internal/persistence"
)

// Analysis windows. Adoption and the dispersion halves bracket the origin
// crossing; a reversal must confirm inside the reversal window after
// confirmation; a venue is active when it quoted no more than the staleness
// allowance before the adoption window closed.
const (
	adoptionWindow    = 5 * time.Minute
	snapshotStaleness = 3 * time.Minute
	reversalWindow    = 30 * time.Minute
	moveLookback      = 24 * time.Hour
)

// Analyzer walks the quote-move ledger for confirmed threshold breaks.
type Analyzer struct {
	store *persistence.Store
}

// New wires an analyzer.
func New(store *persistence.Store) *Analyzer {
	return &Analyzer{store: store}
}

// Result counts the persistence effects of one analysis pass.
type Result struct {
	BreaksConfirmed      int
	BreaksInserted       int
	ParticipantsInserted int
}

// candidate is one venue's crossing of one grid threshold.
type candidate struct {
	venue      string
	tier       domain.VenueTier
	at         time.Time
	lineBefore *float64
	lineAfter  *float64
	delta      *float64
}

// groupKey identifies a candidate set; market and event are fixed per pass.
type groupKey struct {
	outcome   string
	threshold float64
	direction domain.Direction
}

type candidateGroup struct {
	thresholdType domain.ThresholdType
	candidates    []candidate // (timestamp, venue) order, inherited from the ledger
}

// AnalyzeEvent enumerates grid crossings from the event's spreads moves,
// confirms candidate groups, and upserts one structural event per confirmed
// (outcome, threshold, direction) with its venue participation rows. A group
// whose supporting queries fail is logged and skipped so one bad group does
// not abort the pass.
func (a *Analyzer) AnalyzeEvent(ctx context.Context, eventID string, now time.Time) (Result, error) {
	var res Result

	moves, err := a.store.QuoteMoves.ListForEvent(ctx, eventID, domain.MarketSpreads, now.Add(-moveLookback))
	if err != nil {
		return res, fmt.Errorf("list quote moves for %s: %w", eventID, err)
	}
	if len(moves) == 0 {
		return res, nil
	}

	groups, lastObserved := groupCrossings(moves)

	for _, key := range sortedKeys(groups) {
		g := groups[key]
		idx, confirmed := confirmAt(g.candidates)
		if !confirmed {
			continue
		}
		origin := g.candidates[0]
		confirmation := g.candidates[idx].at

		ev, ok := a.buildEvent(ctx, eventID, key, g, origin, confirmation, lastObserved[key.outcome], groups)
		if !ok {
			continue
		}

		id, inserted, err := a.store.Structural.UpsertEvent(ctx, ev)
		if err != nil {
			log.Warn().Err(err).
				Str("event_id", eventID).
				Str("outcome", key.outcome).
				Float64("threshold", key.threshold).
				Msg("structural upsert failed")
			continue
		}
		res.BreaksConfirmed++
		if inserted {
			res.BreaksInserted++
		}

		for _, c := range firstPerVenue(g.candidates) {
			added, err := a.store.Structural.InsertParticipant(ctx, persistence.StructuralEventVenue{
				StructuralEventID: id,
				Venue:             c.venue,
				VenueTier:         c.tier,
				CrossedAt:         c.at,
				LineBefore:        c.lineBefore,
				LineAfter:         c.lineAfter,
				Delta:             c.delta,
			})
			if err != nil {
				log.Warn().Err(err).
					Int64("structural_event_id", id).
					Str("venue", c.venue).
					Msg("structural participant insert failed")
				continue
			}
			if added {
				res.ParticipantsInserted++
			}
		}
	}

	if res.BreaksInserted > 0 || res.ParticipantsInserted > 0 {
		log.Info().
			Str("event_id", eventID).
			Int("breaks_confirmed", res.BreaksConfirmed).
			Int("breaks_new", res.BreaksInserted).
			Int("participants_new", res.ParticipantsInserted).
			Msg("structural analysis complete")
	}
	return res, nil
}

// buildEvent assembles the persisted row for one confirmed group: adoption
// over [origin, origin+5m], dispersion over the 5m halves around the origin,
// reversal via the same confirmation rule on the opposite direction, and hold
// time from confirmation to reversal, window end, or last observation.
func (a *Analyzer) buildEvent(
	ctx context.Context,
	eventID string,
	key groupKey,
	g *candidateGroup,
	origin candidate,
	confirmation time.Time,
	lastObserved time.Time,
	groups map[groupKey]*candidateGroup,
) (persistence.StructuralEvent, bool) {
	windowEnd := origin.at.Add(adoptionWindow)

	adoption := 0
	for _, c := range firstPerVenue(g.candidates) {
		if !c.at.After(windowEnd) {
			adoption++
		}
	}

	venues, err := a.store.Snapshots.DistinctVenues(ctx, eventID, domain.MarketSpreads, key.outcome,
		origin.at.Add(-snapshotStaleness), windowEnd)
	if err != nil {
		log.Warn().Err(err).
			Str("event_id", eventID).
			Str("outcome", key.outcome).
			Msg("structural active-venue query failed")
		return persistence.StructuralEvent{}, false
	}
	active := len(venues)
	// Every participant moved a line inside the window, so it was active.
	if active < adoption {
		active = adoption
	}
	pct := 0.0
	if active > 0 {
		pct = float64(adoption) / float64(active)
	}

	snaps, err := a.store.Snapshots.ListWindow(ctx, eventID, domain.MarketSpreads, origin.at.Add(-adoptionWindow))
	if err != nil {
		log.Warn().Err(err).
			Str("event_id", eventID).
			Str("outcome", key.outcome).
			Msg("structural dispersion query failed")
		return persistence.StructuralEvent{}, false
	}
	pre := latestLinesPerVenue(snaps, key.outcome, origin.at.Add(-adoptionWindow), origin.at)
	post := latestLinesPerVenue(snaps, key.outcome, origin.at, windowEnd)

	var reversalAt *time.Time
	if rg, ok := groups[groupKey{outcome: key.outcome, threshold: key.threshold, direction: key.direction.Opposite()}]; ok {
		reversalAt = confirmWithin(rg.candidates, confirmation, confirmation.Add(reversalWindow))
	}

	holdEnd := confirmation.Add(reversalWindow)
	if !lastObserved.IsZero() && lastObserved.Before(holdEnd) {
		holdEnd = lastObserved
	}
	if reversalAt != nil && reversalAt.Before(holdEnd) {
		holdEnd = *reversalAt
	}
	hold := holdEnd.Sub(confirmation).Minutes()
	if hold < 0 {
		hold = 0
	}

	return persistence.StructuralEvent{
		EventID:                eventID,
		MarketKey:              domain.MarketSpreads,
		OutcomeName:            key.outcome,
		ThresholdValue:         key.threshold,
		ThresholdType:          g.thresholdType,
		BreakDirection:         key.direction,
		OriginVenue:            origin.venue,
		OriginVenueTier:        origin.tier,
		OriginTimestamp:        origin.at,
		ConfirmationTimestamp:  confirmation,
		AdoptionPercentage:     pct,
		AdoptionCount:          adoption,
		ActiveVenueCount:       active,
		TimeToConsensusSeconds: confirmation.Sub(origin.at).Seconds(),
		DispersionPre:          domain.PStdev(pre),
		DispersionPost:         domain.PStdev(post),
		BreakHoldMinutes:       hold,
		ReversalDetected:       reversalAt != nil,
		ReversalTimestamp:      reversalAt,
	}, true
}

// groupCrossings enumerates grid crossings per move and buckets them by
// (outcome, threshold, direction), preserving the ledger's (timestamp, venue)
// order inside each bucket. It also tracks the last move timestamp seen per
// outcome, which bounds hold time when the observation stream ends early.
func groupCrossings(moves []persistence.QuoteMoveEvent) (map[groupKey]*candidateGroup, map[string]time.Time) {
	groups := make(map[groupKey]*candidateGroup)
	lastObserved := make(map[string]time.Time)

	for _, m := range moves {
		if m.Timestamp.After(lastObserved[m.OutcomeName]) {
			lastObserved[m.OutcomeName] = m.Timestamp
		}
		if m.OldLine == nil || m.NewLine == nil {
			continue
		}
		for _, cr := range grid.LineCrossings(*m.OldLine, *m.NewLine) {
			key := groupKey{outcome: m.OutcomeName, threshold: cr.Threshold, direction: cr.Direction}
			g, ok := groups[key]
			if !ok {
				g = &candidateGroup{thresholdType: cr.ThresholdType}
				groups[key] = g
			}
			g.candidates = append(g.candidates, candidate{
				venue:      m.Venue,
				tier:       m.VenueTier,
				at:         m.Timestamp,
				lineBefore: m.OldLine,
				lineAfter:  m.NewLine,
				delta:      m.Delta,
			})
		}
	}
	return groups, lastObserved
}

// confirmAt walks candidates in order and returns the index of the
// confirming one: the first Tier-1 crossing, or the crossing that brings the
// distinct-venue count to two.
func confirmAt(cands []candidate) (int, bool) {
	seen := make(map[string]struct{})
	for i, c := range cands {
		seen[c.venue] = struct{}{}
		if c.tier == domain.TierOne || len(seen) >= 2 {
			return i, true
		}
	}
	return 0, false
}

// confirmWithin applies the confirmation rule to the candidates inside
// [from, to] and returns the confirming timestamp, or nil.
func confirmWithin(cands []candidate, from, to time.Time) *time.Time {
	seen := make(map[string]struct{})
	for _, c := range cands {
		if c.at.Before(from) || c.at.After(to) {
			continue
		}
		seen[c.venue] = struct{}{}
		if c.tier == domain.TierOne || len(seen) >= 2 {
			t := c.at
			return &t
		}
	}
	return nil
}

// firstPerVenue keeps each venue's earliest crossing, preserving order.
func firstPerVenue(cands []candidate) []candidate {
	seen := make(map[string]struct{})
	out := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if _, ok := seen[c.venue]; ok {
			continue
		}
		seen[c.venue] = struct{}{}
		out = append(out, c)
	}
	return out
}

// latestLinesPerVenue reduces an ascending snapshot window to each venue's
// last quoted line for the outcome inside [from, to], endpoints included.
func latestLinesPerVenue(snaps []persistence.OddsSnapshot, outcome string, from, to time.Time) []float64 {
	latest := make(map[string]float64)
	for _, s := range snaps {
		if s.OutcomeName != outcome || s.Line == nil {
			continue
		}
		if s.FetchedAt.Before(from) || s.FetchedAt.After(to) {
			continue
		}
		latest[s.SportsbookKey] = *s.Line
	}
	out := make([]float64, 0, len(latest))
	for _, v := range latest {
		out = append(out, v)
	}
	return out
}

// sortedKeys orders group keys for a deterministic pass.
func sortedKeys(groups map[groupKey]*candidateGroup) []groupKey {
	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].outcome != keys[j].outcome {
			return keys[i].outcome < keys[j].outcome
		}
		if keys[i].threshold != keys[j].threshold {
			return keys[i].threshold < keys[j].threshold
		}
		return keys[i].direction < keys[j].direction
	})
	return keys
}
