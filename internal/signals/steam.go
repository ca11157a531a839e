package signals

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

// Per-book moves this fraction of the market threshold count toward a steam
// group.
const steamPerBookFraction = 0.4

type steamCandidate struct {
	market      domain.Market
	outcome     string
	direction   domain.Direction
	medianStart float64
	medianEnd   float64
	books       []string
	velocity    float64
	comps       map[string]float64
	strength    int
}

// detectSteam finds coordinated per-book moves: every contributing book
// shifted the same outcome the same direction by at least 40% of the market
// threshold, and the median start-to-end move clears the full threshold.
func (d *Detector) detectSteam(ctx context.Context, eventID string, tip *time.Time, now time.Time) []persistence.Signal {
	cfg := d.cfg.Steam
	minutes := intOr(cfg.WindowMinutes, 10)
	minBooks := intOr(cfg.MinBooks, 4)
	since := now.Add(-time.Duration(minutes) * time.Minute)

	bucket := domain.BucketForTipoff(now, tip)
	mtt := domain.MinutesToTip(now, tip)

	thresholds := map[domain.Market]float64{
		domain.MarketSpreads: cfg.MinMoveSpread,
		domain.MarketTotals:  cfg.MinMoveTotal,
	}

	type contributor struct {
		book       string
		start, end float64
		firstAt    time.Time
		lastAt     time.Time
	}

	var cands []steamCandidate
	for _, market := range []domain.Market{domain.MarketSpreads, domain.MarketTotals} {
		threshold := thresholds[market]
		if threshold <= 0 {
			continue
		}
		perBookMin := steamPerBookFraction * threshold

		snaps, err := d.store.Snapshots.ListWindow(ctx, eventID, market, since)
		if err != nil {
			log.Warn().Err(err).
				Str("event_id", eventID).
				Str("market", string(market)).
				Msg("steam window query failed")
			continue
		}

		byOutcome := spanByOutcomeBook(snaps, true)
		for _, outcome := range sortedOutcomes(byOutcome) {
			groups := make(map[domain.Direction][]contributor)
			byBook := byOutcome[outcome]
			for _, book := range sortedOutcomes(byBook) {
				span := byBook[book]
				if span.count < 2 {
					continue
				}
				start, end := *span.first.Line, *span.last.Line
				if math.Abs(end-start) < perBookMin {
					continue
				}
				dir := domain.DirectionOf(start, end)
				if dir == domain.DirectionFlat {
					continue
				}
				groups[dir] = append(groups[dir], contributor{
					book:    book,
					start:   start,
					end:     end,
					firstAt: span.first.FetchedAt,
					lastAt:  span.last.FetchedAt,
				})
			}

			for _, dir := range []domain.Direction{domain.DirectionUp, domain.DirectionDown} {
				group := groups[dir]
				if len(group) < minBooks {
					continue
				}

				starts := make([]float64, 0, len(group))
				ends := make([]float64, 0, len(group))
				books := make([]string, 0, len(group))
				windowStart, windowEnd := group[0].firstAt, group[0].lastAt
				for _, c := range group {
					starts = append(starts, c.start)
					ends = append(ends, c.end)
					books = append(books, c.book)
					if c.firstAt.Before(windowStart) {
						windowStart = c.firstAt
					}
					if c.lastAt.After(windowEnd) {
						windowEnd = c.lastAt
					}
				}
				medianStart := domain.Median(starts)
				medianEnd := domain.Median(ends)
				magnitude := math.Abs(medianEnd - medianStart)
				if magnitude < threshold {
					continue
				}

				velocity := windowEnd.Sub(windowStart).Minutes()
				comps := steamComponents(magnitude, threshold, velocity, len(group), bucket)
				cands = append(cands, steamCandidate{
					market:      market,
					outcome:     outcome,
					direction:   dir,
					medianStart: medianStart,
					medianEnd:   medianEnd,
					books:       books,
					velocity:    velocity,
					comps:       comps,
					strength:    scoreOf(comps),
				})
			}
		}
	}

	if len(cands) == 0 {
		return nil
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].strength != cands[j].strength {
			return cands[i].strength > cands[j].strength
		}
		mi := math.Abs(cands[i].medianEnd - cands[i].medianStart)
		mj := math.Abs(cands[j].medianEnd - cands[j].medianStart)
		return mi > mj
	})
	if maxPer := intOr(cfg.MaxSignalsPerEvent, 2); len(cands) > maxPer {
		cands = cands[:maxPer]
	}

	var out []persistence.Signal
	for _, c := range cands {
		sig := persistence.Signal{
			EventID:         eventID,
			Market:          c.market,
			SignalType:      domain.SignalSteam,
			Direction:       c.direction,
			FromValue:       c.medianStart,
			ToValue:         c.medianEnd,
			WindowMinutes:   minutes,
			BooksAffected:   len(c.books),
			VelocityMinutes: c.velocity,
			TimeBucket:      bucket,
			StrengthScore:   c.strength,
			CreatedAt:       now,
			Metadata: metaMap(SteamMetadata{
				OutcomeName:     c.outcome,
				Books:           c.books,
				Direction:       string(c.direction),
				MedianStart:     c.medianStart,
				MedianEnd:       c.medianEnd,
				Magnitude:       math.Abs(c.medianEnd - c.medianStart),
				VelocityMinutes: c.velocity,
				MinutesToTip:    mtt,
				Components:      c.comps,
			}),
		}

		key := d.kv.Key("cooldown", "steam", eventID, string(c.market), c.outcome, string(c.direction))
		if d.emit(ctx, &sig, key, cooldownTTL(cfg.CooldownSeconds)) {
			out = append(out, sig)
		}
	}
	return out
}
