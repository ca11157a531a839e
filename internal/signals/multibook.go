package signals

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

// detectMultibook looks for synchronized per-book moves: inside a short
// window, at least MinBooks books shifting the same outcome in the same
// direction. Signal values are the means of the per-book start and end lines.
func (d *Detector) detectMultibook(ctx context.Context, eventID string, tip *time.Time, now time.Time) []persistence.Signal {
	minutes := intOr(d.cfg.Multibook.WindowMinutes, 5)
	minBooks := intOr(d.cfg.Multibook.MinBooks, 3)
	since := now.Add(-time.Duration(minutes) * time.Minute)

	bucket := domain.BucketForTipoff(now, tip)
	mtt := domain.MinutesToTip(now, tip)

	type contributor struct {
		book     string
		from, to float64
		firstAt  time.Time
		lastAt   time.Time
	}

	var out []persistence.Signal
	for _, market := range []domain.Market{domain.MarketSpreads, domain.MarketTotals} {
		snaps, err := d.store.Snapshots.ListWindow(ctx, eventID, market, since)
		if err != nil {
			log.Warn().Err(err).
				Str("event_id", eventID).
				Str("market", string(market)).
				Msg("multibook window query failed")
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
				from, to := *span.first.Line, *span.last.Line
				dir := domain.DirectionOf(from, to)
				if dir == domain.DirectionFlat {
					continue
				}
				groups[dir] = append(groups[dir], contributor{
					book:    book,
					from:    from,
					to:      to,
					firstAt: span.first.FetchedAt,
					lastAt:  span.last.FetchedAt,
				})
			}

			for _, dir := range []domain.Direction{domain.DirectionUp, domain.DirectionDown} {
				group := groups[dir]
				if len(group) < minBooks {
					continue
				}

				var sumFrom, sumTo float64
				books := make([]string, 0, len(group))
				windowStart, windowEnd := group[0].firstAt, group[0].lastAt
				for _, c := range group {
					sumFrom += c.from
					sumTo += c.to
					books = append(books, c.book)
					if c.firstAt.Before(windowStart) {
						windowStart = c.firstAt
					}
					if c.lastAt.After(windowEnd) {
						windowEnd = c.lastAt
					}
				}
				meanFrom := sumFrom / float64(len(group))
				meanTo := sumTo / float64(len(group))
				velocity := windowEnd.Sub(windowStart).Minutes()
				magnitude := math.Abs(meanTo - meanFrom)
				comps := multibookComponents(magnitude, moveThreshold(market), velocity, len(group), bucket)

				sig := persistence.Signal{
					EventID:         eventID,
					Market:          market,
					SignalType:      domain.SignalMultibookSync,
					Direction:       dir,
					FromValue:       meanFrom,
					ToValue:         meanTo,
					WindowMinutes:   minutes,
					BooksAffected:   len(group),
					VelocityMinutes: velocity,
					TimeBucket:      bucket,
					StrengthScore:   scoreOf(comps),
					CreatedAt:       now,
					Metadata: metaMap(MultibookMetadata{
						OutcomeName:     outcome,
						Books:           books,
						Direction:       string(dir),
						MeanFrom:        meanFrom,
						MeanTo:          meanTo,
						Magnitude:       magnitude,
						VelocityMinutes: velocity,
						MinutesToTip:    mtt,
						Components:      comps,
					}),
				}

				key := d.kv.Key("cooldown", "multibook", eventID, string(market), outcome, string(dir))
				if d.emit(ctx, &sig, key, cooldownTTL(d.cfg.Multibook.CooldownSeconds)) {
					out = append(out, sig)
				}
			}
		}
	}
	return out
}
