package signals

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

// LIVE_SHOCK bounds. An event counts as live from 5 minutes before tipoff
// until 240 minutes after; shocks score a flat 100.
const (
	liveShockWindowMinutes  = 5
	liveShockSpreadDelta    = 4.5
	liveShockTotalDelta     = 6.5
	liveShockProbDelta      = 0.15
	liveShockStrength       = 100
	liveShockMaxMinutesPre  = 5.0
	liveShockMaxMinutesLive = -240.0
)

// detectLiveShock catches violent in-play swings: earliest vs latest value
// per outcome inside a 5-minute window, against shock-sized thresholds.
func (d *Detector) detectLiveShock(ctx context.Context, eventID string, tip *time.Time, now time.Time) []persistence.Signal {
	mtt := domain.MinutesToTip(now, tip)
	if mtt == nil || *mtt > liveShockMaxMinutesPre || *mtt < liveShockMaxMinutesLive {
		return nil
	}

	since := now.Add(-liveShockWindowMinutes * time.Minute)
	bucket := domain.BucketForMinutes(*mtt)

	var out []persistence.Signal
	for _, market := range []domain.Market{domain.MarketSpreads, domain.MarketTotals, domain.MarketH2H} {
		snaps, err := d.store.Snapshots.ListWindow(ctx, eventID, market, since)
		if err != nil {
			log.Warn().Err(err).
				Str("event_id", eventID).
				Str("market", string(market)).
				Msg("live shock window query failed")
			continue
		}

		spans := spanByOutcome(snaps, market.HasLine())
		for _, outcome := range sortedOutcomes(spans) {
			span := spans[outcome]
			if span.count < 2 {
				continue
			}

			var from, to, threshold float64
			switch market {
			case domain.MarketSpreads:
				from, to, threshold = *span.first.Line, *span.last.Line, liveShockSpreadDelta
			case domain.MarketTotals:
				from, to, threshold = *span.first.Line, *span.last.Line, liveShockTotalDelta
			default:
				from = domain.AmericanToImplied(span.first.Price)
				to = domain.AmericanToImplied(span.last.Price)
				threshold = liveShockProbDelta
			}
			magnitude := math.Abs(to - from)
			if magnitude < threshold {
				continue
			}

			velocity := span.last.FetchedAt.Sub(span.first.FetchedAt).Minutes()
			comps := map[string]float64{"shock": liveShockStrength}
			sig := persistence.Signal{
				EventID:         eventID,
				Market:          market,
				SignalType:      domain.SignalLiveShock,
				Direction:       domain.DirectionOf(from, to),
				FromValue:       from,
				ToValue:         to,
				FromPrice:       intPtr(span.first.Price),
				ToPrice:         intPtr(span.last.Price),
				WindowMinutes:   liveShockWindowMinutes,
				BooksAffected:   len(span.books),
				VelocityMinutes: velocity,
				TimeBucket:      bucket,
				StrengthScore:   liveShockStrength,
				CreatedAt:       now,
				Metadata: metaMap(LiveShockMetadata{
					OutcomeName:     outcome,
					Books:           span.bookList(),
					Magnitude:       magnitude,
					Threshold:       threshold,
					VelocityMinutes: velocity,
					MinutesToTip:    mtt,
					Components:      comps,
				}),
			}

			key := d.kv.Key("cooldown", "liveshock", eventID, string(market), outcome)
			if d.emit(ctx, &sig, key, cooldownTTL(d.cfg.LiveShock.CooldownSeconds)) {
				out = append(out, sig)
			}
		}
	}
	return out
}
