package signals

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

// Line-move trigger floors. Key numbers come from config; these do not.
const (
	moveThresholdSpreads = 0.5
	moveThresholdTotals  = 1.0
)

func moveThreshold(market domain.Market) float64 {
	if market == domain.MarketTotals {
		return moveThresholdTotals
	}
	return moveThresholdSpreads
}

// detectMoves compares the earliest vs latest line per outcome inside the
// market's window. A move at or past the threshold emits MOVE; a move that
// crosses or lands on a configured key number emits KEY_CROSS instead.
func (d *Detector) detectMoves(ctx context.Context, eventID string, tip *time.Time, now time.Time) []persistence.Signal {
	configs := []struct {
		market  domain.Market
		minutes int
		keys    []float64
	}{
		{domain.MarketSpreads, intOr(d.cfg.Move.WindowSpreadsMinutes, 10), d.cfg.Move.KeyNumbersSpreads},
		{domain.MarketTotals, intOr(d.cfg.Move.WindowTotalsMinutes, 15), d.cfg.Move.KeyNumbersTotals},
	}

	bucket := domain.BucketForTipoff(now, tip)
	mtt := domain.MinutesToTip(now, tip)

	var out []persistence.Signal
	for _, mc := range configs {
		since := now.Add(-time.Duration(mc.minutes) * time.Minute)
		snaps, err := d.store.Snapshots.ListWindow(ctx, eventID, mc.market, since)
		if err != nil {
			log.Warn().Err(err).
				Str("event_id", eventID).
				Str("market", string(mc.market)).
				Msg("move window query failed")
			continue
		}

		spans := spanByOutcome(snaps, true)
		for _, outcome := range sortedOutcomes(spans) {
			span := spans[outcome]
			if span.count < 2 {
				continue
			}
			from, to := *span.first.Line, *span.last.Line
			delta := to - from
			if delta == 0 {
				continue
			}

			keyNumber, crossed := crossedKey(from, to, mc.keys)
			if math.Abs(delta) < moveThreshold(mc.market) && !crossed {
				continue
			}

			sigType := domain.SignalMove
			if crossed {
				sigType = domain.SignalKeyCross
			}

			velocity := span.last.FetchedAt.Sub(span.first.FetchedAt).Minutes()
			comps := moveComponents(math.Abs(delta), moveThreshold(mc.market), velocity, len(span.books), bucket, crossed)

			meta := MoveMetadata{
				OutcomeName:     outcome,
				Books:           span.bookList(),
				Magnitude:       math.Abs(delta),
				VelocityMinutes: velocity,
				MinutesToTip:    mtt,
				StartLine:       from,
				EndLine:         to,
				KeyCross:        crossed,
				Components:      comps,
			}
			if crossed {
				k := keyNumber
				meta.KeyNumber = &k
			}

			sig := persistence.Signal{
				EventID:         eventID,
				Market:          mc.market,
				SignalType:      sigType,
				Direction:       domain.DirectionOf(from, to),
				FromValue:       from,
				ToValue:         to,
				FromPrice:       intPtr(span.first.Price),
				ToPrice:         intPtr(span.last.Price),
				WindowMinutes:   mc.minutes,
				BooksAffected:   len(span.books),
				VelocityMinutes: velocity,
				TimeBucket:      bucket,
				StrengthScore:   scoreOf(comps),
				CreatedAt:       now,
				Metadata:        metaMap(meta),
			}

			key := d.kv.Key("cooldown", "move", eventID, string(mc.market), outcome,
				fmt.Sprintf("%.1f_%.1f_%dm", from, to, mc.minutes))
			if d.emit(ctx, &sig, key, cooldownTTL(d.cfg.Move.CooldownSeconds)) {
				out = append(out, sig)
			}
		}
	}
	return out
}

// crossedKey reports the first key number the move crossed or landed on,
// judged by absolute line value so -2.5 to -3.5 crosses 3. Moving off a key
// is not a cross.
func crossedKey(from, to float64, keys []float64) (float64, bool) {
	af, at := math.Abs(from), math.Abs(to)
	if af == at {
		return 0, false
	}
	lo, hi := math.Min(af, at), math.Max(af, at)
	for _, k := range keys {
		if at == k && af != k {
			return k, true
		}
		if lo < k && k < hi {
			return k, true
		}
	}
	return 0, false
}
