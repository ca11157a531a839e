package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

// DetectExchangeDivergence turns unresolved cross-market divergence rows into
// EXCHANGE_DIVERGENCE signals. It runs after the correlator pass. Resolution
// of a divergence never clears the cooldown key, so a re-opened disagreement
// inside the cooldown window stays silent.
func (d *Detector) DetectExchangeDivergence(ctx context.Context, now time.Time) ([]persistence.Signal, error) {
	cfg := d.cfg.ExchangeDivergence
	if !cfg.Enabled {
		return nil, nil
	}
	lookback := intOr(cfg.LookbackMinutes, 30)
	since := now.Add(-time.Duration(lookback) * time.Minute)

	types := []domain.DivergenceType{
		domain.DivergenceExchangeLeads,
		domain.DivergenceSportsbookLeads,
		domain.DivergenceOpposed,
	}
	rows, err := d.store.CrossMarket.ListUnresolvedDivergences(ctx, since, types)
	if err != nil {
		return nil, fmt.Errorf("list unresolved divergences: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	maxPer := intOr(cfg.MaxSignalsPerEvent, 2)
	perEvent := make(map[string]int)

	var out []persistence.Signal
	for _, row := range rows {
		align, err := d.store.Alignments.Get(ctx, row.CanonicalEventKey)
		if err != nil {
			log.Warn().Err(err).
				Str("canonical_key", row.CanonicalEventKey).
				Msg("divergence alignment lookup failed")
			continue
		}
		if align == nil {
			log.Debug().
				Str("canonical_key", row.CanonicalEventKey).
				Msg("divergence without alignment, skipped")
			continue
		}

		eventID := align.SportsbookEventID
		if perEvent[eventID] >= maxPer {
			continue
		}

		var tip *time.Time
		if !align.StartTime.IsZero() {
			t := align.StartTime
			tip = &t
		}
		bucket := domain.BucketForTipoff(now, tip)

		var fromValue, toValue, velocity float64
		if row.SportsbookThresholdValue != nil {
			fromValue = *row.SportsbookThresholdValue
		}
		if row.ExchangeProbabilityThreshold != nil {
			toValue = *row.ExchangeProbabilityThreshold
		}
		if row.LagSeconds != nil {
			velocity = *row.LagSeconds / 60
		}

		comps := divergenceComponents(row.DivergenceType, row.LagSeconds, now.Sub(row.CreatedAt).Minutes())
		sig := persistence.Signal{
			EventID:         eventID,
			Market:          domain.MarketSpreads,
			SignalType:      domain.SignalExchangeDivergence,
			Direction:       domain.DirectionFlat,
			FromValue:       fromValue,
			ToValue:         toValue,
			WindowMinutes:   lookback,
			VelocityMinutes: velocity,
			TimeBucket:      bucket,
			StrengthScore:   scoreOf(comps),
			CreatedAt:       now,
			Metadata: metaMap(DivergenceMetadata{
				CanonicalEventKey:   row.CanonicalEventKey,
				DivergenceType:      string(row.DivergenceType),
				LeadSource:          string(row.LeadSource),
				LagSeconds:          row.LagSeconds,
				SportsbookThreshold: row.SportsbookThresholdValue,
				ExchangeThreshold:   row.ExchangeProbabilityThreshold,
				DivergenceID:        row.ID,
				Components:          comps,
			}),
		}

		key := d.kv.Key("cooldown", "divergence", row.CanonicalEventKey, string(row.DivergenceType))
		if d.emit(ctx, &sig, key, cooldownTTL(cfg.CooldownSeconds)) {
			out = append(out, sig)
			perEvent[eventID]++
		}
	}
	return out, nil
}
