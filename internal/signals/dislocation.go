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

type dislocationCandidate struct {
	market    domain.Market
	outcome   string
	book      string
	from      float64
	to        float64
	fromPrice *int
	toPrice   *int
	delta     float64
	consensus persistence.MarketConsensusSnapshot
	comps     map[string]float64
	strength  int
}

// detectDislocation compares each book's latest quote against a recent
// consensus backed by enough books. Candidates are ranked per event by
// (strength, |delta|) and capped before the per-book cooldown gate.
func (d *Detector) detectDislocation(ctx context.Context, eventID string, tip *time.Time, now time.Time) []persistence.Signal {
	cfg := d.cfg.Dislocation
	lookback := intOr(cfg.LookbackMinutes, 15)
	since := now.Add(-time.Duration(lookback) * time.Minute)

	bucket := domain.BucketForTipoff(now, tip)
	mtt := domain.MinutesToTip(now, tip)

	thresholds := map[domain.Market]float64{
		domain.MarketSpreads: cfg.SpreadLineDelta,
		domain.MarketTotals:  cfg.TotalLineDelta,
		domain.MarketH2H:     cfg.MLImpliedProbDelta,
	}

	var cands []dislocationCandidate
	for _, market := range []domain.Market{domain.MarketSpreads, domain.MarketTotals, domain.MarketH2H} {
		threshold := thresholds[market]
		if threshold <= 0 {
			continue
		}

		consRows, err := d.store.Consensus.LatestForEvent(ctx, eventID, market, since)
		if err != nil {
			log.Warn().Err(err).
				Str("event_id", eventID).
				Str("market", string(market)).
				Msg("dislocation consensus query failed")
			continue
		}
		if len(consRows) == 0 {
			continue
		}
		consByOutcome := make(map[string]persistence.MarketConsensusSnapshot, len(consRows))
		for _, row := range consRows {
			if _, ok := consByOutcome[row.OutcomeName]; !ok {
				consByOutcome[row.OutcomeName] = row
			}
		}

		quotes, err := d.store.Snapshots.LatestPerBook(ctx, eventID, market, since)
		if err != nil {
			log.Warn().Err(err).
				Str("event_id", eventID).
				Str("market", string(market)).
				Msg("dislocation quote query failed")
			continue
		}

		for _, q := range quotes {
			cons, ok := consByOutcome[q.OutcomeName]
			if !ok || cons.BooksCount < cfg.MinBooks {
				continue
			}

			var from, to float64
			if market == domain.MarketH2H {
				if cons.ConsensusPrice == nil {
					continue
				}
				from = domain.AmericanToImplied(*cons.ConsensusPrice)
				to = domain.AmericanToImplied(q.Price)
			} else {
				if cons.ConsensusLine == nil || q.Line == nil {
					continue
				}
				from = *cons.ConsensusLine
				to = *q.Line
			}
			delta := to - from
			if math.Abs(delta) <= threshold {
				continue
			}

			comps := dislocationComponents(math.Abs(delta), threshold, cons.BooksCount, cons.Dispersion, bucket)
			price := q.Price
			cands = append(cands, dislocationCandidate{
				market:    market,
				outcome:   q.OutcomeName,
				book:      q.SportsbookKey,
				from:      from,
				to:        to,
				fromPrice: cons.ConsensusPrice,
				toPrice:   &price,
				delta:     delta,
				consensus: cons,
				comps:     comps,
				strength:  scoreOf(comps),
			})
		}
	}

	if len(cands) == 0 {
		return nil
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].strength != cands[j].strength {
			return cands[i].strength > cands[j].strength
		}
		if math.Abs(cands[i].delta) != math.Abs(cands[j].delta) {
			return math.Abs(cands[i].delta) > math.Abs(cands[j].delta)
		}
		return cands[i].book < cands[j].book
	})
	if maxPer := intOr(cfg.MaxSignalsPerEvent, 3); len(cands) > maxPer {
		cands = cands[:maxPer]
	}

	var out []persistence.Signal
	for _, c := range cands {
		meta := DislocationMetadata{
			OutcomeName:         c.outcome,
			BookKey:             c.book,
			BookPrice:           c.toPrice,
			ConsensusLine:       c.consensus.ConsensusLine,
			ConsensusPrice:      c.consensus.ConsensusPrice,
			ConsensusBooks:      c.consensus.BooksCount,
			ConsensusDispersion: c.consensus.Dispersion,
			Delta:               c.delta,
			MinutesToTip:        mtt,
			Components:          c.comps,
		}
		if c.market != domain.MarketH2H {
			line := c.to
			meta.BookLine = &line
		}

		sig := persistence.Signal{
			EventID:       eventID,
			Market:        c.market,
			SignalType:    domain.SignalDislocation,
			Direction:     domain.DirectionOf(c.from, c.to),
			FromValue:     c.from,
			ToValue:       c.to,
			FromPrice:     c.fromPrice,
			ToPrice:       c.toPrice,
			WindowMinutes: lookback,
			BooksAffected: c.consensus.BooksCount,
			TimeBucket:    bucket,
			StrengthScore: c.strength,
			CreatedAt:     now,
			Metadata:      metaMap(meta),
		}

		key := d.kv.Key("cooldown", "dislocation", eventID, string(c.market), c.outcome, c.book)
		if d.emit(ctx, &sig, key, cooldownTTL(cfg.CooldownSeconds)) {
			out = append(out, sig)
		}
	}
	return out
}
