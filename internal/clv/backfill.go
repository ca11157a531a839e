package clv

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
	"github.com/stratumlabs/stratum/internal/providers/oddsapi"
)

// backfillOffsets are the archive sampling points relative to tipoff,
// denser near the close. The post-tipoff point exists only as a fallback
// for events the archive never captured before commencement.
var backfillOffsets = []time.Duration{
	-5 * time.Minute,
	-15 * time.Minute,
	-30 * time.Minute,
	-time.Hour,
	-3 * time.Hour,
	10 * time.Minute,
}

// BackfillResult summarizes one backfill run.
type BackfillResult struct {
	GamesExamined   int
	GamesBackfilled int
	GamesInferred   int
	GamesFailed     int
	RowsUpserted    int
}

// BackfillMissingCloses reconstructs closing consensus for commenced games
// that produced signals but no pre-tipoff consensus rows. Each game's rows
// commit independently, so one unfetchable event never aborts the run.
// Zero or negative arguments fall back to the configured defaults.
func (s *Service) BackfillMissingCloses(ctx context.Context, now time.Time, lookbackHours, maxGames int) (BackfillResult, error) {
	var res BackfillResult
	if s.hist == nil {
		return res, fmt.Errorf("no historical odds provider configured")
	}
	if lookbackHours <= 0 {
		lookbackHours = s.cfg.BackfillLookbackHours
	}
	if maxGames <= 0 {
		maxGames = s.cfg.BackfillMaxGames
	}
	since := now.Add(-time.Duration(lookbackHours) * time.Hour)

	games, err := s.store.Games.ListNeedingBackfill(ctx, since, now, maxGames)
	if err != nil {
		return res, fmt.Errorf("list games needing backfill: %w", err)
	}

	for _, game := range games {
		res.GamesExamined++
		rows, inferred, err := s.backfillGame(ctx, game, now)
		if err != nil {
			res.GamesFailed++
			log.Warn().Err(err).Str("event_id", game.EventID).Msg("closing backfill failed")
			continue
		}
		if rows > 0 {
			res.GamesBackfilled++
			res.RowsUpserted += rows
		}
		if inferred {
			res.GamesInferred++
		}
	}

	if res.GamesExamined > 0 {
		log.Info().
			Int("games", res.GamesExamined).
			Int("backfilled", res.GamesBackfilled).
			Int("inferred", res.GamesInferred).
			Int("failed", res.GamesFailed).
			Int("rows", res.RowsUpserted).
			Msg("closing backfill complete")
	}
	return res, nil
}

// sampleKey identifies one market/outcome close candidate.
type sampleKey struct {
	market  domain.Market
	outcome string
}

// closeSample is one archive snapshot's consensus for a market/outcome.
type closeSample struct {
	at    time.Time
	line  *float64
	price *int
}

// backfillGame walks the archive offsets for one game, reduces each
// snapshot to per-outcome medians, and upserts the chosen close per
// market/outcome. The second return reports whether any close had to be
// inferred from a post-tipoff sample.
func (s *Service) backfillGame(ctx context.Context, game persistence.Game, now time.Time) (int, bool, error) {
	samples := make(map[sampleKey][]closeSample)
	seen := make(map[time.Time]struct{})

	for _, offset := range backfillOffsets {
		at := game.CommenceTime.Add(offset)
		if at.After(now) {
			continue
		}
		snap, err := s.hist.FetchHistorical(ctx, game.SportKey, at)
		if err != nil {
			return 0, false, fmt.Errorf("historical fetch at %s: %w", at.Format(time.RFC3339), err)
		}
		if snap == nil {
			continue
		}
		// Adjacent offsets can resolve to the same archive snapshot.
		if _, dup := seen[snap.Timestamp]; dup {
			continue
		}
		seen[snap.Timestamp] = struct{}{}

		ev, ok := findEvent(snap.Data, game.EventID)
		if !ok {
			continue
		}
		for key, sample := range reduceEvent(ev, snap.Timestamp) {
			samples[key] = append(samples[key], sample)
		}
	}

	if len(samples) == 0 {
		return 0, false, fmt.Errorf("no archive sample covers event %s", game.EventID)
	}

	keys := make([]sampleKey, 0, len(samples))
	for key := range samples {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].market != keys[j].market {
			return keys[i].market < keys[j].market
		}
		return keys[i].outcome < keys[j].outcome
	})

	rows := 0
	inferred := false
	for _, key := range keys {
		sample, post := chooseClosing(samples[key], game.CommenceTime)
		if sample == nil {
			continue
		}
		if post {
			inferred = true
		}
		if err := s.store.Closing.Upsert(ctx, persistence.ClosingConsensus{
			EventID:        game.EventID,
			Market:         key.market,
			OutcomeName:    key.outcome,
			CloseLine:      sample.line,
			ClosePrice:     sample.price,
			CloseFetchedAt: sample.at,
			ComputedAt:     now,
		}); err != nil {
			return rows, inferred, fmt.Errorf("closing upsert for %s/%s: %w", key.market, key.outcome, err)
		}
		rows++
	}

	if inferred {
		log.Info().
			Str("event_id", game.EventID).
			Time("commence_time", game.CommenceTime).
			Msg("closing consensus inferred from post-tipoff sample")
	}
	return rows, inferred, nil
}

// chooseClosing picks the latest sample at or before tipoff, falling back
// to the earliest one after it; the second return reports that fallback.
func chooseClosing(list []closeSample, tipoff time.Time) (*closeSample, bool) {
	var pre, post *closeSample
	for i := range list {
		sm := &list[i]
		if !sm.at.After(tipoff) {
			if pre == nil || sm.at.After(pre.at) {
				pre = sm
			}
			continue
		}
		if post == nil || sm.at.Before(post.at) {
			post = sm
		}
	}
	if pre != nil {
		return pre, false
	}
	return post, post != nil
}

// reduceEvent folds one archive event into median close values per
// market/outcome, mirroring the live consensus reduction. A spread or
// total with no quoted lines cannot stand as a close and is dropped.
func reduceEvent(ev oddsapi.Event, at time.Time) map[sampleKey]closeSample {
	type agg struct {
		lines  []float64
		prices []int
	}
	groups := make(map[sampleKey]*agg)
	for _, book := range ev.Bookmakers {
		for _, mkt := range book.Markets {
			market := domain.Market(mkt.Key)
			if !market.Valid() {
				continue
			}
			for _, out := range mkt.Outcomes {
				if out.Name == "" || out.Price == 0 {
					continue
				}
				key := sampleKey{market: market, outcome: out.Name}
				g := groups[key]
				if g == nil {
					g = &agg{}
					groups[key] = g
				}
				g.prices = append(g.prices, out.Price)
				if out.Point != nil {
					g.lines = append(g.lines, *out.Point)
				}
			}
		}
	}

	out := make(map[sampleKey]closeSample, len(groups))
	for key, g := range groups {
		sample := closeSample{at: at}
		price := domain.MedianInt(g.prices)
		sample.price = &price
		if key.market.HasLine() {
			if len(g.lines) == 0 {
				continue
			}
			line := domain.Median(g.lines)
			sample.line = &line
		}
		out[key] = sample
	}
	return out
}

func findEvent(events []oddsapi.Event, eventID string) (oddsapi.Event, bool) {
	for _, ev := range events {
		if ev.ID == eventID {
			return ev, true
		}
	}
	return oddsapi.Event{}, false
}
