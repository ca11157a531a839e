// Package consensus reduces the odds ledger to per-outcome consensus
// points: median line and price over the freshest quote per book inside
// a rolling window, with population-stdev dispersion. Outcomes quoted by
// too few books are skipped, never padded.
package consensus

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

// Engine computes one consensus pass per ingestion cycle.
type Engine struct {
	store *persistence.Store
	cfg   config.ConsensusConfig
}

// New wires the consensus engine.
func New(store *persistence.Store, cfg config.ConsensusConfig) *Engine {
	return &Engine{store: store, cfg: cfg}
}

// Result summarizes one consensus pass.
type Result struct {
	RowsWritten     int
	OutcomesSkipped int
	EventsCovered   int
}

// ComputeCycle builds consensus rows for the cycle's candidate events.
// Every row of the pass shares one fetched_at stamp and lands in a single
// transaction; a replayed pass overwrites nothing older than itself.
func (e *Engine) ComputeCycle(ctx context.Context, eventIDs []string, now time.Time) (Result, error) {
	res := Result{}
	if len(eventIDs) == 0 {
		return res, nil
	}

	since := now.Add(-time.Duration(e.cfg.LookbackMinutes) * time.Minute)
	fetchedAt := now.UTC()

	var rows []persistence.MarketConsensusSnapshot
	for _, eventID := range uniqueStrings(eventIDs) {
		covered := false
		for _, market := range e.markets() {
			snaps, err := e.store.Snapshots.LatestPerBook(ctx, eventID, market, since)
			if err != nil {
				return res, fmt.Errorf("latest-per-book for %s/%s: %w", eventID, market, err)
			}
			if len(snaps) == 0 {
				continue
			}

			outcomeRows, skipped := e.reduceOutcomes(eventID, market, snaps, fetchedAt)
			res.OutcomesSkipped += skipped
			if len(outcomeRows) > 0 {
				covered = true
				rows = append(rows, outcomeRows...)
			}
		}
		if covered {
			res.EventsCovered++
		}
	}

	if len(rows) == 0 {
		return res, nil
	}
	if err := e.store.Consensus.WriteCycle(ctx, rows); err != nil {
		return res, fmt.Errorf("consensus write: %w", err)
	}
	res.RowsWritten = len(rows)

	log.Info().
		Int("rows", res.RowsWritten).
		Int("events", res.EventsCovered).
		Int("skipped_outcomes", res.OutcomesSkipped).
		Time("fetched_at", fetchedAt).
		Msg("consensus pass complete")
	return res, nil
}

// reduceOutcomes folds one event/market's latest-per-book snapshots into
// consensus rows, one per outcome that clears the book minimum.
func (e *Engine) reduceOutcomes(eventID string, market domain.Market, snaps []persistence.OddsSnapshot, fetchedAt time.Time) ([]persistence.MarketConsensusSnapshot, int) {
	byOutcome := make(map[string][]persistence.OddsSnapshot)
	for _, s := range snaps {
		byOutcome[s.OutcomeName] = append(byOutcome[s.OutcomeName], s)
	}

	names := make([]string, 0, len(byOutcome))
	for name := range byOutcome {
		names = append(names, name)
	}
	sort.Strings(names)

	var rows []persistence.MarketConsensusSnapshot
	skipped := 0
	for _, name := range names {
		group := byOutcome[name]

		books := make(map[string]struct{}, len(group))
		for _, s := range group {
			books[s.SportsbookKey] = struct{}{}
		}
		if len(books) < e.cfg.MinBooks {
			skipped++
			log.Debug().
				Str("event_id", eventID).
				Str("market", string(market)).
				Str("outcome", name).
				Int("books", len(books)).
				Int("min_books", e.cfg.MinBooks).
				Msg("consensus outcome skipped: insufficient books")
			continue
		}

		row, ok := buildRow(eventID, market, name, group, len(books), fetchedAt)
		if !ok {
			skipped++
			log.Debug().
				Str("event_id", eventID).
				Str("market", string(market)).
				Str("outcome", name).
				Msg("consensus outcome skipped: no usable lines")
			continue
		}
		rows = append(rows, row)
	}
	return rows, skipped
}

// buildRow computes the medians and dispersion for one outcome group.
// Non-h2h outcomes need at least one line to honor the rule that
// consensus_line is null exactly for h2h.
func buildRow(eventID string, market domain.Market, outcome string, group []persistence.OddsSnapshot, booksCount int, fetchedAt time.Time) (persistence.MarketConsensusSnapshot, bool) {
	prices := make([]int, 0, len(group))
	for _, s := range group {
		prices = append(prices, s.Price)
	}
	medianPrice := domain.MedianInt(prices)

	row := persistence.MarketConsensusSnapshot{
		EventID:        eventID,
		Market:         market,
		OutcomeName:    outcome,
		ConsensusPrice: &medianPrice,
		BooksCount:     booksCount,
		FetchedAt:      fetchedAt,
	}

	if market == domain.MarketH2H {
		probs := make([]float64, 0, len(group))
		for _, s := range group {
			probs = append(probs, domain.AmericanToImplied(s.Price))
		}
		row.Dispersion = domain.PStdev(probs)
		return row, true
	}

	lines := make([]float64, 0, len(group))
	for _, s := range group {
		if s.Line != nil {
			lines = append(lines, *s.Line)
		}
	}
	if len(lines) == 0 {
		return persistence.MarketConsensusSnapshot{}, false
	}
	medianLine := domain.Median(lines)
	row.ConsensusLine = &medianLine
	row.Dispersion = domain.PStdev(lines)
	return row, true
}

func (e *Engine) markets() []domain.Market {
	if len(e.cfg.Markets) == 0 {
		return []domain.Market{domain.MarketSpreads, domain.MarketTotals, domain.MarketH2H}
	}
	out := make([]domain.Market, 0, len(e.cfg.Markets))
	for _, m := range e.cfg.Markets {
		market := domain.Market(m)
		if market.Valid() {
			out = append(out, market)
		}
	}
	return out
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
