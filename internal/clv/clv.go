// Package clv measures signals against the closing consensus. The closing
// job pins the last pre-tipoff consensus per (event, market, outcome); the
// CLV job writes one record per signal comparing its entry to that close;
// the backfill reconstructs missing closes from the provider's odds archive.
package clv

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
	"github.com/stratumlabs/stratum/internal/providers/oddsapi"
)

const (
	// closeGamesPerRun caps one closing-selection pass.
	closeGamesPerRun = 250
	// clvSignalsPerRun caps one CLV pass.
	clvSignalsPerRun = 500
)

// closingMarkets is the order closing rows are selected in.
var closingMarkets = []domain.Market{domain.MarketSpreads, domain.MarketTotals, domain.MarketH2H}

// HistoricalProvider is the slice of the odds client the backfill consumes.
type HistoricalProvider interface {
	FetchHistorical(ctx context.Context, sportKey string, at time.Time) (*oddsapi.HistoricalSnapshot, error)
}

// Service runs the closing, CLV, and backfill jobs.
type Service struct {
	store *persistence.Store
	hist  HistoricalProvider
	cfg   config.CLVConfig
}

// New wires the CLV service.
func New(store *persistence.Store, hist HistoricalProvider, cfg config.CLVConfig) *Service {
	return &Service{store: store, hist: hist, cfg: cfg}
}

// ClosingResult summarizes one closing-selection pass.
type ClosingResult struct {
	GamesExamined int
	RowsUpserted  int
	GamesFailed   int
}

// ComputeClosings upserts the last consensus row at or before tipoff per
// (event, market, outcome) for games that commenced inside the lookback and
// still lack closing rows. A replayed pass rewrites the same values.
func (s *Service) ComputeClosings(ctx context.Context, now time.Time) (ClosingResult, error) {
	var res ClosingResult
	since := now.Add(-s.lookback())

	games, err := s.store.Games.ListNeedingClose(ctx, since, now, closeGamesPerRun)
	if err != nil {
		return res, fmt.Errorf("list games needing close: %w", err)
	}

	for _, game := range games {
		res.GamesExamined++
		rows, err := s.closeGame(ctx, game, now)
		if err != nil {
			res.GamesFailed++
			log.Warn().Err(err).Str("event_id", game.EventID).Msg("closing selection failed")
			continue
		}
		res.RowsUpserted += rows
	}

	if res.RowsUpserted > 0 {
		log.Info().
			Int("games", res.GamesExamined).
			Int("rows", res.RowsUpserted).
			Int("failed", res.GamesFailed).
			Msg("closing consensus pass complete")
	}
	return res, nil
}

// closeGame selects and upserts every closing row for one game. The cutoff
// is tipoff; CLOSE_CUTOFF knows no other mode.
func (s *Service) closeGame(ctx context.Context, game persistence.Game, now time.Time) (int, error) {
	rows := 0
	for _, market := range closingMarkets {
		candidates, err := s.store.Consensus.ClosingCandidates(ctx, game.EventID, market, game.CommenceTime)
		if err != nil {
			return rows, fmt.Errorf("closing candidates for %s/%s: %w", game.EventID, market, err)
		}
		for _, c := range candidates {
			if err := s.store.Closing.Upsert(ctx, persistence.ClosingConsensus{
				EventID:        game.EventID,
				Market:         market,
				OutcomeName:    c.OutcomeName,
				CloseLine:      c.ConsensusLine,
				ClosePrice:     c.ConsensusPrice,
				CloseFetchedAt: c.FetchedAt,
				ComputedAt:     now,
			}); err != nil {
				return rows, fmt.Errorf("closing upsert for %s/%s/%s: %w", game.EventID, market, c.OutcomeName, err)
			}
			rows++
		}
	}
	return rows, nil
}

// ClvResult summarizes one CLV pass. Records carries the rows written
// this pass so the caller can fan out finalization webhooks.
type ClvResult struct {
	SignalsExamined int
	RecordsInserted int
	ClosingsMissing int
	EntriesSkipped  int
	Records         []persistence.ClvRecord
}

// ComputeCLV writes one record per eligible signal, measuring its entry
// against the stored close. Signals whose close is not stored yet are
// retried on later runs; signals carrying no resolvable outcome are left
// alone until they age out of the eligibility window.
func (s *Service) ComputeCLV(ctx context.Context, now time.Time) (ClvResult, error) {
	var res ClvResult
	commenceAfter := now.Add(-s.lookback())
	commenceBefore := now.Add(-time.Duration(s.cfg.MinutesAfterCommence) * time.Minute)

	sigs, err := s.store.Signals.ListAwaitingCLV(ctx, commenceAfter, commenceBefore, clvSignalsPerRun)
	if err != nil {
		return res, fmt.Errorf("list signals awaiting clv: %w", err)
	}

	for _, sig := range sigs {
		res.SignalsExamined++

		outcome := metaString(sig.Metadata, "outcome_name")
		if outcome == "" {
			res.EntriesSkipped++
			continue
		}

		closing, err := s.store.Closing.Get(ctx, sig.EventID, sig.Market, outcome)
		if err != nil {
			log.Warn().Err(err).Str("signal_id", sig.ID).Msg("closing lookup failed")
			continue
		}
		if closing == nil {
			res.ClosingsMissing++
			continue
		}

		rec := buildRecord(sig, outcome, closing, now)
		inserted, err := s.store.Clv.Insert(ctx, rec)
		if err != nil {
			log.Warn().Err(err).Str("signal_id", sig.ID).Msg("clv insert failed")
			continue
		}
		if inserted {
			res.RecordsInserted++
			res.Records = append(res.Records, rec)
		}
	}

	if res.RecordsInserted > 0 {
		log.Info().
			Int("signals", res.SignalsExamined).
			Int("records", res.RecordsInserted).
			Int("awaiting_close", res.ClosingsMissing).
			Int("skipped", res.EntriesSkipped).
			Msg("clv pass complete")
	}
	return res, nil
}

// buildRecord resolves the signal's entry and computes both CLV deltas.
// Entry values prefer the rule's own metadata (the dislocated book's line
// and price, or a move's end line) over the generic signal fields, and a
// head-to-head entry never has a line.
func buildRecord(sig persistence.Signal, outcome string, closing *persistence.ClosingConsensus, now time.Time) persistence.ClvRecord {
	entryLine := metaFloat(sig.Metadata, "book_line", "end_line")
	if entryLine == nil && sig.Market.HasLine() {
		v := sig.ToValue
		entryLine = &v
	}
	entryPrice := metaInt(sig.Metadata, "book_price")
	if entryPrice == nil {
		entryPrice = sig.ToPrice
	}

	rec := persistence.ClvRecord{
		SignalID:    sig.ID,
		EventID:     sig.EventID,
		SignalType:  sig.SignalType,
		Market:      sig.Market,
		OutcomeName: outcome,
		EntryLine:   entryLine,
		EntryPrice:  entryPrice,
		CloseLine:   closing.CloseLine,
		ClosePrice:  closing.ClosePrice,
		ComputedAt:  now,
	}
	if entryLine != nil && closing.CloseLine != nil {
		d := *closing.CloseLine - *entryLine
		rec.ClvLine = &d
	}
	if entryPrice != nil && closing.ClosePrice != nil {
		d := domain.AmericanToImplied(*closing.ClosePrice) - domain.AmericanToImplied(*entryPrice)
		rec.ClvProb = &d
	}
	return rec
}

func (s *Service) lookback() time.Duration {
	days := s.cfg.LookbackDays
	if days <= 0 {
		days = 3
	}
	return time.Duration(days) * 24 * time.Hour
}

func metaString(m persistence.JSONMap, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// metaFloat returns the first numeric value found among keys. Metadata maps
// round-trip through JSON, so numbers usually arrive as float64.
func metaFloat(m persistence.JSONMap, keys ...string) *float64 {
	for _, key := range keys {
		switch v := m[key].(type) {
		case float64:
			f := v
			return &f
		case int:
			f := float64(v)
			return &f
		}
	}
	return nil
}

func metaInt(m persistence.JSONMap, key string) *int {
	switch v := m[key].(type) {
	case float64:
		n := int(v)
		return &n
	case int:
		n := v
		return &n
	}
	return nil
}
