package clv

import (
	"context"
	"errors"
	"time"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
	"github.com/stratumlabs/stratum/internal/providers/oddsapi"
)

var errBoom = errors.New("boom")

type stubGames struct {
	persistence.GamesRepo

	needingClose    []persistence.Game
	needingBackfill []persistence.Game
	err             error
}

func (s *stubGames) ListNeedingClose(_ context.Context, _, _ time.Time, _ int) ([]persistence.Game, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.needingClose, nil
}

func (s *stubGames) ListNeedingBackfill(_ context.Context, _, _ time.Time, _ int) ([]persistence.Game, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.needingBackfill, nil
}

type stubConsensus struct {
	persistence.ConsensusRepo

	// candidates keyed by eventID|market; ClosingCandidates reduces to the
	// latest row per outcome at or before the cutoff, like the SQL repo.
	candidates map[string][]persistence.MarketConsensusSnapshot
	failEvent  string
}

func (s *stubConsensus) ClosingCandidates(_ context.Context, eventID string, market domain.Market, cutoff time.Time) ([]persistence.MarketConsensusSnapshot, error) {
	if s.failEvent != "" && s.failEvent == eventID {
		return nil, errBoom
	}
	latest := make(map[string]persistence.MarketConsensusSnapshot)
	for _, row := range s.candidates[eventID+"|"+string(market)] {
		if row.FetchedAt.After(cutoff) {
			continue
		}
		if prev, ok := latest[row.OutcomeName]; !ok || row.FetchedAt.After(prev.FetchedAt) {
			latest[row.OutcomeName] = row
		}
	}
	out := make([]persistence.MarketConsensusSnapshot, 0, len(latest))
	for _, row := range latest {
		out = append(out, row)
	}
	return out, nil
}

type stubClosing struct {
	persistence.ClosingRepo

	rows map[string]persistence.ClosingConsensus // eventID|market|outcome
	err  error
}

func newStubClosing() *stubClosing {
	return &stubClosing{rows: make(map[string]persistence.ClosingConsensus)}
}

func closingKey(eventID string, market domain.Market, outcome string) string {
	return eventID + "|" + string(market) + "|" + outcome
}

func (s *stubClosing) Upsert(_ context.Context, c persistence.ClosingConsensus) error {
	if s.err != nil {
		return s.err
	}
	s.rows[closingKey(c.EventID, c.Market, c.OutcomeName)] = c
	return nil
}

func (s *stubClosing) Get(_ context.Context, eventID string, market domain.Market, outcome string) (*persistence.ClosingConsensus, error) {
	if s.err != nil {
		return nil, s.err
	}
	if row, ok := s.rows[closingKey(eventID, market, outcome)]; ok {
		return &row, nil
	}
	return nil, nil
}

type stubSignals struct {
	persistence.SignalsRepo

	awaiting []persistence.Signal
	err      error
}

func (s *stubSignals) ListAwaitingCLV(_ context.Context, _, _ time.Time, _ int) ([]persistence.Signal, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.awaiting, nil
}

type stubClv struct {
	persistence.ClvRepo

	inserted map[string]persistence.ClvRecord
	err      error
}

func newStubClv() *stubClv {
	return &stubClv{inserted: make(map[string]persistence.ClvRecord)}
}

func (s *stubClv) Insert(_ context.Context, rec persistence.ClvRecord) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if _, ok := s.inserted[rec.SignalID]; ok {
		return false, nil
	}
	s.inserted[rec.SignalID] = rec
	return true, nil
}

// fakeHistorical serves canned archive snapshots keyed by the requested
// instant and records the fetch order.
type fakeHistorical struct {
	snapshots map[time.Time]*oddsapi.HistoricalSnapshot
	errAt     map[time.Time]error
	fetched   []time.Time
}

func (f *fakeHistorical) FetchHistorical(_ context.Context, _ string, at time.Time) (*oddsapi.HistoricalSnapshot, error) {
	f.fetched = append(f.fetched, at)
	if err := f.errAt[at]; err != nil {
		return nil, err
	}
	return f.snapshots[at], nil
}

type clvFixture struct {
	svc     *Service
	games   *stubGames
	cons    *stubConsensus
	closing *stubClosing
	sigs    *stubSignals
	clv     *stubClv
	hist    *fakeHistorical
}

func newFixture(cfg config.CLVConfig) *clvFixture {
	f := &clvFixture{
		games:   &stubGames{},
		cons:    &stubConsensus{candidates: map[string][]persistence.MarketConsensusSnapshot{}},
		closing: newStubClosing(),
		sigs:    &stubSignals{},
		clv:     newStubClv(),
		hist:    &fakeHistorical{snapshots: map[time.Time]*oddsapi.HistoricalSnapshot{}},
	}
	store := &persistence.Store{
		Games:     f.games,
		Consensus: f.cons,
		Closing:   f.closing,
		Signals:   f.sigs,
		Clv:       f.clv,
	}
	f.svc = New(store, f.hist, cfg)
	return f
}

func baseCLVConfig() config.CLVConfig {
	return config.DefaultConfig().CLV
}

func floatPtr(v float64) *float64 { return &v }

func pricePtr(v int) *int { return &v }
