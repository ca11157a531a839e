package signals

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/kv"
	"github.com/stratumlabs/stratum/internal/persistence"
)

type stubGames struct {
	persistence.GamesRepo

	games map[string]persistence.Game
	err   error
}

func (s *stubGames) GetBatch(_ context.Context, ids []string) (map[string]persistence.Game, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]persistence.Game)
	for _, id := range ids {
		if g, ok := s.games[id]; ok {
			out[id] = g
		}
	}
	return out, nil
}

type stubSnapshots struct {
	persistence.SnapshotsRepo

	windows map[string][]persistence.OddsSnapshot
	latest  map[string][]persistence.OddsSnapshot
}

func (s *stubSnapshots) ListWindow(_ context.Context, eventID string, market domain.Market, since time.Time) ([]persistence.OddsSnapshot, error) {
	var out []persistence.OddsSnapshot
	for _, snap := range s.windows[eventID+"|"+string(market)] {
		if !snap.FetchedAt.Before(since) {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (s *stubSnapshots) LatestPerBook(_ context.Context, eventID string, market domain.Market, _ time.Time) ([]persistence.OddsSnapshot, error) {
	return s.latest[eventID+"|"+string(market)], nil
}

type stubConsensus struct {
	persistence.ConsensusRepo

	latest map[string][]persistence.MarketConsensusSnapshot
}

func (s *stubConsensus) LatestForEvent(_ context.Context, eventID string, market domain.Market, _ time.Time) ([]persistence.MarketConsensusSnapshot, error) {
	return s.latest[eventID+"|"+string(market)], nil
}

type stubSignals struct {
	persistence.SignalsRepo

	inserted []persistence.Signal
	err      error
}

func (s *stubSignals) Insert(_ context.Context, sig persistence.Signal) error {
	if s.err != nil {
		return s.err
	}
	s.inserted = append(s.inserted, sig)
	return nil
}

type stubCrossMarket struct {
	persistence.CrossMarketRepo

	unresolved []persistence.CrossMarketDivergenceEvent
	calls      int
	err        error
}

func (s *stubCrossMarket) ListUnresolvedDivergences(_ context.Context, _ time.Time, _ []domain.DivergenceType) ([]persistence.CrossMarketDivergenceEvent, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.unresolved, nil
}

type stubAlignments struct {
	persistence.AlignmentsRepo

	byKey map[string]*persistence.CanonicalEventAlignment
}

func (s *stubAlignments) Get(_ context.Context, canonicalKey string) (*persistence.CanonicalEventAlignment, error) {
	return s.byKey[canonicalKey], nil
}

type detectorFixture struct {
	detector *Detector
	games    *stubGames
	snaps    *stubSnapshots
	cons     *stubConsensus
	sigs     *stubSignals
	cross    *stubCrossMarket
	aligns   *stubAlignments
	mock     redismock.ClientMock
}

func newFixture(t *testing.T, cfg config.SignalsConfig) *detectorFixture {
	t.Helper()
	db, mock := redismock.NewClientMock()
	t.Cleanup(func() { _ = db.Close() })

	f := &detectorFixture{
		games:  &stubGames{games: map[string]persistence.Game{}},
		snaps:  &stubSnapshots{windows: map[string][]persistence.OddsSnapshot{}, latest: map[string][]persistence.OddsSnapshot{}},
		cons:   &stubConsensus{latest: map[string][]persistence.MarketConsensusSnapshot{}},
		sigs:   &stubSignals{},
		cross:  &stubCrossMarket{},
		aligns: &stubAlignments{byKey: map[string]*persistence.CanonicalEventAlignment{}},
		mock:   mock,
	}
	store := &persistence.Store{
		Games:       f.games,
		Snapshots:   f.snaps,
		Consensus:   f.cons,
		Signals:     f.sigs,
		CrossMarket: f.cross,
		Alignments:  f.aligns,
	}
	f.detector = New(store, kv.NewWithClient(db, "stratum", time.Second), cfg)
	return f
}

func baseSignalsConfig() config.SignalsConfig {
	return config.DefaultConfig().Signals
}

func snap(eventID, book string, market domain.Market, outcome string, line *float64, price int, at time.Time) persistence.OddsSnapshot {
	return persistence.OddsSnapshot{
		EventID:       eventID,
		SportKey:      "basketball_nba",
		SportsbookKey: book,
		Market:        market,
		OutcomeName:   outcome,
		Line:          line,
		Price:         price,
		FetchedAt:     at,
	}
}

func linePtr(v float64) *float64 { return &v }
