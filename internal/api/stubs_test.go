package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/kv"
	"github.com/stratumlabs/stratum/internal/metrics"
	"github.com/stratumlabs/stratum/internal/persistence"
	"github.com/stratumlabs/stratum/internal/providers/sportsdataio"
)

type stubSignals struct {
	persistence.SignalsRepo
	byID       map[string]persistence.Signal
	list       []persistence.Signal
	lastFilter persistence.SignalFilter
	quality    []persistence.SignalQualityRow
	weekly     []persistence.SignalDailyRow
	err        error
}

func (s *stubSignals) Get(ctx context.Context, id string) (*persistence.Signal, error) {
	if s.err != nil {
		return nil, s.err
	}
	if sig, ok := s.byID[id]; ok {
		return &sig, nil
	}
	return nil, nil
}

func (s *stubSignals) GetBatch(ctx context.Context, ids []string) ([]persistence.Signal, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]persistence.Signal, 0, len(ids))
	for _, id := range ids {
		if sig, ok := s.byID[id]; ok {
			out = append(out, sig)
		}
	}
	return out, nil
}

func (s *stubSignals) List(ctx context.Context, f persistence.SignalFilter) ([]persistence.Signal, error) {
	s.lastFilter = f
	if s.err != nil {
		return nil, s.err
	}
	return s.list, nil
}

func (s *stubSignals) QualityStats(ctx context.Context, since time.Time) ([]persistence.SignalQualityRow, error) {
	return s.quality, s.err
}

func (s *stubSignals) WeeklySummary(ctx context.Context, since time.Time) ([]persistence.SignalDailyRow, error) {
	return s.weekly, s.err
}

type stubClv struct {
	persistence.ClvRepo
	byID       map[string]persistence.ClvRecord
	list       []persistence.ClvRecord
	summary    *persistence.ClvSummary
	scorecards []persistence.ClvScorecard
	recap      []persistence.ClvDailyRow
	err        error
}

func (s *stubClv) Get(ctx context.Context, signalID string) (*persistence.ClvRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	if rec, ok := s.byID[signalID]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (s *stubClv) List(ctx context.Context, since time.Time, signalType domain.SignalType, limit, offset int) ([]persistence.ClvRecord, error) {
	return s.list, s.err
}

func (s *stubClv) Summary(ctx context.Context, since time.Time) (*persistence.ClvSummary, error) {
	return s.summary, s.err
}

func (s *stubClv) Scorecards(ctx context.Context, since time.Time) ([]persistence.ClvScorecard, error) {
	return s.scorecards, s.err
}

func (s *stubClv) DailyRecap(ctx context.Context, since time.Time) ([]persistence.ClvDailyRow, error) {
	return s.recap, s.err
}

type stubConsensusRepo struct {
	persistence.ConsensusRepo
	latest   []persistence.MarketConsensusSnapshot
	forEvent []persistence.MarketConsensusSnapshot
	err      error
}

func (s *stubConsensusRepo) ListLatest(ctx context.Context, limit, offset int) ([]persistence.MarketConsensusSnapshot, error) {
	return s.latest, s.err
}

func (s *stubConsensusRepo) ListForEvent(ctx context.Context, eventID string, market domain.Market, limit, offset int) ([]persistence.MarketConsensusSnapshot, error) {
	return s.forEvent, s.err
}

func (s *stubConsensusRepo) LatestForEvent(ctx context.Context, eventID string, market domain.Market, since time.Time) ([]persistence.MarketConsensusSnapshot, error) {
	return s.latest, s.err
}

type stubGamesRepo struct {
	persistence.GamesRepo
	byID map[string]persistence.Game
	err  error
}

func (s *stubGamesRepo) Get(ctx context.Context, eventID string) (*persistence.Game, error) {
	if s.err != nil {
		return nil, s.err
	}
	if g, ok := s.byID[eventID]; ok {
		return &g, nil
	}
	return nil, nil
}

func (s *stubGamesRepo) GetBatch(ctx context.Context, eventIDs []string) (map[string]persistence.Game, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]persistence.Game, len(eventIDs))
	for _, id := range eventIDs {
		if g, ok := s.byID[id]; ok {
			out[id] = g
		}
	}
	return out, nil
}

type stubSnapshotsRepo struct {
	persistence.SnapshotsRepo
	latest []persistence.OddsSnapshot
	err    error
}

func (s *stubSnapshotsRepo) LatestPerBook(ctx context.Context, eventID string, market domain.Market, since time.Time) ([]persistence.OddsSnapshot, error) {
	return s.latest, s.err
}

type stubKpisRepo struct {
	persistence.KpiRepo
	summary *persistence.KpiSummary
	err     error
}

func (s *stubKpisRepo) Summary(ctx context.Context, since time.Time) (*persistence.KpiSummary, error) {
	return s.summary, s.err
}

type stubAnalyticsRepo struct {
	persistence.AnalyticsRepo
	events []persistence.TeaserEvent
	err    error
}

func (s *stubAnalyticsRepo) InsertTeaserEvent(ctx context.Context, ev persistence.TeaserEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

type stubHealthChecker struct {
	health persistence.Health
}

func (s *stubHealthChecker) Health(ctx context.Context) persistence.Health { return s.health }
func (s *stubHealthChecker) Ping(ctx context.Context) error               { return nil }

type stubBreakerStatus struct{ state string }

func (s *stubBreakerStatus) State() string { return s.state }

type stubInjuryFeed struct {
	injuries []sportsdataio.Injury
	err      error
	calls    int
}

func (s *stubInjuryFeed) FetchInjuries(ctx context.Context, sportKey string) ([]sportsdataio.Injury, error) {
	s.calls++
	return s.injuries, s.err
}

// apiFixture wires a full server over stub repos and a mocked redis so
// tests exercise routing and middleware, not just handler bodies.
type apiFixture struct {
	server    *Server
	cfg       *config.Config
	signals   *stubSignals
	clv       *stubClv
	consensus *stubConsensusRepo
	games     *stubGamesRepo
	snaps     *stubSnapshotsRepo
	kpis      *stubKpisRepo
	analytics *stubAnalyticsRepo
	injuries  *stubInjuryFeed
	breaker   *stubBreakerStatus
	db        *stubHealthChecker
	mock      redismock.ClientMock
}

func newAPIFixture(t *testing.T, mutate ...func(*config.Config)) *apiFixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.API.ProAPIKeys = []string{"pro-key"}
	for _, m := range mutate {
		m(cfg)
	}

	client, mock := redismock.NewClientMock()
	kvs := kv.NewWithClient(client, "stratum", time.Second)

	f := &apiFixture{
		cfg:       cfg,
		signals:   &stubSignals{byID: map[string]persistence.Signal{}},
		clv:       &stubClv{byID: map[string]persistence.ClvRecord{}},
		consensus: &stubConsensusRepo{},
		games:     &stubGamesRepo{byID: map[string]persistence.Game{}},
		snaps:     &stubSnapshotsRepo{},
		kpis:      &stubKpisRepo{},
		analytics: &stubAnalyticsRepo{},
		injuries:  &stubInjuryFeed{},
		breaker:   &stubBreakerStatus{state: "closed"},
		db:        &stubHealthChecker{health: persistence.Health{Healthy: true}},
		mock:      mock,
	}

	store := &persistence.Store{
		Games:     f.games,
		Snapshots: f.snaps,
		Consensus: f.consensus,
		Signals:   f.signals,
		Clv:       f.clv,
		Kpis:      f.kpis,
		Analytics: f.analytics,
	}

	f.server = NewServer(cfg, Deps{
		Store:    store,
		KV:       kvs,
		DB:       f.db,
		Breaker:  f.breaker,
		Injuries: f.injuries,
		Metrics:  metrics.NewRegistry(),
	})
	return f
}

// get runs a GET through the full router. Extra headers come in pairs.
func (f *apiFixture) get(path string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) post(path, body string, headers ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(http.MethodPost, path, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	return rec
}
