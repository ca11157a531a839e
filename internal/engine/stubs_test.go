package engine

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redismock/v9"

	"github.com/stratumlabs/stratum/internal/alerts"
	"github.com/stratumlabs/stratum/internal/clv"
	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/consensus"
	"github.com/stratumlabs/stratum/internal/crossmarket"
	"github.com/stratumlabs/stratum/internal/ingest"
	"github.com/stratumlabs/stratum/internal/kv"
	"github.com/stratumlabs/stratum/internal/metrics"
	"github.com/stratumlabs/stratum/internal/persistence"
	"github.com/stratumlabs/stratum/internal/structural"
)

type stubIngestor struct {
	mu    sync.Mutex
	res   ingest.IngestResult
	err   error
	calls int
}

func (s *stubIngestor) IngestCycle(context.Context) (ingest.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return ingest.IngestResult{}, s.err
	}
	return s.res, nil
}

func (s *stubIngestor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubExchange struct {
	res ingest.ExchangeResult
	err error
}

func (s *stubExchange) IngestExchangeCycle(context.Context, time.Time) (ingest.ExchangeResult, error) {
	return s.res, s.err
}

type stubConsensus struct {
	res    consensus.Result
	err    error
	events [][]string
}

func (s *stubConsensus) ComputeCycle(_ context.Context, eventIDs []string, _ time.Time) (consensus.Result, error) {
	s.events = append(s.events, eventIDs)
	return s.res, s.err
}

type stubDetector struct {
	cycleSigs []persistence.Signal
	divSigs   []persistence.Signal
	cycleErr  error
	divErr    error
	events    [][]string
	divCalls  int
}

func (s *stubDetector) DetectCycle(_ context.Context, eventIDs []string, _ time.Time) ([]persistence.Signal, error) {
	s.events = append(s.events, eventIDs)
	return s.cycleSigs, s.cycleErr
}

func (s *stubDetector) DetectExchangeDivergence(context.Context, time.Time) ([]persistence.Signal, error) {
	s.divCalls++
	return s.divSigs, s.divErr
}

type stubStructural struct {
	analyzed []string
	err      error
}

func (s *stubStructural) AnalyzeEvent(_ context.Context, eventID string, _ time.Time) (structural.Result, error) {
	s.analyzed = append(s.analyzed, eventID)
	return structural.Result{}, s.err
}

type stubCorrelator struct {
	aligned []persistence.CanonicalEventAlignment
	err     error
}

func (s *stubCorrelator) CorrelateEvent(_ context.Context, a persistence.CanonicalEventAlignment, _ time.Time) (crossmarket.Result, error) {
	s.aligned = append(s.aligned, a)
	return crossmarket.Result{}, s.err
}

// stubDispatcher counts every dispatched signal as instantly sent so KPI
// delta assertions have deterministic numbers.
type stubDispatcher struct {
	dispatched [][]persistence.Signal
	clvBatches [][]persistence.ClvRecord
	stats      alerts.Stats
	err        error
}

func (s *stubDispatcher) Dispatch(_ context.Context, sigs []persistence.Signal) error {
	s.dispatched = append(s.dispatched, sigs)
	if s.err != nil {
		return s.err
	}
	s.stats.Sent += int64(len(sigs))
	return nil
}

func (s *stubDispatcher) DispatchClv(_ context.Context, recs []persistence.ClvRecord) error {
	s.clvBatches = append(s.clvBatches, recs)
	return s.err
}

func (s *stubDispatcher) Snapshot() alerts.Stats { return s.stats }

type stubClvService struct {
	closings  clv.ClosingResult
	result    clv.ClvResult
	closeErr  error
	computErr error
}

func (s *stubClvService) ComputeClosings(context.Context, time.Time) (clv.ClosingResult, error) {
	return s.closings, s.closeErr
}

func (s *stubClvService) ComputeCLV(context.Context, time.Time) (clv.ClvResult, error) {
	return s.result, s.computErr
}

type stubGames struct {
	persistence.GamesRepo
	upcoming int
	err      error
}

func (s *stubGames) CountUpcoming(context.Context, time.Time, time.Duration) (int, error) {
	return s.upcoming, s.err
}

type stubAligns struct {
	persistence.AlignmentsRepo
	byKey map[string]persistence.CanonicalEventAlignment
}

func (s *stubAligns) Get(_ context.Context, key string) (*persistence.CanonicalEventAlignment, error) {
	if a, ok := s.byKey[key]; ok {
		return &a, nil
	}
	return nil, nil
}

type stubKpis struct {
	persistence.KpiRepo
	rows []persistence.CycleKpi
	err  error
}

func (s *stubKpis) Upsert(_ context.Context, k persistence.CycleKpi) error {
	if s.err != nil {
		return s.err
	}
	s.rows = append(s.rows, k)
	return nil
}

type fixture struct {
	engine     *Engine
	cfg        *config.Config
	ingestor   *stubIngestor
	exchange   *stubExchange
	consensus  *stubConsensus
	detector   *stubDetector
	structural *stubStructural
	correlator *stubCorrelator
	dispatcher *stubDispatcher
	clv        *stubClvService
	games      *stubGames
	aligns     *stubAligns
	kpis       *stubKpis
	mock       redismock.ClientMock
}

// newFixture wires an engine over stubs. Mutators adjust config before
// construction so breaker thresholds take effect.
func newFixture(mutate ...func(*config.Config)) *fixture {
	cfg := config.DefaultConfig()
	for _, m := range mutate {
		m(cfg)
	}

	f := &fixture{
		cfg:        cfg,
		ingestor:   &stubIngestor{},
		exchange:   &stubExchange{},
		consensus:  &stubConsensus{},
		detector:   &stubDetector{},
		structural: &stubStructural{},
		correlator: &stubCorrelator{},
		dispatcher: &stubDispatcher{},
		clv:        &stubClvService{},
		games:      &stubGames{upcoming: 4},
		aligns:     &stubAligns{byKey: map[string]persistence.CanonicalEventAlignment{}},
		kpis:       &stubKpis{},
	}

	store := &persistence.Store{
		Games:      f.games,
		Alignments: f.aligns,
		Kpis:       f.kpis,
	}

	client, mock := redismock.NewClientMock()
	f.mock = mock
	kvs := kv.NewWithClient(client, "stratum", time.Second)

	f.engine = New(f.cfg, store, kvs, Deps{
		Ingestor:   f.ingestor,
		Exchange:   f.exchange,
		Consensus:  f.consensus,
		Detector:   f.detector,
		Structural: f.structural,
		Correlator: f.correlator,
		Dispatcher: f.dispatcher,
		Clv:        f.clv,
	}, metrics.NewRegistry())
	return f
}
