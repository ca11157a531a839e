// Package engine drives the poll cycle: one timer loop that pulls odds,
// recomputes consensus, runs the detector suite, fans alerts out, and
// closes a KPI row per tick. Exactly one engine runs per deployment;
// everything it calls is idempotent so a crashed tick replays safely.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/stratumlabs/stratum/internal/alerts"
	"github.com/stratumlabs/stratum/internal/clv"
	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/consensus"
	"github.com/stratumlabs/stratum/internal/crossmarket"
	"github.com/stratumlabs/stratum/internal/ingest"
	"github.com/stratumlabs/stratum/internal/kv"
	"github.com/stratumlabs/stratum/internal/metrics"
	"github.com/stratumlabs/stratum/internal/persistence"
	"github.com/stratumlabs/stratum/internal/providers"
	"github.com/stratumlabs/stratum/internal/structural"
)

// upcomingHorizon bounds the idle check: a game commencing inside this
// window keeps the engine on the base poll interval.
const upcomingHorizon = 12 * time.Hour

// Ingestor pulls sportsbook odds for one cycle.
type Ingestor interface {
	IngestCycle(ctx context.Context) (ingest.IngestResult, error)
}

// ExchangeIngestor scans exchange markets for aligned events.
type ExchangeIngestor interface {
	IngestExchangeCycle(ctx context.Context, now time.Time) (ingest.ExchangeResult, error)
}

// ConsensusEngine recomputes consensus for touched events.
type ConsensusEngine interface {
	ComputeCycle(ctx context.Context, eventIDs []string, now time.Time) (consensus.Result, error)
}

// SignalDetector runs the sportsbook rule set and the exchange
// divergence rule.
type SignalDetector interface {
	DetectCycle(ctx context.Context, eventIDs []string, now time.Time) ([]persistence.Signal, error)
	DetectExchangeDivergence(ctx context.Context, now time.Time) ([]persistence.Signal, error)
}

// StructuralAnalyzer confirms structural breaks for one event.
type StructuralAnalyzer interface {
	AnalyzeEvent(ctx context.Context, eventID string, now time.Time) (structural.Result, error)
}

// Correlator measures sportsbook-vs-exchange lead/lag for one alignment.
type Correlator interface {
	CorrelateEvent(ctx context.Context, alignment persistence.CanonicalEventAlignment, now time.Time) (crossmarket.Result, error)
}

// AlertDispatcher fans signals out to subscribers without blocking the
// cycle.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, signals []persistence.Signal) error
	DispatchClv(ctx context.Context, records []persistence.ClvRecord) error
	Snapshot() alerts.Stats
}

// ClvService captures closings and measures closing line value.
type ClvService interface {
	ComputeClosings(ctx context.Context, now time.Time) (clv.ClosingResult, error)
	ComputeCLV(ctx context.Context, now time.Time) (clv.ClvResult, error)
}

// Deps bundles the per-step services the engine drives.
type Deps struct {
	Ingestor   Ingestor
	Exchange   ExchangeIngestor
	Consensus  ConsensusEngine
	Detector   SignalDetector
	Structural StructuralAnalyzer
	Correlator Correlator
	Dispatcher AlertDispatcher
	Clv        ClvService
}

// Engine is the cycle orchestrator.
type Engine struct {
	cfg     *config.Config
	store   *persistence.Store
	kv      *kv.Store
	breaker *Breaker
	metrics *metrics.Registry
	deps    Deps

	// lastBudgetUsed tracks the provider's cumulative used counter so
	// each KPI row carries the per-cycle credit delta. Negative means
	// no baseline yet.
	lastBudgetUsed float64
}

// New wires an engine. The breaker is owned here so the read API can
// report its state through Breaker().
func New(cfg *config.Config, store *persistence.Store, kvStore *kv.Store, deps Deps, m *metrics.Registry) *Engine {
	return &Engine{
		cfg:            cfg,
		store:          store,
		kv:             kvStore,
		breaker:        NewBreaker(kvStore, cfg.Engine, m),
		metrics:        m,
		deps:           deps,
		lastBudgetUsed: -1,
	}
}

// Breaker exposes the provider circuit for health reporting.
func (e *Engine) Breaker() *Breaker { return e.breaker }

// Run executes poll cycles until ctx is cancelled. The first tick fires
// immediately; each tick picks the next interval from game and credit
// pressure. Cancellation finishes the in-flight cycle before returning.
func (e *Engine) Run(ctx context.Context) {
	e.breaker.Restore(ctx, time.Now().UTC())

	log.Info().
		Dur("interval", e.cfg.Engine.PollInterval()).
		Dur("interval_idle", e.cfg.Engine.PollIntervalIdle()).
		Dur("interval_low_credit", e.cfg.Engine.PollIntervalLowCredit()).
		Msg("engine started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("engine stopped")
			return
		case <-timer.C:
			timer.Reset(e.tick(ctx))
		}
	}
}

// cycle accumulates one tick's counts and failures.
type cycle struct {
	id       string
	started  time.Time
	events   []string
	snaps    int
	moves    int
	conRows  int
	signals  []persistence.Signal
	degraded bool
	notes    []string
}

func (c *cycle) fail(step string, err error) {
	c.degraded = true
	c.notes = append(c.notes, fmt.Sprintf("%s: %v", step, err))
	log.Error().Err(err).Str("step", step).Str("cycle_id", c.id).Msg("cycle step failed")
}

// tick runs one full cycle and returns the next poll interval. It runs
// on a detached context so an in-flight cycle survives shutdown; every
// step failure degrades the cycle instead of aborting it.
func (e *Engine) tick(runCtx context.Context) time.Duration {
	ctx := context.WithoutCancel(runCtx)
	now := time.Now().UTC()

	if !e.breaker.Allow(now) {
		log.Warn().Str("state", e.breaker.State()).Msg("circuit open, skipping cycle")
		return e.nextInterval(ctx, now, providers.Budget{}, false)
	}

	c := &cycle{id: uuid.NewString(), started: now}
	statsBefore := e.deps.Dispatcher.Snapshot()

	budget, budgetKnown := e.stepIngest(ctx, c)
	touched := e.stepExchange(ctx, c, now)
	e.stepConsensus(ctx, c, now)
	e.stepDetect(ctx, c, now)
	e.stepStructural(ctx, c, now)
	e.stepCorrelate(ctx, c, touched, now)
	e.stepDivergence(ctx, c, now)
	e.stepDispatch(ctx, c)

	e.closeKpi(ctx, c, budget, budgetKnown, statsBefore)

	elapsed := time.Since(c.started)
	e.metrics.CycleDuration.Observe(elapsed.Seconds())
	if c.degraded {
		e.metrics.CyclesDegraded.Inc()
	}

	log.Info().
		Str("cycle_id", c.id).
		Dur("duration", elapsed).
		Int("events", len(c.events)).
		Int("snapshots", c.snaps).
		Int("signals", len(c.signals)).
		Bool("degraded", c.degraded).
		Msg("cycle complete")

	return e.nextInterval(ctx, now, budget, budgetKnown)
}

func (e *Engine) stepIngest(ctx context.Context, c *cycle) (providers.Budget, bool) {
	timer := e.metrics.StartStepTimer("ingest")

	var res ingest.IngestResult
	err := e.breaker.Execute(func() error {
		var ierr error
		res, ierr = e.deps.Ingestor.IngestCycle(ctx)
		return ierr
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		timer.Stop("skipped")
		c.fail("ingest", err)
	case err != nil:
		timer.Stop("error")
		c.fail("ingest", err)
	default:
		timer.Stop("ok")
	}

	c.events = res.EventIDs
	c.snaps = res.SnapshotsInserted
	c.moves = res.QuoteMoves
	if res.SnapshotsInserted > 0 {
		e.metrics.SnapshotsInserted.Add(float64(res.SnapshotsInserted))
	}
	if res.CreditsKnown {
		e.metrics.ProviderCredits.Set(res.Credits.Remaining)
	}
	return res.Credits, res.CreditsKnown
}

func (e *Engine) stepExchange(ctx context.Context, c *cycle, now time.Time) []string {
	timer := e.metrics.StartStepTimer("exchange")
	res, err := e.deps.Exchange.IngestExchangeCycle(ctx, now)
	if err != nil {
		timer.Stop("error")
		c.fail("exchange", err)
		return res.TouchedKeys
	}
	timer.Stop("ok")
	return res.TouchedKeys
}

func (e *Engine) stepConsensus(ctx context.Context, c *cycle, now time.Time) {
	if len(c.events) == 0 {
		return
	}
	timer := e.metrics.StartStepTimer("consensus")
	res, err := e.deps.Consensus.ComputeCycle(ctx, c.events, now)
	if err != nil {
		timer.Stop("error")
		c.fail("consensus", err)
		return
	}
	timer.Stop("ok")
	c.conRows = res.RowsWritten
	if res.RowsWritten > 0 {
		e.metrics.ConsensusRows.Add(float64(res.RowsWritten))
	}
}

func (e *Engine) stepDetect(ctx context.Context, c *cycle, now time.Time) {
	if len(c.events) == 0 {
		return
	}
	timer := e.metrics.StartStepTimer("detect")
	sigs, err := e.deps.Detector.DetectCycle(ctx, c.events, now)
	if err != nil {
		timer.Stop("error")
		c.fail("detect", err)
		return
	}
	timer.Stop("ok")
	c.signals = append(c.signals, sigs...)
}

// stepStructural analyzes every event touched this cycle. Per-event
// failures aggregate into one degraded note so a bad event cannot flood
// the KPI row.
func (e *Engine) stepStructural(ctx context.Context, c *cycle, now time.Time) {
	if len(c.events) == 0 {
		return
	}
	timer := e.metrics.StartStepTimer("structural")
	failed := 0
	var lastErr error
	for _, eventID := range c.events {
		if _, err := e.deps.Structural.AnalyzeEvent(ctx, eventID, now); err != nil {
			failed++
			lastErr = err
		}
	}
	if failed > 0 {
		timer.Stop("error")
		c.fail("structural", fmt.Errorf("%d of %d events failed, last: %w", failed, len(c.events), lastErr))
		return
	}
	timer.Stop("ok")
}

func (e *Engine) stepCorrelate(ctx context.Context, c *cycle, touched []string, now time.Time) {
	if len(touched) == 0 {
		return
	}
	timer := e.metrics.StartStepTimer("correlate")
	failed := 0
	var lastErr error
	for _, key := range touched {
		alignment, err := e.store.Alignments.Get(ctx, key)
		if err != nil {
			failed++
			lastErr = err
			continue
		}
		if alignment == nil {
			continue
		}
		if _, err := e.deps.Correlator.CorrelateEvent(ctx, *alignment, now); err != nil {
			failed++
			lastErr = err
		}
	}
	if failed > 0 {
		timer.Stop("error")
		c.fail("correlate", fmt.Errorf("%d of %d alignments failed, last: %w", failed, len(touched), lastErr))
		return
	}
	timer.Stop("ok")
}

func (e *Engine) stepDivergence(ctx context.Context, c *cycle, now time.Time) {
	timer := e.metrics.StartStepTimer("divergence")
	sigs, err := e.deps.Detector.DetectExchangeDivergence(ctx, now)
	if err != nil {
		timer.Stop("error")
		c.fail("divergence", err)
		return
	}
	timer.Stop("ok")
	c.signals = append(c.signals, sigs...)
}

func (e *Engine) stepDispatch(ctx context.Context, c *cycle) {
	if len(c.signals) == 0 {
		return
	}
	for _, sig := range c.signals {
		e.metrics.SignalsCreated.WithLabelValues(string(sig.SignalType)).Inc()
	}
	if err := e.deps.Dispatcher.Dispatch(ctx, c.signals); err != nil {
		c.fail("dispatch", err)
	}
	e.publishSignals(ctx, c.signals)
}

// publishSignals mirrors new signals onto the live channel. Best-effort:
// stream consumers tolerate gaps, so a failed publish only logs.
func (e *Engine) publishSignals(ctx context.Context, sigs []persistence.Signal) {
	for _, sig := range sigs {
		payload := map[string]any{
			"type":   "signal",
			"signal": sig,
		}
		if err := e.kv.Publish(ctx, e.cfg.Redis.SignalChan, payload); err != nil {
			log.Warn().Err(err).Str("signal_id", sig.ID).Msg("signal publish failed")
		}
	}
}

// closeKpi upserts the cycle's KPI row. Alert counts are whatever the
// dispatcher finished by close; the row is keyed by cycle_id so replays
// overwrite rather than duplicate.
func (e *Engine) closeKpi(ctx context.Context, c *cycle, budget providers.Budget, budgetKnown bool, statsBefore alerts.Stats) {
	statsAfter := e.deps.Dispatcher.Snapshot()
	completed := time.Now().UTC()

	byType := make(persistence.JSONMap, len(c.signals))
	for _, sig := range c.signals {
		key := string(sig.SignalType)
		if n, ok := byType[key].(int); ok {
			byType[key] = n + 1
		} else {
			byType[key] = 1
		}
	}

	kpi := persistence.CycleKpi{
		CycleID:                c.id,
		StartedAt:              c.started,
		CompletedAt:            completed,
		DurationMS:             completed.Sub(c.started).Milliseconds(),
		RequestsUsedDelta:      e.creditsDelta(budget, budgetKnown),
		EventsProcessed:        len(c.events),
		SnapshotsInserted:      c.snaps,
		ConsensusPointsWritten: c.conRows,
		SignalsCreatedTotal:    len(c.signals),
		SignalsCreatedByType:   byType,
		AlertsSent:             int(statsAfter.Sent - statsBefore.Sent),
		AlertsFailed:           int(statsAfter.Failed - statsBefore.Failed),
		Degraded:               c.degraded,
		Notes:                  strings.Join(c.notes, "; "),
	}
	if err := e.store.Kpis.Upsert(ctx, kpi); err != nil {
		log.Error().Err(err).Str("cycle_id", c.id).Msg("kpi upsert failed")
	}
}

// creditsDelta converts the provider's cumulative used counter into a
// per-cycle delta, falling back to the last call cost when the counter
// has no baseline or reset.
func (e *Engine) creditsDelta(budget providers.Budget, known bool) int {
	if !known {
		return 0
	}
	prev := e.lastBudgetUsed
	e.lastBudgetUsed = budget.Used

	if prev < 0 || budget.Used < prev {
		return int(budget.LastCost)
	}
	return int(budget.Used - prev)
}

// nextInterval stretches polling under credit or schedule pressure. Low
// credit wins over idle because it is the longer stretch.
func (e *Engine) nextInterval(ctx context.Context, now time.Time, budget providers.Budget, budgetKnown bool) time.Duration {
	if budgetKnown && budget.Remaining < float64(e.cfg.Engine.LowCreditThreshold) {
		log.Warn().
			Float64("remaining", budget.Remaining).
			Int("threshold", e.cfg.Engine.LowCreditThreshold).
			Msg("provider credits low, stretching poll interval")
		return e.cfg.Engine.PollIntervalLowCredit()
	}

	upcoming, err := e.store.Games.CountUpcoming(ctx, now, upcomingHorizon)
	if err != nil {
		log.Warn().Err(err).Msg("upcoming count failed, keeping base interval")
		return e.cfg.Engine.PollInterval()
	}
	if upcoming == 0 {
		return e.cfg.Engine.PollIntervalIdle()
	}
	return e.cfg.Engine.PollInterval()
}
