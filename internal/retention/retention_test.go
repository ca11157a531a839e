package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/metrics"
	"github.com/stratumlabs/stratum/internal/persistence"
)

// sweepCall records one DeleteOlderThan invocation.
type sweepCall struct {
	cutoff time.Time
	batch  int
}

type sweepStub struct {
	mu      sync.Mutex
	deleted int64
	err     error
	calls   []sweepCall
}

func (s *sweepStub) DeleteOlderThan(_ context.Context, cutoff time.Time, batch int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sweepCall{cutoff: cutoff, batch: batch})
	if s.err != nil {
		return 0, s.err
	}
	return s.deleted, nil
}

func (s *sweepStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubSnapshots struct {
	persistence.SnapshotsRepo
	sweepStub
}

func (s *stubSnapshots) DeleteOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	return s.sweepStub.DeleteOlderThan(ctx, cutoff, batch)
}

type stubQuoteMoves struct {
	persistence.QuoteMovesRepo
	sweepStub
}

func (s *stubQuoteMoves) DeleteOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	return s.sweepStub.DeleteOlderThan(ctx, cutoff, batch)
}

type stubSignals struct {
	persistence.SignalsRepo
	sweepStub
}

func (s *stubSignals) DeleteOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	return s.sweepStub.DeleteOlderThan(ctx, cutoff, batch)
}

type stubConsensus struct {
	persistence.ConsensusRepo
	sweepStub
}

func (s *stubConsensus) DeleteOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	return s.sweepStub.DeleteOlderThan(ctx, cutoff, batch)
}

type stubClv struct {
	persistence.ClvRepo
	sweepStub
}

func (s *stubClv) DeleteOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	return s.sweepStub.DeleteOlderThan(ctx, cutoff, batch)
}

type stubClosing struct {
	persistence.ClosingRepo
	sweepStub
}

func (s *stubClosing) DeleteOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	return s.sweepStub.DeleteOlderThan(ctx, cutoff, batch)
}

type stubKpis struct {
	persistence.KpiRepo
	sweepStub
}

func (s *stubKpis) DeleteOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	return s.sweepStub.DeleteOlderThan(ctx, cutoff, batch)
}

type fixture struct {
	snapshots  *stubSnapshots
	quoteMoves *stubQuoteMoves
	signals    *stubSignals
	consensus  *stubConsensus
	clv        *stubClv
	closing    *stubClosing
	kpis       *stubKpis
	sweeper    *Sweeper
}

func testRetentionCfg() config.RetentionConfig {
	return config.RetentionConfig{
		SnapshotHours:        48,
		SignalDays:           30,
		ConsensusDays:        14,
		ClosingConsensusDays: 90,
		KPIDays:              30,
		SweepIntervalMinutes: 60,
		SweepBatchSize:       5000,
	}
}

func newFixture() *fixture {
	f := &fixture{
		snapshots:  &stubSnapshots{sweepStub: sweepStub{deleted: 120}},
		quoteMoves: &stubQuoteMoves{sweepStub: sweepStub{deleted: 40}},
		signals:    &stubSignals{sweepStub: sweepStub{deleted: 7}},
		consensus:  &stubConsensus{sweepStub: sweepStub{deleted: 33}},
		clv:        &stubClv{},
		closing:    &stubClosing{},
		kpis:       &stubKpis{sweepStub: sweepStub{deleted: 2}},
	}
	store := &persistence.Store{
		Snapshots:  f.snapshots,
		QuoteMoves: f.quoteMoves,
		Signals:    f.signals,
		Consensus:  f.consensus,
		Clv:        f.clv,
		Closing:    f.closing,
		Kpis:       f.kpis,
	}
	f.sweeper = New(store, testRetentionCfg(), 30, metrics.NewRegistry())
	return f
}

func TestSweepOnceAppliesWindows(t *testing.T) {
	f := newFixture()
	now := time.Date(2025, 11, 2, 12, 0, 0, 0, time.UTC)

	res, err := f.sweeper.SweepOnce(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, int64(120), res["odds_snapshots"])
	assert.Equal(t, int64(40), res["quote_move_events"])
	assert.Equal(t, int64(7), res["signals"])
	assert.Equal(t, int64(33), res["market_consensus_snapshots"])
	assert.Equal(t, int64(0), res["clv_records"])
	assert.Equal(t, int64(0), res["closing_consensus"])
	assert.Equal(t, int64(2), res["cycle_kpis"])
	assert.Equal(t, int64(202), res.Total())

	require.Len(t, f.snapshots.calls, 1)
	assert.Equal(t, now.Add(-48*time.Hour), f.snapshots.calls[0].cutoff)
	assert.Equal(t, 5000, f.snapshots.calls[0].batch)

	require.Len(t, f.signals.calls, 1)
	assert.Equal(t, now.Add(-30*24*time.Hour), f.signals.calls[0].cutoff)

	require.Len(t, f.consensus.calls, 1)
	assert.Equal(t, now.Add(-14*24*time.Hour), f.consensus.calls[0].cutoff)

	require.Len(t, f.clv.calls, 1)
	assert.Equal(t, now.Add(-30*24*time.Hour), f.clv.calls[0].cutoff)

	require.Len(t, f.closing.calls, 1)
	assert.Equal(t, now.Add(-90*24*time.Hour), f.closing.calls[0].cutoff)

	require.Len(t, f.kpis.calls, 1)
	assert.Equal(t, now.Add(-30*24*time.Hour), f.kpis.calls[0].cutoff)
}

func TestSweepContinuesPastFailure(t *testing.T) {
	f := newFixture()
	f.signals.err = errors.New("lock timeout")
	now := time.Date(2025, 11, 2, 12, 0, 0, 0, time.UTC)

	res, err := f.sweeper.SweepOnce(context.Background(), now)
	require.Error(t, err)

	// Tables after the failing one were still swept.
	assert.Equal(t, int64(33), res["market_consensus_snapshots"])
	assert.Equal(t, int64(2), res["cycle_kpis"])
	_, swept := res["signals"]
	assert.False(t, swept)
	require.Len(t, f.kpis.calls, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.sweeper.Run(ctx)
		close(done)
	}()

	// First sweep fires immediately.
	require.Eventually(t, func() bool { return f.snapshots.callCount() >= 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}
