// Package retention sweeps aged rows out of the hot tables. Sweeps run
// on their own cadence, independent of poll cycles, and delete in LIMIT
// batches so a backlog never holds a long transaction open.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/metrics"
	"github.com/stratumlabs/stratum/internal/persistence"
)

// Result maps table name to rows deleted in one sweep.
type Result map[string]int64

// Total sums deletions across tables.
func (r Result) Total() int64 {
	var n int64
	for _, v := range r {
		n += v
	}
	return n
}

// Sweeper applies per-table retention windows.
type Sweeper struct {
	store   *persistence.Store
	cfg     config.RetentionConfig
	clvDays int
	metrics *metrics.Registry
}

// New builds a sweeper. CLV rows keep their own retention window from
// the CLV config.
func New(store *persistence.Store, cfg config.RetentionConfig, clvDays int, m *metrics.Registry) *Sweeper {
	return &Sweeper{store: store, cfg: cfg, clvDays: clvDays, metrics: m}
}

// Run sweeps on the configured interval until ctx is cancelled. The
// first sweep fires immediately so restarts never stack up a backlog.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval()
	log.Info().Dur("interval", interval).Msg("retention sweeper started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retention sweeper stopped")
			return
		case <-timer.C:
			if _, err := s.SweepOnce(ctx, time.Now().UTC()); err != nil {
				log.Error().Err(err).Msg("retention sweep failed")
			}
			timer.Reset(interval)
		}
	}
}

// SweepOnce deletes rows older than each table's retention window and
// returns per-table counts. A failing table logs and moves on; the
// returned error is the last failure so the caller can flag the pass.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (Result, error) {
	batch := s.cfg.SweepBatchSize

	sweeps := []struct {
		table  string
		cutoff time.Time
		fn     func(context.Context, time.Time, int) (int64, error)
	}{
		{"odds_snapshots", now.Add(-time.Duration(s.cfg.SnapshotHours) * time.Hour), s.store.Snapshots.DeleteOlderThan},
		{"quote_move_events", now.Add(-time.Duration(s.cfg.SnapshotHours) * time.Hour), s.store.QuoteMoves.DeleteOlderThan},
		{"signals", daysAgo(now, s.cfg.SignalDays), s.store.Signals.DeleteOlderThan},
		{"market_consensus_snapshots", daysAgo(now, s.cfg.ConsensusDays), s.store.Consensus.DeleteOlderThan},
		{"clv_records", daysAgo(now, s.clvDays), s.store.Clv.DeleteOlderThan},
		{"closing_consensus", daysAgo(now, s.cfg.ClosingConsensusDays), s.store.Closing.DeleteOlderThan},
		{"cycle_kpis", daysAgo(now, s.cfg.KPIDays), s.store.Kpis.DeleteOlderThan},
	}

	res := make(Result, len(sweeps))
	var lastErr error
	for _, sw := range sweeps {
		deleted, err := sw.fn(ctx, sw.cutoff, batch)
		if err != nil {
			lastErr = err
			log.Error().Err(err).Str("table", sw.table).Msg("sweep table failed")
			continue
		}
		res[sw.table] = deleted
		if deleted > 0 {
			s.metrics.RowsSwept.WithLabelValues(sw.table).Add(float64(deleted))
			log.Info().
				Str("table", sw.table).
				Int64("deleted", deleted).
				Time("cutoff", sw.cutoff).
				Msg("retention sweep")
		}
	}
	return res, lastErr
}

func daysAgo(now time.Time, days int) time.Time {
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}
