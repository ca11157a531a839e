package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stratumlabs/stratum/internal/persistence"
)

type kpiRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewKpiRepo creates the PostgreSQL cycle-KPI repository.
func NewKpiRepo(db *sqlx.DB, timeout time.Duration) persistence.KpiRepo {
	return &kpiRepo{db: db, timeout: timeout}
}

func (r *kpiRepo) Upsert(ctx context.Context, kpi persistence.CycleKpi) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO cycle_kpis
			(cycle_id, started_at, completed_at, duration_ms, requests_used_delta, events_processed,
			 snapshots_inserted, consensus_points_written, signals_created_total, signals_created_by_type,
			 alerts_sent, alerts_failed, degraded, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (cycle_id) DO UPDATE SET
			completed_at = EXCLUDED.completed_at,
			duration_ms = EXCLUDED.duration_ms,
			requests_used_delta = EXCLUDED.requests_used_delta,
			events_processed = EXCLUDED.events_processed,
			snapshots_inserted = EXCLUDED.snapshots_inserted,
			consensus_points_written = EXCLUDED.consensus_points_written,
			signals_created_total = EXCLUDED.signals_created_total,
			signals_created_by_type = EXCLUDED.signals_created_by_type,
			alerts_sent = EXCLUDED.alerts_sent,
			alerts_failed = EXCLUDED.alerts_failed,
			degraded = EXCLUDED.degraded,
			notes = EXCLUDED.notes`

	_, err := r.db.ExecContext(ctx, query,
		kpi.CycleID, kpi.StartedAt.UTC(), kpi.CompletedAt.UTC(), kpi.DurationMS,
		kpi.RequestsUsedDelta, kpi.EventsProcessed, kpi.SnapshotsInserted,
		kpi.ConsensusPointsWritten, kpi.SignalsCreatedTotal, kpi.SignalsCreatedByType,
		kpi.AlertsSent, kpi.AlertsFailed, kpi.Degraded, kpi.Notes)
	if err != nil {
		return fmt.Errorf("failed to upsert cycle kpi %s: %w", kpi.CycleID, err)
	}
	return nil
}

func (r *kpiRepo) ListRecent(ctx context.Context, limit int) ([]persistence.CycleKpi, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows := []persistence.CycleKpi{}
	query := `
		SELECT cycle_id, started_at, completed_at, duration_ms, requests_used_delta, events_processed,
		       snapshots_inserted, consensus_points_written, signals_created_total, signals_created_by_type,
		       alerts_sent, alerts_failed, degraded, notes
		FROM cycle_kpis
		ORDER BY started_at DESC
		LIMIT $1`

	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list recent kpis: %w", err)
	}
	return rows, nil
}

func (r *kpiRepo) Summary(ctx context.Context, since time.Time) (*persistence.KpiSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var s persistence.KpiSummary
	query := `
		SELECT COUNT(*) AS cycles,
		       COUNT(*) FILTER (WHERE degraded) AS degraded_cycles,
		       COALESCE(SUM(signals_created_total), 0) AS signals_created,
		       COALESCE(SUM(snapshots_inserted), 0) AS snapshots_inserted,
		       AVG(duration_ms) AS avg_duration_ms
		FROM cycle_kpis
		WHERE started_at >= $1`

	if err := r.db.GetContext(ctx, &s, query, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to aggregate kpi summary: %w", err)
	}
	return &s, nil
}

func (r *kpiRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return deleteOlderThan(ctx, r.db, r.timeout, "cycle_kpis", "started_at", cutoff, batchSize)
}
