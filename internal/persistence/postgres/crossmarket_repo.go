package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

type crossMarketRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCrossMarketRepo creates the PostgreSQL cross-market repository.
func NewCrossMarketRepo(db *sqlx.DB, timeout time.Duration) persistence.CrossMarketRepo {
	return &crossMarketRepo{db: db, timeout: timeout}
}

func (r *crossMarketRepo) InsertLeadLag(ctx context.Context, ev persistence.CrossMarketLeadLagEvent) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO crossmarket_leadlag_events
			(canonical_event_key, threshold_type, sportsbook_threshold_value, exchange_probability_threshold,
			 lead_source, sportsbook_break_timestamp, exchange_break_timestamp, lag_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (canonical_event_key, sportsbook_threshold_value, exchange_probability_threshold) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		ev.CanonicalEventKey, ev.ThresholdType, ev.SportsbookThresholdValue, ev.ExchangeProbabilityThreshold,
		ev.LeadSource, ev.SportsbookBreakTimestamp.UTC(), ev.ExchangeBreakTimestamp.UTC(), ev.LagSeconds)
	if err != nil {
		return false, fmt.Errorf("failed to insert lead/lag event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lead/lag rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *crossMarketRepo) InsertDivergence(ctx context.Context, ev persistence.CrossMarketDivergenceEvent) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO crossmarket_divergence_events
			(canonical_event_key, divergence_type, lead_source, sportsbook_threshold_value,
			 exchange_probability_threshold, sportsbook_break_timestamp, exchange_break_timestamp,
			 lag_seconds, resolved, resolved_at, resolution_type, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		ev.CanonicalEventKey, ev.DivergenceType, ev.LeadSource, ev.SportsbookThresholdValue,
		ev.ExchangeProbabilityThreshold, utcPtr(ev.SportsbookBreakTimestamp), utcPtr(ev.ExchangeBreakTimestamp),
		ev.LagSeconds, ev.Resolved, utcPtr(ev.ResolvedAt), ev.ResolutionType, ev.IdempotencyKey)
	if err != nil {
		return false, fmt.Errorf("failed to insert divergence event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read divergence rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *crossMarketRepo) ResolveLeads(ctx context.Context, canonicalKey string, resolutionType string, at time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE crossmarket_divergence_events
		SET resolved = TRUE, resolved_at = $1, resolution_type = $2
		WHERE canonical_event_key = $3
		  AND resolved = FALSE
		  AND divergence_type IN ('EXCHANGE_LEADS', 'SPORTSBOOK_LEADS', 'OPPOSED')`

	res, err := r.db.ExecContext(ctx, query, at.UTC(), resolutionType, canonicalKey)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve lead divergences: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read resolve rows affected: %w", err)
	}
	return n, nil
}

const divergenceColumns = `
	id, canonical_event_key, divergence_type, lead_source, sportsbook_threshold_value,
	exchange_probability_threshold, sportsbook_break_timestamp, exchange_break_timestamp,
	lag_seconds, resolved, resolved_at, resolution_type, idempotency_key, created_at`

func (r *crossMarketRepo) ListUnresolvedDivergences(ctx context.Context, since time.Time, types []domain.DivergenceType) ([]persistence.CrossMarketDivergenceEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	typeStrs := make([]string, len(types))
	for i, t := range types {
		typeStrs[i] = string(t)
	}

	events := []persistence.CrossMarketDivergenceEvent{}
	query := `
		SELECT ` + divergenceColumns + `
		FROM crossmarket_divergence_events
		WHERE resolved = FALSE AND created_at >= $1 AND divergence_type = ANY($2)
		ORDER BY created_at DESC`

	if err := r.db.SelectContext(ctx, &events, query, since.UTC(), pq.Array(typeStrs)); err != nil {
		return nil, fmt.Errorf("failed to list unresolved divergences: %w", err)
	}
	return events, nil
}

func (r *crossMarketRepo) ListForKey(ctx context.Context, canonicalKey string, limit int) ([]persistence.CrossMarketDivergenceEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	events := []persistence.CrossMarketDivergenceEvent{}
	query := `
		SELECT ` + divergenceColumns + `
		FROM crossmarket_divergence_events
		WHERE canonical_event_key = $1
		ORDER BY created_at DESC
		LIMIT $2`

	if err := r.db.SelectContext(ctx, &events, query, canonicalKey, limit); err != nil {
		return nil, fmt.Errorf("failed to list divergences for key: %w", err)
	}
	return events, nil
}
