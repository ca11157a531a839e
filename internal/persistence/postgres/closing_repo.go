package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

type closingRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewClosingRepo creates the PostgreSQL closing-consensus repository.
func NewClosingRepo(db *sqlx.DB, timeout time.Duration) persistence.ClosingRepo {
	return &closingRepo{db: db, timeout: timeout}
}

func (r *closingRepo) Upsert(ctx context.Context, c persistence.ClosingConsensus) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO closing_consensus
			(event_id, market, outcome_name, close_line, close_price, close_fetched_at, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id, market, outcome_name) DO UPDATE SET
			close_line = EXCLUDED.close_line,
			close_price = EXCLUDED.close_price,
			close_fetched_at = EXCLUDED.close_fetched_at,
			computed_at = EXCLUDED.computed_at`

	_, err := r.db.ExecContext(ctx, query,
		c.EventID, c.Market, c.OutcomeName, c.CloseLine, c.ClosePrice,
		c.CloseFetchedAt.UTC(), c.ComputedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert closing consensus: %w", err)
	}
	return nil
}

const closingColumns = `id, event_id, market, outcome_name, close_line, close_price, close_fetched_at, computed_at`

func (r *closingRepo) Get(ctx context.Context, eventID string, market domain.Market, outcomeName string) (*persistence.ClosingConsensus, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var c persistence.ClosingConsensus
	query := `
		SELECT ` + closingColumns + `
		FROM closing_consensus
		WHERE event_id = $1 AND market = $2 AND outcome_name = $3`

	if err := r.db.GetContext(ctx, &c, query, eventID, market, outcomeName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get closing consensus: %w", err)
	}
	return &c, nil
}

func (r *closingRepo) ListForEvent(ctx context.Context, eventID string) ([]persistence.ClosingConsensus, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows := []persistence.ClosingConsensus{}
	query := `
		SELECT ` + closingColumns + `
		FROM closing_consensus
		WHERE event_id = $1
		ORDER BY market ASC, outcome_name ASC`

	if err := r.db.SelectContext(ctx, &rows, query, eventID); err != nil {
		return nil, fmt.Errorf("failed to list closing consensus: %w", err)
	}
	return rows, nil
}

func (r *closingRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return deleteOlderThan(ctx, r.db, r.timeout, "closing_consensus", "computed_at", cutoff, batchSize)
}
