package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

type consensusRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewConsensusRepo creates the PostgreSQL consensus repository.
func NewConsensusRepo(db *sqlx.DB, timeout time.Duration) persistence.ConsensusRepo {
	return &consensusRepo{db: db, timeout: timeout}
}

func (r *consensusRepo) WriteCycle(ctx context.Context, rows []persistence.MarketConsensusSnapshot) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin consensus transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO market_consensus_snapshots
			(event_id, market, outcome_name, consensus_line, consensus_price, dispersion, books_count, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return fmt.Errorf("failed to prepare consensus insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			row.EventID, row.Market, row.OutcomeName, row.ConsensusLine,
			row.ConsensusPrice, row.Dispersion, row.BooksCount, row.FetchedAt.UTC()); err != nil {
			return fmt.Errorf("failed to insert consensus row: %w", err)
		}
	}
	return tx.Commit()
}

const consensusColumns = `id, event_id, market, outcome_name, consensus_line, consensus_price, dispersion, books_count, fetched_at`

func (r *consensusRepo) LatestForEvent(ctx context.Context, eventID string, market domain.Market, since time.Time) ([]persistence.MarketConsensusSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows := []persistence.MarketConsensusSnapshot{}
	query := `
		SELECT DISTINCT ON (outcome_name) ` + consensusColumns + `
		FROM market_consensus_snapshots
		WHERE event_id = $1 AND market = $2 AND fetched_at >= $3
		ORDER BY outcome_name, fetched_at DESC`

	if err := r.db.SelectContext(ctx, &rows, query, eventID, market, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to query latest consensus: %w", err)
	}
	return rows, nil
}

func (r *consensusRepo) ClosingCandidates(ctx context.Context, eventID string, market domain.Market, cutoff time.Time) ([]persistence.MarketConsensusSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows := []persistence.MarketConsensusSnapshot{}
	query := `
		SELECT DISTINCT ON (outcome_name) ` + consensusColumns + `
		FROM market_consensus_snapshots
		WHERE event_id = $1 AND market = $2 AND fetched_at <= $3
		ORDER BY outcome_name, fetched_at DESC`

	if err := r.db.SelectContext(ctx, &rows, query, eventID, market, cutoff.UTC()); err != nil {
		return nil, fmt.Errorf("failed to query closing candidates: %w", err)
	}
	return rows, nil
}

func (r *consensusRepo) ListLatest(ctx context.Context, limit, offset int) ([]persistence.MarketConsensusSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows := []persistence.MarketConsensusSnapshot{}
	query := `
		SELECT ` + consensusColumns + `
		FROM market_consensus_snapshots
		ORDER BY fetched_at DESC, id DESC
		LIMIT $1 OFFSET $2`

	if err := r.db.SelectContext(ctx, &rows, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list latest consensus: %w", err)
	}
	return rows, nil
}

func (r *consensusRepo) ListForEvent(ctx context.Context, eventID string, market domain.Market, limit, offset int) ([]persistence.MarketConsensusSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows := []persistence.MarketConsensusSnapshot{}
	var err error
	if market != "" {
		query := `
			SELECT ` + consensusColumns + `
			FROM market_consensus_snapshots
			WHERE event_id = $1 AND market = $2
			ORDER BY fetched_at DESC, id DESC
			LIMIT $3 OFFSET $4`
		err = r.db.SelectContext(ctx, &rows, query, eventID, market, limit, offset)
	} else {
		query := `
			SELECT ` + consensusColumns + `
			FROM market_consensus_snapshots
			WHERE event_id = $1
			ORDER BY fetched_at DESC, id DESC
			LIMIT $2 OFFSET $3`
		err = r.db.SelectContext(ctx, &rows, query, eventID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list consensus for event: %w", err)
	}
	return rows, nil
}

func (r *consensusRepo) DistinctMarkets(ctx context.Context, eventID string) ([]domain.Market, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	markets := []domain.Market{}
	query := `SELECT DISTINCT market FROM market_consensus_snapshots WHERE event_id = $1`

	if err := r.db.SelectContext(ctx, &markets, query, eventID); err != nil {
		return nil, fmt.Errorf("failed to list distinct consensus markets: %w", err)
	}
	return markets, nil
}

func (r *consensusRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return deleteOlderThan(ctx, r.db, r.timeout, "market_consensus_snapshots", "fetched_at", cutoff, batchSize)
}
