package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

type quoteMovesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewQuoteMovesRepo creates the PostgreSQL quote-move repository.
func NewQuoteMovesRepo(db *sqlx.DB, timeout time.Duration) persistence.QuoteMovesRepo {
	return &quoteMovesRepo{db: db, timeout: timeout}
}

func (r *quoteMovesRepo) InsertBatch(ctx context.Context, moves []persistence.QuoteMoveEvent) error {
	if len(moves) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin quote-move transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO quote_move_events
			(event_id, market_key, outcome_name, venue, venue_tier, old_line, new_line, delta, old_price, new_price, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return fmt.Errorf("failed to prepare quote-move insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range moves {
		if _, err := stmt.ExecContext(ctx,
			m.EventID, m.MarketKey, m.OutcomeName, m.Venue, m.VenueTier,
			m.OldLine, m.NewLine, m.Delta, m.OldPrice, m.NewPrice, m.Timestamp.UTC()); err != nil {
			return fmt.Errorf("failed to insert quote move: %w", err)
		}
	}
	return tx.Commit()
}

func (r *quoteMovesRepo) ListForEvent(ctx context.Context, eventID string, market domain.Market, since time.Time) ([]persistence.QuoteMoveEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	moves := []persistence.QuoteMoveEvent{}
	query := `
		SELECT id, event_id, market_key, outcome_name, venue, venue_tier,
		       old_line, new_line, delta, old_price, new_price, timestamp
		FROM quote_move_events
		WHERE event_id = $1 AND market_key = $2 AND timestamp >= $3
		ORDER BY timestamp ASC, venue ASC`

	if err := r.db.SelectContext(ctx, &moves, query, eventID, market, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list quote moves: %w", err)
	}
	return moves, nil
}

func (r *quoteMovesRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return deleteOlderThan(ctx, r.db, r.timeout, "quote_move_events", "timestamp", cutoff, batchSize)
}
