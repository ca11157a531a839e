package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stratumlabs/stratum/internal/persistence"
)

type exchangeQuotesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewExchangeQuotesRepo creates the PostgreSQL exchange-quote repository.
func NewExchangeQuotesRepo(db *sqlx.DB, timeout time.Duration) persistence.ExchangeQuotesRepo {
	return &exchangeQuotesRepo{db: db, timeout: timeout}
}

func (r *exchangeQuotesRepo) InsertBatch(ctx context.Context, quotes []persistence.ExchangeQuoteEvent) (int, error) {
	if len(quotes) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin exchange-quote transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO exchange_quote_events
			(canonical_event_key, source, market_id, outcome_name, probability, price, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source, market_id, outcome_name, timestamp) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare exchange-quote insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, q := range quotes {
		res, err := stmt.ExecContext(ctx,
			q.CanonicalEventKey, q.Source, q.MarketID, q.OutcomeName,
			q.Probability, q.Price, q.Timestamp.UTC())
		if err != nil {
			return 0, fmt.Errorf("failed to insert exchange quote: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read exchange-quote rows affected: %w", err)
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit exchange quotes: %w", err)
	}
	return inserted, nil
}

func (r *exchangeQuotesRepo) ListForKey(ctx context.Context, canonicalKey string, since time.Time) ([]persistence.ExchangeQuoteEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	quotes := []persistence.ExchangeQuoteEvent{}
	query := `
		SELECT id, canonical_event_key, source, market_id, outcome_name, probability, price, timestamp
		FROM exchange_quote_events
		WHERE canonical_event_key = $1 AND timestamp >= $2
		ORDER BY source ASC, market_id ASC, outcome_name ASC, timestamp ASC`

	if err := r.db.SelectContext(ctx, &quotes, query, canonicalKey, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list exchange quotes: %w", err)
	}
	return quotes, nil
}

func (r *exchangeQuotesRepo) HasFreshQuotes(ctx context.Context, canonicalKey string, since time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM exchange_quote_events
			WHERE canonical_event_key = $1 AND timestamp >= $2
		)`

	if err := r.db.GetContext(ctx, &exists, query, canonicalKey, since.UTC()); err != nil {
		return false, fmt.Errorf("failed to check fresh exchange quotes: %w", err)
	}
	return exists, nil
}
