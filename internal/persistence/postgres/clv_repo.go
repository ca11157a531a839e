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

type clvRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewClvRepo creates the PostgreSQL CLV repository.
func NewClvRepo(db *sqlx.DB, timeout time.Duration) persistence.ClvRepo {
	return &clvRepo{db: db, timeout: timeout}
}

func (r *clvRepo) Insert(ctx context.Context, rec persistence.ClvRecord) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO clv_records
			(signal_id, event_id, signal_type, market, outcome_name, entry_line, entry_price,
			 close_line, close_price, clv_line, clv_prob, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (signal_id) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		rec.SignalID, rec.EventID, rec.SignalType, rec.Market, rec.OutcomeName,
		rec.EntryLine, rec.EntryPrice, rec.CloseLine, rec.ClosePrice,
		rec.ClvLine, rec.ClvProb, rec.ComputedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert clv record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read clv rows affected: %w", err)
	}
	return n > 0, nil
}

const clvColumns = `
	signal_id, event_id, signal_type, market, outcome_name, entry_line, entry_price,
	close_line, close_price, clv_line, clv_prob, computed_at`

func (r *clvRepo) Get(ctx context.Context, signalID string) (*persistence.ClvRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rec persistence.ClvRecord
	query := `SELECT ` + clvColumns + ` FROM clv_records WHERE signal_id = $1`

	if err := r.db.GetContext(ctx, &rec, query, signalID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get clv record %s: %w", signalID, err)
	}
	return &rec, nil
}

func (r *clvRepo) List(ctx context.Context, since time.Time, signalType domain.SignalType, limit, offset int) ([]persistence.ClvRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	recs := []persistence.ClvRecord{}
	var err error
	if signalType != "" {
		query := `
			SELECT ` + clvColumns + `
			FROM clv_records
			WHERE computed_at >= $1 AND signal_type = $2
			ORDER BY computed_at DESC, signal_id DESC
			LIMIT $3 OFFSET $4`
		err = r.db.SelectContext(ctx, &recs, query, since.UTC(), signalType, limit, offset)
	} else {
		query := `
			SELECT ` + clvColumns + `
			FROM clv_records
			WHERE computed_at >= $1
			ORDER BY computed_at DESC, signal_id DESC
			LIMIT $2 OFFSET $3`
		err = r.db.SelectContext(ctx, &recs, query, since.UTC(), limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list clv records: %w", err)
	}
	return recs, nil
}

func (r *clvRepo) Summary(ctx context.Context, since time.Time) (*persistence.ClvSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var s persistence.ClvSummary
	query := `
		SELECT COUNT(*) AS records,
		       AVG(clv_line) AS avg_clv_line,
		       AVG(clv_prob) AS avg_clv_prob,
		       COUNT(*) FILTER (WHERE clv_line > 0) AS positive_line,
		       COUNT(*) FILTER (WHERE clv_prob > 0) AS positive_prob,
		       COUNT(clv_line) AS measured_line,
		       COUNT(clv_prob) AS measured_prob,
		       COUNT(DISTINCT event_id) AS distinct_games
		FROM clv_records
		WHERE computed_at >= $1`

	if err := r.db.GetContext(ctx, &s, query, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to aggregate clv summary: %w", err)
	}
	return &s, nil
}

func (r *clvRepo) Scorecards(ctx context.Context, since time.Time) ([]persistence.ClvScorecard, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows := []persistence.ClvScorecard{}
	query := `
		SELECT signal_type,
		       COUNT(*) AS records,
		       AVG(clv_line) AS avg_clv_line,
		       AVG(clv_prob) AS avg_clv_prob,
		       COUNT(*) FILTER (WHERE clv_prob > 0) AS positive_prob,
		       COUNT(clv_prob) AS measured_prob
		FROM clv_records
		WHERE computed_at >= $1
		GROUP BY signal_type
		ORDER BY records DESC`

	if err := r.db.SelectContext(ctx, &rows, query, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to aggregate clv scorecards: %w", err)
	}
	return rows, nil
}

func (r *clvRepo) DailyRecap(ctx context.Context, since time.Time) ([]persistence.ClvDailyRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows := []persistence.ClvDailyRow{}
	query := `
		SELECT date_trunc('day', computed_at) AS day,
		       COUNT(*) AS records,
		       AVG(clv_prob) AS avg_clv_prob
		FROM clv_records
		WHERE computed_at >= $1
		GROUP BY day
		ORDER BY day DESC`

	if err := r.db.SelectContext(ctx, &rows, query, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to aggregate clv recap: %w", err)
	}
	return rows, nil
}

func (r *clvRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return deleteOlderThan(ctx, r.db, r.timeout, "clv_records", "computed_at", cutoff, batchSize)
}
