package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

type signalsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSignalsRepo creates the PostgreSQL signals repository.
func NewSignalsRepo(db *sqlx.DB, timeout time.Duration) persistence.SignalsRepo {
	return &signalsRepo{db: db, timeout: timeout}
}

const signalColumns = `
	id, event_id, market, signal_type, direction, from_value, to_value, from_price, to_price,
	window_minutes, books_affected, velocity_minutes, time_bucket, strength_score, created_at, metadata`

func (r *signalsRepo) Insert(ctx context.Context, sig persistence.Signal) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO signals
			(id, event_id, market, signal_type, direction, from_value, to_value, from_price, to_price,
			 window_minutes, books_affected, velocity_minutes, time_bucket, strength_score, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := r.db.ExecContext(ctx, query,
		sig.ID, sig.EventID, sig.Market, sig.SignalType, sig.Direction,
		sig.FromValue, sig.ToValue, sig.FromPrice, sig.ToPrice,
		sig.WindowMinutes, sig.BooksAffected, sig.VelocityMinutes,
		sig.TimeBucket, sig.StrengthScore, sig.CreatedAt.UTC(), sig.Metadata)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate signal %s: %w", sig.ID, err)
		}
		return fmt.Errorf("failed to insert signal: %w", err)
	}
	return nil
}

func (r *signalsRepo) Get(ctx context.Context, id string) (*persistence.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var sig persistence.Signal
	query := `SELECT ` + signalColumns + ` FROM signals WHERE id = $1`

	if err := r.db.GetContext(ctx, &sig, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get signal %s: %w", id, err)
	}
	return &sig, nil
}

func (r *signalsRepo) GetBatch(ctx context.Context, ids []string) ([]persistence.Signal, error) {
	if len(ids) == 0 {
		return []persistence.Signal{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sigs := []persistence.Signal{}
	query := `SELECT ` + signalColumns + ` FROM signals WHERE id = ANY($1) ORDER BY created_at DESC`

	if err := r.db.SelectContext(ctx, &sigs, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to get signals batch: %w", err)
	}
	return sigs, nil
}

func (r *signalsRepo) List(ctx context.Context, f persistence.SignalFilter) ([]persistence.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.EventID != "" {
		where = append(where, "event_id = "+arg(f.EventID))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		where = append(where, "signal_type = ANY("+arg(pq.Array(types))+")")
	}
	if f.Market != "" {
		where = append(where, "market = "+arg(f.Market))
	}
	if f.MinStrength > 0 {
		where = append(where, "strength_score >= "+arg(f.MinStrength))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= "+arg(f.Since.UTC()))
	}
	if !f.CreatedBefore.IsZero() {
		where = append(where, "created_at <= "+arg(f.CreatedBefore.UTC()))
	}
	if f.ExcludeInplay {
		where = append(where, "time_bucket <> "+arg(domain.BucketInPlay))
	}

	query := `SELECT ` + signalColumns + ` FROM signals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	query += " LIMIT " + arg(f.Limit) + " OFFSET " + arg(f.Offset)

	sigs := []persistence.Signal{}
	if err := r.db.SelectContext(ctx, &sigs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	return sigs, nil
}

func (r *signalsRepo) ListAwaitingCLV(ctx context.Context, commenceAfter, commenceBefore time.Time, limit int) ([]persistence.Signal, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sigs := []persistence.Signal{}
	query := `
		SELECT s.id, s.event_id, s.market, s.signal_type, s.direction, s.from_value, s.to_value,
		       s.from_price, s.to_price, s.window_minutes, s.books_affected, s.velocity_minutes,
		       s.time_bucket, s.strength_score, s.created_at, s.metadata
		FROM signals s
		JOIN games g ON g.event_id = s.event_id
		WHERE g.commence_time >= $1 AND g.commence_time <= $2
		  AND NOT EXISTS (SELECT 1 FROM clv_records c WHERE c.signal_id = s.id)
		ORDER BY s.created_at ASC
		LIMIT $3`

	if err := r.db.SelectContext(ctx, &sigs, query, commenceAfter.UTC(), commenceBefore.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to list signals awaiting clv: %w", err)
	}
	return sigs, nil
}

func (r *signalsRepo) QualityStats(ctx context.Context, since time.Time) ([]persistence.SignalQualityRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows := []persistence.SignalQualityRow{}
	query := `
		SELECT signal_type,
		       COUNT(*) AS count,
		       AVG(strength_score)::float8 AS avg_strength,
		       MAX(strength_score) AS max_strength,
		       COUNT(DISTINCT event_id) AS events
		FROM signals
		WHERE created_at >= $1
		GROUP BY signal_type
		ORDER BY count DESC`

	if err := r.db.SelectContext(ctx, &rows, query, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to aggregate signal quality: %w", err)
	}
	return rows, nil
}

func (r *signalsRepo) WeeklySummary(ctx context.Context, since time.Time) ([]persistence.SignalDailyRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows := []persistence.SignalDailyRow{}
	query := `
		SELECT date_trunc('day', created_at) AS day,
		       signal_type,
		       COUNT(*) AS count
		FROM signals
		WHERE created_at >= $1
		GROUP BY day, signal_type
		ORDER BY day DESC, signal_type ASC`

	if err := r.db.SelectContext(ctx, &rows, query, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to aggregate weekly signals: %w", err)
	}
	return rows, nil
}

func (r *signalsRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return deleteOlderThan(ctx, r.db, r.timeout, "signals", "created_at", cutoff, batchSize)
}
