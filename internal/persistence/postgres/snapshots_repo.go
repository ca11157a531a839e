package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

type snapshotsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewSnapshotsRepo creates the PostgreSQL odds-snapshot repository.
func NewSnapshotsRepo(db *sqlx.DB, timeout time.Duration) persistence.SnapshotsRepo {
	return &snapshotsRepo{db: db, timeout: timeout}
}

const insertSnapshotSQL = `
	INSERT INTO odds_snapshots (event_id, sport_key, sportsbook_key, market, outcome_name, line, price, fetched_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (r *snapshotsRepo) Insert(ctx context.Context, snap persistence.OddsSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, insertSnapshotSQL,
		snap.EventID, snap.SportKey, snap.SportsbookKey, snap.Market,
		snap.OutcomeName, snap.Line, snap.Price, snap.FetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert odds snapshot: %w", err)
	}
	return nil
}

func (r *snapshotsRepo) InsertBatch(ctx context.Context, snaps []persistence.OddsSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertSnapshotSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snaps {
		if _, err := stmt.ExecContext(ctx,
			snap.EventID, snap.SportKey, snap.SportsbookKey, snap.Market,
			snap.OutcomeName, snap.Line, snap.Price, snap.FetchedAt.UTC()); err != nil {
			return fmt.Errorf("failed to insert snapshot in batch: %w", err)
		}
	}
	return tx.Commit()
}

func (r *snapshotsRepo) ListWindow(ctx context.Context, eventID string, market domain.Market, since time.Time) ([]persistence.OddsSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	snaps := []persistence.OddsSnapshot{}
	query := `
		SELECT id, event_id, sport_key, sportsbook_key, market, outcome_name, line, price, fetched_at
		FROM odds_snapshots
		WHERE event_id = $1 AND market = $2 AND fetched_at >= $3
		ORDER BY fetched_at ASC, sportsbook_key ASC`

	if err := r.db.SelectContext(ctx, &snaps, query, eventID, market, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list snapshot window: %w", err)
	}
	return snaps, nil
}

func (r *snapshotsRepo) LatestPerBook(ctx context.Context, eventID string, market domain.Market, since time.Time) ([]persistence.OddsSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	snaps := []persistence.OddsSnapshot{}
	query := `
		SELECT DISTINCT ON (sportsbook_key, outcome_name)
			id, event_id, sport_key, sportsbook_key, market, outcome_name, line, price, fetched_at
		FROM odds_snapshots
		WHERE event_id = $1 AND market = $2 AND fetched_at >= $3
		ORDER BY sportsbook_key, outcome_name, fetched_at DESC`

	if err := r.db.SelectContext(ctx, &snaps, query, eventID, market, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list latest snapshots per book: %w", err)
	}
	return snaps, nil
}

func (r *snapshotsRepo) DistinctVenues(ctx context.Context, eventID string, market domain.Market, outcomeName string, from, to time.Time) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	venues := []string{}
	query := `
		SELECT DISTINCT sportsbook_key
		FROM odds_snapshots
		WHERE event_id = $1 AND market = $2 AND outcome_name = $3
		  AND fetched_at >= $4 AND fetched_at <= $5`

	if err := r.db.SelectContext(ctx, &venues, query, eventID, market, outcomeName, from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list distinct venues: %w", err)
	}
	return venues, nil
}

func (r *snapshotsRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return deleteOlderThan(ctx, r.db, r.timeout, "odds_snapshots", "fetched_at", cutoff, batchSize)
}
