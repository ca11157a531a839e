package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stratumlabs/stratum/internal/persistence"
)

type alignmentsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAlignmentsRepo creates the PostgreSQL canonical-alignment repository.
func NewAlignmentsRepo(db *sqlx.DB, timeout time.Duration) persistence.AlignmentsRepo {
	return &alignmentsRepo{db: db, timeout: timeout}
}

const alignmentColumns = `
	canonical_event_key, sport, league, home_team, away_team, start_time,
	sportsbook_event_id, kalshi_market_id, polymarket_market_id`

func (r *alignmentsRepo) Upsert(ctx context.Context, a persistence.CanonicalEventAlignment) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO canonical_event_alignments
			(canonical_event_key, sport, league, home_team, away_team, start_time,
			 sportsbook_event_id, kalshi_market_id, polymarket_market_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (canonical_event_key) DO UPDATE SET
			start_time = EXCLUDED.start_time,
			sportsbook_event_id = EXCLUDED.sportsbook_event_id,
			kalshi_market_id = EXCLUDED.kalshi_market_id,
			polymarket_market_id = EXCLUDED.polymarket_market_id`

	_, err := r.db.ExecContext(ctx, query,
		a.CanonicalEventKey, a.Sport, a.League, a.HomeTeam, a.AwayTeam, a.StartTime.UTC(),
		a.SportsbookEventID, a.KalshiMarketID, a.PolymarketMarketID)
	if err != nil {
		return fmt.Errorf("failed to upsert alignment %s: %w", a.CanonicalEventKey, err)
	}
	return nil
}

func (r *alignmentsRepo) Get(ctx context.Context, canonicalKey string) (*persistence.CanonicalEventAlignment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var a persistence.CanonicalEventAlignment
	query := `SELECT ` + alignmentColumns + ` FROM canonical_event_alignments WHERE canonical_event_key = $1`

	if err := r.db.GetContext(ctx, &a, query, canonicalKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get alignment %s: %w", canonicalKey, err)
	}
	return &a, nil
}

func (r *alignmentsRepo) GetBySportsbookEvent(ctx context.Context, eventID string) (*persistence.CanonicalEventAlignment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var a persistence.CanonicalEventAlignment
	query := `SELECT ` + alignmentColumns + ` FROM canonical_event_alignments WHERE sportsbook_event_id = $1`

	if err := r.db.GetContext(ctx, &a, query, eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get alignment for event %s: %w", eventID, err)
	}
	return &a, nil
}

func (r *alignmentsRepo) ListScanCandidates(ctx context.Context, now time.Time, limit int) ([]persistence.CanonicalEventAlignment, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// games in play (up to 4h old) or starting within 48h, nearest first
	out := []persistence.CanonicalEventAlignment{}
	query := `
		SELECT ` + alignmentColumns + `
		FROM canonical_event_alignments
		WHERE start_time >= $1 AND start_time <= $2
		  AND (kalshi_market_id IS NOT NULL OR polymarket_market_id IS NOT NULL)
		ORDER BY start_time ASC
		LIMIT $3`

	from := now.UTC().Add(-4 * time.Hour)
	to := now.UTC().Add(48 * time.Hour)
	if err := r.db.SelectContext(ctx, &out, query, from, to, limit); err != nil {
		return nil, fmt.Errorf("failed to list alignment scan candidates: %w", err)
	}
	return out, nil
}
