package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/stratumlabs/stratum/internal/persistence"
)

type gamesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewGamesRepo creates the PostgreSQL games repository.
func NewGamesRepo(db *sqlx.DB, timeout time.Duration) persistence.GamesRepo {
	return &gamesRepo{db: db, timeout: timeout}
}

func (r *gamesRepo) Upsert(ctx context.Context, game persistence.Game) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO games (event_id, sport_key, commence_time, home_team, away_team, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (event_id) DO UPDATE SET
			sport_key = EXCLUDED.sport_key,
			commence_time = EXCLUDED.commence_time,
			home_team = EXCLUDED.home_team,
			away_team = EXCLUDED.away_team,
			updated_at = NOW()`

	_, err := r.db.ExecContext(ctx, query,
		game.EventID, game.SportKey, game.CommenceTime.UTC(), game.HomeTeam, game.AwayTeam)
	if err != nil {
		return fmt.Errorf("failed to upsert game %s: %w", game.EventID, err)
	}
	return nil
}

func (r *gamesRepo) Get(ctx context.Context, eventID string) (*persistence.Game, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var game persistence.Game
	query := `
		SELECT event_id, sport_key, commence_time, home_team, away_team, updated_at
		FROM games WHERE event_id = $1`

	if err := r.db.GetContext(ctx, &game, query, eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get game %s: %w", eventID, err)
	}
	return &game, nil
}

func (r *gamesRepo) GetBatch(ctx context.Context, eventIDs []string) (map[string]persistence.Game, error) {
	if len(eventIDs) == 0 {
		return map[string]persistence.Game{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var games []persistence.Game
	query := `
		SELECT event_id, sport_key, commence_time, home_team, away_team, updated_at
		FROM games WHERE event_id = ANY($1)`

	if err := r.db.SelectContext(ctx, &games, query, pq.Array(eventIDs)); err != nil {
		return nil, fmt.Errorf("failed to get games batch: %w", err)
	}

	out := make(map[string]persistence.Game, len(games))
	for _, g := range games {
		out[g.EventID] = g
	}
	return out, nil
}

func (r *gamesRepo) CountUpcoming(ctx context.Context, now time.Time, horizon time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int
	query := `SELECT COUNT(*) FROM games WHERE commence_time > $1 AND commence_time <= $2`

	if err := r.db.GetContext(ctx, &count, query, now.UTC(), now.UTC().Add(horizon)); err != nil {
		return 0, fmt.Errorf("failed to count upcoming games: %w", err)
	}
	return count, nil
}

func (r *gamesRepo) ListNeedingClose(ctx context.Context, since, until time.Time, limit int) ([]persistence.Game, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	games := []persistence.Game{}
	query := `
		SELECT g.event_id, g.sport_key, g.commence_time, g.home_team, g.away_team, g.updated_at
		FROM games g
		WHERE g.commence_time >= $1 AND g.commence_time <= $2
		  AND NOT EXISTS (SELECT 1 FROM closing_consensus c WHERE c.event_id = g.event_id)
		  AND EXISTS (SELECT 1 FROM market_consensus_snapshots m WHERE m.event_id = g.event_id)
		ORDER BY g.commence_time ASC
		LIMIT $3`

	if err := r.db.SelectContext(ctx, &games, query, since.UTC(), until.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to list games needing close: %w", err)
	}
	return games, nil
}

func (r *gamesRepo) ListNeedingBackfill(ctx context.Context, since, until time.Time, limit int) ([]persistence.Game, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	games := []persistence.Game{}
	query := `
		SELECT g.event_id, g.sport_key, g.commence_time, g.home_team, g.away_team, g.updated_at
		FROM games g
		WHERE g.commence_time >= $1 AND g.commence_time <= $2
		  AND NOT EXISTS (SELECT 1 FROM closing_consensus c WHERE c.event_id = g.event_id)
		  AND EXISTS (SELECT 1 FROM signals s WHERE s.event_id = g.event_id)
		  AND NOT EXISTS (
			SELECT 1 FROM market_consensus_snapshots m
			WHERE m.event_id = g.event_id AND m.fetched_at <= g.commence_time)
		ORDER BY g.commence_time DESC
		LIMIT $3`

	if err := r.db.SelectContext(ctx, &games, query, since.UTC(), until.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to list games needing backfill: %w", err)
	}
	return games, nil
}
