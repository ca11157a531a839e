package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stratumlabs/stratum/internal/persistence"
)

type analyticsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAnalyticsRepo creates the PostgreSQL repository for product analytics
// events emitted by the public teaser endpoints.
func NewAnalyticsRepo(db *sqlx.DB, timeout time.Duration) persistence.AnalyticsRepo {
	return &analyticsRepo{db: db, timeout: timeout}
}

func (r *analyticsRepo) InsertTeaserEvent(ctx context.Context, ev persistence.TeaserEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO teaser_events (session_key, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4)`

	if _, err := r.db.ExecContext(ctx, query, ev.SessionKey, ev.EventType, ev.Payload, ev.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert teaser event: %w", err)
	}
	return nil
}
