package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stratumlabs/stratum/internal/persistence"
)

type webhooksRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewWebhooksRepo creates the PostgreSQL webhook subscription and delivery repository.
func NewWebhooksRepo(db *sqlx.DB, timeout time.Duration) persistence.WebhooksRepo {
	return &webhooksRepo{db: db, timeout: timeout}
}

func (r *webhooksRepo) ListActiveSubscriptions(ctx context.Context) ([]persistence.WebhookSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	subs := []persistence.WebhookSubscription{}
	query := `
		SELECT id, url, secret, discord_url, is_active, min_strength, market_gates,
		       cooldown_seconds, created_at
		FROM webhook_subscriptions
		WHERE is_active = TRUE
		ORDER BY created_at ASC, id ASC`

	if err := r.db.SelectContext(ctx, &subs, query); err != nil {
		return nil, fmt.Errorf("failed to list active webhook subscriptions: %w", err)
	}
	return subs, nil
}

func (r *webhooksRepo) InsertDelivery(ctx context.Context, d persistence.WebhookDelivery) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO webhook_deliveries
			(subscription_id, signal_id, event_type, attempt, status_code, success,
			 body_preview, duration_ms, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		d.SubscriptionID, d.SignalID, d.EventType, d.Attempt, d.StatusCode,
		d.Success, d.BodyPreview, d.DurationMS, d.Error, d.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert webhook delivery: %w", err)
	}
	return nil
}

func (r *webhooksRepo) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]persistence.WebhookDelivery, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows := []persistence.WebhookDelivery{}
	query := `
		SELECT id, subscription_id, signal_id, event_type, attempt, status_code, success,
		       body_preview, duration_ms, error, created_at
		FROM webhook_deliveries
		WHERE subscription_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	if err := r.db.SelectContext(ctx, &rows, query, subscriptionID, limit); err != nil {
		return nil, fmt.Errorf("failed to list webhook deliveries: %w", err)
	}
	return rows, nil
}
