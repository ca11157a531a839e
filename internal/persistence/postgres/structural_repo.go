package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/stratumlabs/stratum/internal/persistence"
)

type structuralRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewStructuralRepo creates the PostgreSQL structural-event repository.
func NewStructuralRepo(db *sqlx.DB, timeout time.Duration) persistence.StructuralRepo {
	return &structuralRepo{db: db, timeout: timeout}
}

func (r *structuralRepo) UpsertEvent(ctx context.Context, ev persistence.StructuralEvent) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// xmax = 0 distinguishes a fresh insert from a conflict update.
	query := `
		INSERT INTO structural_events
			(event_id, market_key, outcome_name, threshold_value, threshold_type, break_direction,
			 origin_venue, origin_venue_tier, origin_timestamp, confirmation_timestamp,
			 adoption_percentage, adoption_count, active_venue_count, time_to_consensus_seconds,
			 dispersion_pre, dispersion_post, break_hold_minutes, reversal_detected, reversal_timestamp,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, NOW(), NOW())
		ON CONFLICT (event_id, market_key, outcome_name, threshold_value, break_direction) DO UPDATE SET
			confirmation_timestamp = EXCLUDED.confirmation_timestamp,
			adoption_percentage = EXCLUDED.adoption_percentage,
			adoption_count = EXCLUDED.adoption_count,
			active_venue_count = EXCLUDED.active_venue_count,
			time_to_consensus_seconds = EXCLUDED.time_to_consensus_seconds,
			dispersion_pre = EXCLUDED.dispersion_pre,
			dispersion_post = EXCLUDED.dispersion_post,
			break_hold_minutes = EXCLUDED.break_hold_minutes,
			reversal_detected = EXCLUDED.reversal_detected,
			reversal_timestamp = EXCLUDED.reversal_timestamp,
			updated_at = NOW()
		RETURNING id, (xmax = 0) AS inserted`

	var (
		id       int64
		inserted bool
	)
	err := r.db.QueryRowxContext(ctx, query,
		ev.EventID, ev.MarketKey, ev.OutcomeName, ev.ThresholdValue, ev.ThresholdType, ev.BreakDirection,
		ev.OriginVenue, ev.OriginVenueTier, ev.OriginTimestamp.UTC(), ev.ConfirmationTimestamp.UTC(),
		ev.AdoptionPercentage, ev.AdoptionCount, ev.ActiveVenueCount, ev.TimeToConsensusSeconds,
		ev.DispersionPre, ev.DispersionPost, ev.BreakHoldMinutes, ev.ReversalDetected, utcPtr(ev.ReversalTimestamp),
	).Scan(&id, &inserted)
	if err != nil {
		return 0, false, fmt.Errorf("failed to upsert structural event: %w", err)
	}
	return id, inserted, nil
}

func (r *structuralRepo) InsertParticipant(ctx context.Context, p persistence.StructuralEventVenue) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO structural_event_venues
			(structural_event_id, venue, venue_tier, crossed_at, line_before, line_after, delta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (structural_event_id, venue) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		p.StructuralEventID, p.Venue, p.VenueTier, p.CrossedAt.UTC(), p.LineBefore, p.LineAfter, p.Delta)
	if err != nil {
		return false, fmt.Errorf("failed to insert structural participant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read participant rows affected: %w", err)
	}
	return n > 0, nil
}

const structuralColumns = `
	id, event_id, market_key, outcome_name, threshold_value, threshold_type, break_direction,
	origin_venue, origin_venue_tier, origin_timestamp, confirmation_timestamp,
	adoption_percentage, adoption_count, active_venue_count, time_to_consensus_seconds,
	dispersion_pre, dispersion_post, break_hold_minutes, reversal_detected, reversal_timestamp,
	created_at, updated_at`

func (r *structuralRepo) ListForEventSince(ctx context.Context, eventID string, since time.Time) ([]persistence.StructuralEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	events := []persistence.StructuralEvent{}
	query := `
		SELECT ` + structuralColumns + `
		FROM structural_events
		WHERE event_id = $1 AND confirmation_timestamp >= $2
		ORDER BY confirmation_timestamp ASC`

	if err := r.db.SelectContext(ctx, &events, query, eventID, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list structural events: %w", err)
	}
	return events, nil
}

func (r *structuralRepo) ListParticipants(ctx context.Context, structuralEventID int64) ([]persistence.StructuralEventVenue, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	parts := []persistence.StructuralEventVenue{}
	query := `
		SELECT id, structural_event_id, venue, venue_tier, crossed_at, line_before, line_after, delta
		FROM structural_event_venues
		WHERE structural_event_id = $1
		ORDER BY crossed_at ASC, venue ASC`

	if err := r.db.SelectContext(ctx, &parts, query, structuralEventID); err != nil {
		return nil, fmt.Errorf("failed to list structural participants: %w", err)
	}
	return parts, nil
}

func (r *structuralRepo) ListRecent(ctx context.Context, since time.Time, limit, offset int) ([]persistence.StructuralEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	events := []persistence.StructuralEvent{}
	query := `
		SELECT ` + structuralColumns + `
		FROM structural_events
		WHERE confirmation_timestamp >= $1
		ORDER BY confirmation_timestamp DESC, id DESC
		LIMIT $2 OFFSET $3`

	if err := r.db.SelectContext(ctx, &events, query, since.UTC(), limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list recent structural events: %w", err)
	}
	return events, nil
}

// utcPtr normalizes optional timestamps to UTC before they hit the driver.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
