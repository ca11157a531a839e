// Package persistence defines the row types and repository contracts for the
// relational store. Postgres implementations live in the postgres subpackage;
// everything here is driver-agnostic.
package persistence

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stratumlabs/stratum/internal/domain"
)

// TimeRange is a half-open [From, To) query window.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// JSONMap is a schemaless JSONB column value.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", src)
	}
	return json.Unmarshal(data, m)
}

// StringList is a JSONB-encoded list of strings.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", src)
	}
	return json.Unmarshal(data, l)
}

// Game is the upsert target keyed by the provider event ID.
type Game struct {
	EventID      string    `json:"event_id" db:"event_id"`
	SportKey     string    `json:"sport_key" db:"sport_key"`
	CommenceTime time.Time `json:"commence_time" db:"commence_time"`
	HomeTeam     string    `json:"home_team" db:"home_team"`
	AwayTeam     string    `json:"away_team" db:"away_team"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// OddsSnapshot is one observed quote in the append-only ledger.
type OddsSnapshot struct {
	ID            int64         `json:"id" db:"id"`
	EventID       string        `json:"event_id" db:"event_id"`
	SportKey      string        `json:"sport_key" db:"sport_key"`
	SportsbookKey string        `json:"sportsbook_key" db:"sportsbook_key"`
	Market        domain.Market `json:"market" db:"market"`
	OutcomeName   string        `json:"outcome_name" db:"outcome_name"`
	Line          *float64      `json:"line,omitempty" db:"line"`
	Price         int           `json:"price" db:"price"`
	FetchedAt     time.Time     `json:"fetched_at" db:"fetched_at"`
}

// MarketConsensusSnapshot is one computed consensus point.
type MarketConsensusSnapshot struct {
	ID             int64         `json:"id" db:"id"`
	EventID        string        `json:"event_id" db:"event_id"`
	Market         domain.Market `json:"market" db:"market"`
	OutcomeName    string        `json:"outcome_name" db:"outcome_name"`
	ConsensusLine  *float64      `json:"consensus_line,omitempty" db:"consensus_line"`
	ConsensusPrice *int          `json:"consensus_price,omitempty" db:"consensus_price"`
	Dispersion     *float64      `json:"dispersion,omitempty" db:"dispersion"`
	BooksCount     int           `json:"books_count" db:"books_count"`
	FetchedAt      time.Time     `json:"fetched_at" db:"fetched_at"`
}

// QuoteMoveEvent records one venue's quote change, feeding structural analysis.
type QuoteMoveEvent struct {
	ID          int64            `json:"id" db:"id"`
	EventID     string           `json:"event_id" db:"event_id"`
	MarketKey   domain.Market    `json:"market_key" db:"market_key"`
	OutcomeName string           `json:"outcome_name" db:"outcome_name"`
	Venue       string           `json:"venue" db:"venue"`
	VenueTier   domain.VenueTier `json:"venue_tier" db:"venue_tier"`
	OldLine     *float64         `json:"old_line,omitempty" db:"old_line"`
	NewLine     *float64         `json:"new_line,omitempty" db:"new_line"`
	Delta       *float64         `json:"delta,omitempty" db:"delta"`
	OldPrice    *int             `json:"old_price,omitempty" db:"old_price"`
	NewPrice    *int             `json:"new_price,omitempty" db:"new_price"`
	Timestamp   time.Time        `json:"timestamp" db:"timestamp"`
}

// StructuralEvent is a confirmed threshold break, unique per
// (event, market, outcome, threshold, direction).
type StructuralEvent struct {
	ID                     int64                `json:"id" db:"id"`
	EventID                string               `json:"event_id" db:"event_id"`
	MarketKey              domain.Market        `json:"market_key" db:"market_key"`
	OutcomeName            string               `json:"outcome_name" db:"outcome_name"`
	ThresholdValue         float64              `json:"threshold_value" db:"threshold_value"`
	ThresholdType          domain.ThresholdType `json:"threshold_type" db:"threshold_type"`
	BreakDirection         domain.Direction     `json:"break_direction" db:"break_direction"`
	OriginVenue            string               `json:"origin_venue" db:"origin_venue"`
	OriginVenueTier        domain.VenueTier     `json:"origin_venue_tier" db:"origin_venue_tier"`
	OriginTimestamp        time.Time            `json:"origin_timestamp" db:"origin_timestamp"`
	ConfirmationTimestamp  time.Time            `json:"confirmation_timestamp" db:"confirmation_timestamp"`
	AdoptionPercentage     float64              `json:"adoption_percentage" db:"adoption_percentage"`
	AdoptionCount          int                  `json:"adoption_count" db:"adoption_count"`
	ActiveVenueCount       int                  `json:"active_venue_count" db:"active_venue_count"`
	TimeToConsensusSeconds float64              `json:"time_to_consensus_seconds" db:"time_to_consensus_seconds"`
	DispersionPre          *float64             `json:"dispersion_pre,omitempty" db:"dispersion_pre"`
	DispersionPost         *float64             `json:"dispersion_post,omitempty" db:"dispersion_post"`
	BreakHoldMinutes       float64              `json:"break_hold_minutes" db:"break_hold_minutes"`
	ReversalDetected       bool                 `json:"reversal_detected" db:"reversal_detected"`
	ReversalTimestamp      *time.Time           `json:"reversal_timestamp,omitempty" db:"reversal_timestamp"`
	CreatedAt              time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time            `json:"updated_at" db:"updated_at"`
}

// StructuralEventVenue records one venue's participation in a break.
type StructuralEventVenue struct {
	ID                int64            `json:"id" db:"id"`
	StructuralEventID int64            `json:"structural_event_id" db:"structural_event_id"`
	Venue             string           `json:"venue" db:"venue"`
	VenueTier         domain.VenueTier `json:"venue_tier" db:"venue_tier"`
	CrossedAt         time.Time        `json:"crossed_at" db:"crossed_at"`
	LineBefore        *float64         `json:"line_before,omitempty" db:"line_before"`
	LineAfter         *float64         `json:"line_after,omitempty" db:"line_after"`
	Delta             *float64         `json:"delta,omitempty" db:"delta"`
}

// Signal is one emitted detection, with rule inputs preserved in Metadata.
type Signal struct {
	ID              string            `json:"id" db:"id"`
	EventID         string            `json:"event_id" db:"event_id"`
	Market          domain.Market     `json:"market" db:"market"`
	SignalType      domain.SignalType `json:"signal_type" db:"signal_type"`
	Direction       domain.Direction  `json:"direction" db:"direction"`
	FromValue       float64           `json:"from_value" db:"from_value"`
	ToValue         float64           `json:"to_value" db:"to_value"`
	FromPrice       *int              `json:"from_price,omitempty" db:"from_price"`
	ToPrice         *int              `json:"to_price,omitempty" db:"to_price"`
	WindowMinutes   int               `json:"window_minutes" db:"window_minutes"`
	BooksAffected   int               `json:"books_affected" db:"books_affected"`
	VelocityMinutes float64           `json:"velocity_minutes" db:"velocity_minutes"`
	TimeBucket      domain.TimeBucket `json:"time_bucket" db:"time_bucket"`
	StrengthScore   int               `json:"strength_score" db:"strength_score"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	Metadata        JSONMap           `json:"metadata" db:"metadata"`
}

// CanonicalEventAlignment bridges a sportsbook event to exchange markets.
type CanonicalEventAlignment struct {
	CanonicalEventKey  string    `json:"canonical_event_key" db:"canonical_event_key"`
	Sport              string    `json:"sport" db:"sport"`
	League             string    `json:"league" db:"league"`
	HomeTeam           string    `json:"home_team" db:"home_team"`
	AwayTeam           string    `json:"away_team" db:"away_team"`
	StartTime          time.Time `json:"start_time" db:"start_time"`
	SportsbookEventID  string    `json:"sportsbook_event_id" db:"sportsbook_event_id"`
	KalshiMarketID     *string   `json:"kalshi_market_id,omitempty" db:"kalshi_market_id"`
	PolymarketMarketID *string   `json:"polymarket_market_id,omitempty" db:"polymarket_market_id"`
}

// ExchangeQuoteEvent is one normalized exchange probability quote.
type ExchangeQuoteEvent struct {
	ID                int64                 `json:"id" db:"id"`
	CanonicalEventKey string                `json:"canonical_event_key" db:"canonical_event_key"`
	Source            domain.ExchangeSource `json:"source" db:"source"`
	MarketID          string                `json:"market_id" db:"market_id"`
	OutcomeName       string                `json:"outcome_name" db:"outcome_name"`
	Probability       float64               `json:"probability" db:"probability"`
	Price             *float64              `json:"price,omitempty" db:"price"`
	Timestamp         time.Time             `json:"timestamp" db:"timestamp"`
}

// CrossMarketLeadLagEvent pairs a sportsbook break with an exchange crossing.
type CrossMarketLeadLagEvent struct {
	ID                           int64                `json:"id" db:"id"`
	CanonicalEventKey            string               `json:"canonical_event_key" db:"canonical_event_key"`
	ThresholdType                domain.ThresholdType `json:"threshold_type" db:"threshold_type"`
	SportsbookThresholdValue     float64              `json:"sportsbook_threshold_value" db:"sportsbook_threshold_value"`
	ExchangeProbabilityThreshold float64              `json:"exchange_probability_threshold" db:"exchange_probability_threshold"`
	LeadSource                   domain.LeadSource    `json:"lead_source" db:"lead_source"`
	SportsbookBreakTimestamp     time.Time            `json:"sportsbook_break_timestamp" db:"sportsbook_break_timestamp"`
	ExchangeBreakTimestamp       time.Time            `json:"exchange_break_timestamp" db:"exchange_break_timestamp"`
	LagSeconds                   float64              `json:"lag_seconds" db:"lag_seconds"`
	CreatedAt                    time.Time            `json:"created_at" db:"created_at"`
}

// CrossMarketDivergenceEvent classifies one cross-venue disagreement.
type CrossMarketDivergenceEvent struct {
	ID                           int64                 `json:"id" db:"id"`
	CanonicalEventKey            string                `json:"canonical_event_key" db:"canonical_event_key"`
	DivergenceType               domain.DivergenceType `json:"divergence_type" db:"divergence_type"`
	LeadSource                   domain.LeadSource     `json:"lead_source" db:"lead_source"`
	SportsbookThresholdValue     *float64              `json:"sportsbook_threshold_value,omitempty" db:"sportsbook_threshold_value"`
	ExchangeProbabilityThreshold *float64              `json:"exchange_probability_threshold,omitempty" db:"exchange_probability_threshold"`
	SportsbookBreakTimestamp     *time.Time            `json:"sportsbook_break_timestamp,omitempty" db:"sportsbook_break_timestamp"`
	ExchangeBreakTimestamp       *time.Time            `json:"exchange_break_timestamp,omitempty" db:"exchange_break_timestamp"`
	LagSeconds                   *float64              `json:"lag_seconds,omitempty" db:"lag_seconds"`
	Resolved                     bool                  `json:"resolved" db:"resolved"`
	ResolvedAt                   *time.Time            `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolutionType               *string               `json:"resolution_type,omitempty" db:"resolution_type"`
	IdempotencyKey               string                `json:"idempotency_key" db:"idempotency_key"`
	CreatedAt                    time.Time             `json:"created_at" db:"created_at"`
}

// ClosingConsensus is the last pre-tipoff consensus per (event, market, outcome).
type ClosingConsensus struct {
	ID             int64         `json:"id" db:"id"`
	EventID        string        `json:"event_id" db:"event_id"`
	Market         domain.Market `json:"market" db:"market"`
	OutcomeName    string        `json:"outcome_name" db:"outcome_name"`
	CloseLine      *float64      `json:"close_line,omitempty" db:"close_line"`
	ClosePrice     *int          `json:"close_price,omitempty" db:"close_price"`
	CloseFetchedAt time.Time     `json:"close_fetched_at" db:"close_fetched_at"`
	ComputedAt     time.Time     `json:"computed_at" db:"computed_at"`
}

// ClvRecord measures a signal's entry against the close; one row per signal.
type ClvRecord struct {
	SignalID    string            `json:"signal_id" db:"signal_id"`
	EventID     string            `json:"event_id" db:"event_id"`
	SignalType  domain.SignalType `json:"signal_type" db:"signal_type"`
	Market      domain.Market     `json:"market" db:"market"`
	OutcomeName string            `json:"outcome_name" db:"outcome_name"`
	EntryLine   *float64          `json:"entry_line,omitempty" db:"entry_line"`
	EntryPrice  *int              `json:"entry_price,omitempty" db:"entry_price"`
	CloseLine   *float64          `json:"close_line,omitempty" db:"close_line"`
	ClosePrice  *int              `json:"close_price,omitempty" db:"close_price"`
	ClvLine     *float64          `json:"clv_line,omitempty" db:"clv_line"`
	ClvProb     *float64          `json:"clv_prob,omitempty" db:"clv_prob"`
	ComputedAt  time.Time         `json:"computed_at" db:"computed_at"`
}

// CycleKpi summarizes one orchestrator tick, upserted by cycle ID.
type CycleKpi struct {
	CycleID                string    `json:"cycle_id" db:"cycle_id"`
	StartedAt              time.Time `json:"started_at" db:"started_at"`
	CompletedAt            time.Time `json:"completed_at" db:"completed_at"`
	DurationMS             int64     `json:"duration_ms" db:"duration_ms"`
	RequestsUsedDelta      int       `json:"requests_used_delta" db:"requests_used_delta"`
	EventsProcessed        int       `json:"events_processed" db:"events_processed"`
	SnapshotsInserted      int       `json:"snapshots_inserted" db:"snapshots_inserted"`
	ConsensusPointsWritten int       `json:"consensus_points_written" db:"consensus_points_written"`
	SignalsCreatedTotal    int       `json:"signals_created_total" db:"signals_created_total"`
	SignalsCreatedByType   JSONMap   `json:"signals_created_by_type" db:"signals_created_by_type"`
	AlertsSent             int       `json:"alerts_sent" db:"alerts_sent"`
	AlertsFailed           int       `json:"alerts_failed" db:"alerts_failed"`
	Degraded               bool      `json:"degraded" db:"degraded"`
	Notes                  string    `json:"notes" db:"notes"`
}

// WebhookSubscription is a subscriber endpoint with delivery preferences.
type WebhookSubscription struct {
	ID              string     `json:"id" db:"id"`
	URL             string     `json:"url" db:"url"`
	Secret          string     `json:"secret" db:"secret"`
	DiscordURL      *string    `json:"discord_url,omitempty" db:"discord_url"`
	IsActive        bool       `json:"is_active" db:"is_active"`
	MinStrength     int        `json:"min_strength" db:"min_strength"`
	MarketGates     StringList `json:"market_gates" db:"market_gates"`
	CooldownSeconds int        `json:"cooldown_seconds" db:"cooldown_seconds"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// WebhookDelivery records one delivery attempt outcome.
type WebhookDelivery struct {
	ID             int64     `json:"id" db:"id"`
	SubscriptionID string    `json:"subscription_id" db:"subscription_id"`
	SignalID       string    `json:"signal_id" db:"signal_id"`
	EventType      string    `json:"event_type" db:"event_type"`
	Attempt        int       `json:"attempt" db:"attempt"`
	StatusCode     *int      `json:"status_code,omitempty" db:"status_code"`
	Success        bool      `json:"success" db:"success"`
	BodyPreview    string    `json:"body_preview" db:"body_preview"`
	DurationMS     int64     `json:"duration_ms" db:"duration_ms"`
	Error          *string   `json:"error,omitempty" db:"error"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// TeaserEvent logs one anonymous public-surface interaction.
type TeaserEvent struct {
	ID         int64     `json:"id" db:"id"`
	SessionKey string    `json:"session_key" db:"session_key"`
	EventType  string    `json:"event_type" db:"event_type"`
	Payload    JSONMap   `json:"payload" db:"payload"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
