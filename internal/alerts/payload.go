package alerts

import (
	"time"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

// Webhook event types.
const (
	EventSignalDetected = "signal.detected"
	EventClvFinalized   = "signal.clv_finalized"
)

// SignalPayload is the JSON body delivered when a signal is detected.
type SignalPayload struct {
	Event         string              `json:"event"`
	SignalID      string              `json:"signal_id"`
	EventID       string              `json:"event_id"`
	Market        domain.Market       `json:"market"`
	SignalType    domain.SignalType   `json:"signal_type"`
	Direction     domain.Direction    `json:"direction"`
	StrengthScore int                 `json:"strength_score"`
	TimeBucket    domain.TimeBucket   `json:"time_bucket"`
	FromValue     float64             `json:"from_value"`
	ToValue       float64             `json:"to_value"`
	CreatedAt     time.Time           `json:"created_at"`
	Metadata      persistence.JSONMap `json:"metadata"`
}

// NewSignalPayload maps a persisted signal onto the wire shape.
func NewSignalPayload(sig persistence.Signal) SignalPayload {
	return SignalPayload{
		Event:         EventSignalDetected,
		SignalID:      sig.ID,
		EventID:       sig.EventID,
		Market:        sig.Market,
		SignalType:    sig.SignalType,
		Direction:     sig.Direction,
		StrengthScore: sig.StrengthScore,
		TimeBucket:    sig.TimeBucket,
		FromValue:     sig.FromValue,
		ToValue:       sig.ToValue,
		CreatedAt:     sig.CreatedAt,
		Metadata:      sig.Metadata,
	}
}

// ClvPayload is the JSON body delivered when a signal's closing line
// value is finalized.
type ClvPayload struct {
	Event       string            `json:"event"`
	SignalID    string            `json:"signal_id"`
	EventID     string            `json:"event_id"`
	Market      domain.Market     `json:"market"`
	SignalType  domain.SignalType `json:"signal_type"`
	OutcomeName string            `json:"outcome_name"`
	EntryLine   *float64          `json:"entry_line"`
	EntryPrice  *int              `json:"entry_price"`
	CloseLine   *float64          `json:"close_line"`
	ClosePrice  *int              `json:"close_price"`
	ClvLine     *float64          `json:"clv_line"`
	ClvProb     *float64          `json:"clv_prob"`
	ComputedAt  time.Time         `json:"computed_at"`
}

// NewClvPayload maps a CLV record onto the wire shape.
func NewClvPayload(rec persistence.ClvRecord) ClvPayload {
	return ClvPayload{
		Event:       EventClvFinalized,
		SignalID:    rec.SignalID,
		EventID:     rec.EventID,
		Market:      rec.Market,
		SignalType:  rec.SignalType,
		OutcomeName: rec.OutcomeName,
		EntryLine:   rec.EntryLine,
		EntryPrice:  rec.EntryPrice,
		CloseLine:   rec.CloseLine,
		ClosePrice:  rec.ClosePrice,
		ClvLine:     rec.ClvLine,
		ClvProb:     rec.ClvProb,
		ComputedAt:  rec.ComputedAt,
	}
}
