package signals

import (
	"encoding/json"
	"fmt"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

// Signals persist a schemaless metadata map. The structs below name the
// per-rule fields so downstream readers (CLV entry resolution, the API)
// decode them instead of guessing keys.

// MoveMetadata documents MOVE and KEY_CROSS signals.
type MoveMetadata struct {
	OutcomeName     string             `json:"outcome_name"`
	Books           []string           `json:"books"`
	Magnitude       float64            `json:"magnitude"`
	VelocityMinutes float64            `json:"velocity_minutes"`
	MinutesToTip    *float64           `json:"minutes_to_tip,omitempty"`
	StartLine       float64            `json:"start_line"`
	EndLine         float64            `json:"end_line"`
	KeyCross        bool               `json:"key_cross"`
	KeyNumber       *float64           `json:"key_number,omitempty"`
	Components      map[string]float64 `json:"components"`
}

// MultibookMetadata documents MULTIBOOK_SYNC signals.
type MultibookMetadata struct {
	OutcomeName     string             `json:"outcome_name"`
	Books           []string           `json:"books"`
	Direction       string             `json:"direction"`
	MeanFrom        float64            `json:"mean_from"`
	MeanTo          float64            `json:"mean_to"`
	Magnitude       float64            `json:"magnitude"`
	VelocityMinutes float64            `json:"velocity_minutes"`
	MinutesToTip    *float64           `json:"minutes_to_tip,omitempty"`
	Components      map[string]float64 `json:"components"`
}

// DislocationMetadata documents DISLOCATION signals, including the entry
// fields CLV resolution prefers.
type DislocationMetadata struct {
	OutcomeName         string             `json:"outcome_name"`
	BookKey             string             `json:"book_key"`
	BookLine            *float64           `json:"book_line,omitempty"`
	BookPrice           *int               `json:"book_price,omitempty"`
	ConsensusLine       *float64           `json:"consensus_line,omitempty"`
	ConsensusPrice      *int               `json:"consensus_price,omitempty"`
	ConsensusBooks      int                `json:"consensus_books"`
	ConsensusDispersion *float64           `json:"consensus_dispersion,omitempty"`
	Delta               float64            `json:"delta"`
	MinutesToTip        *float64           `json:"minutes_to_tip,omitempty"`
	Components          map[string]float64 `json:"components"`
}

// SteamMetadata documents STEAM signals.
type SteamMetadata struct {
	OutcomeName     string             `json:"outcome_name"`
	Books           []string           `json:"books"`
	Direction       string             `json:"direction"`
	MedianStart     float64            `json:"median_start"`
	MedianEnd       float64            `json:"median_end"`
	Magnitude       float64            `json:"magnitude"`
	VelocityMinutes float64            `json:"velocity_minutes"`
	MinutesToTip    *float64           `json:"minutes_to_tip,omitempty"`
	Components      map[string]float64 `json:"components"`
}

// LiveShockMetadata documents LIVE_SHOCK signals.
type LiveShockMetadata struct {
	OutcomeName     string             `json:"outcome_name"`
	Books           []string           `json:"books"`
	Magnitude       float64            `json:"magnitude"`
	Threshold       float64            `json:"threshold"`
	VelocityMinutes float64            `json:"velocity_minutes"`
	MinutesToTip    *float64           `json:"minutes_to_tip,omitempty"`
	Components      map[string]float64 `json:"components"`
}

// DivergenceMetadata documents EXCHANGE_DIVERGENCE signals.
type DivergenceMetadata struct {
	CanonicalEventKey   string             `json:"canonical_event_key"`
	DivergenceType      string             `json:"divergence_type"`
	LeadSource          string             `json:"lead_source"`
	LagSeconds          *float64           `json:"lag_seconds,omitempty"`
	SportsbookThreshold *float64           `json:"sportsbook_threshold,omitempty"`
	ExchangeThreshold   *float64           `json:"exchange_threshold,omitempty"`
	DivergenceID        int64              `json:"divergence_id"`
	Components          map[string]float64 `json:"components"`
}

// MetadataFor returns an empty typed shape for the signal type, or nil when
// the type is unknown.
func MetadataFor(t domain.SignalType) any {
	switch t {
	case domain.SignalMove, domain.SignalKeyCross:
		return &MoveMetadata{}
	case domain.SignalMultibookSync:
		return &MultibookMetadata{}
	case domain.SignalDislocation:
		return &DislocationMetadata{}
	case domain.SignalSteam:
		return &SteamMetadata{}
	case domain.SignalLiveShock:
		return &LiveShockMetadata{}
	case domain.SignalExchangeDivergence:
		return &DivergenceMetadata{}
	}
	return nil
}

// DecodeMetadata round-trips a signal's metadata map into its typed shape.
func DecodeMetadata(sig persistence.Signal) (any, error) {
	shape := MetadataFor(sig.SignalType)
	if shape == nil {
		return nil, fmt.Errorf("no metadata shape for signal type %q", sig.SignalType)
	}
	raw, err := json.Marshal(sig.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := json.Unmarshal(raw, shape); err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", sig.SignalType, err)
	}
	return shape, nil
}

// metaMap converts a typed metadata shape to the persisted JSON map.
func metaMap(v any) persistence.JSONMap {
	raw, err := json.Marshal(v)
	if err != nil {
		return persistence.JSONMap{}
	}
	var m persistence.JSONMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return persistence.JSONMap{}
	}
	return m
}
