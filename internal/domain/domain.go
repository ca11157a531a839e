// Package domain holds the pure market-intelligence vocabulary: market and
// signal enums, venue tiers, odds math, time buckets, and the decimal grids
// used for threshold detection. Nothing here touches I/O.
package domain

// Market identifies a betting market kind.
type Market string

const (
	MarketSpreads Market = "spreads"
	MarketTotals  Market = "totals"
	MarketH2H     Market = "h2h"
)

// Valid reports whether the market is one the engine ingests.
func (m Market) Valid() bool {
	switch m {
	case MarketSpreads, MarketTotals, MarketH2H:
		return true
	}
	return false
}

// HasLine reports whether quotes in this market carry a numeric line.
func (m Market) HasLine() bool { return m != MarketH2H }

// SignalType enumerates the detector rule that produced a signal.
type SignalType string

const (
	SignalMove               SignalType = "MOVE"
	SignalKeyCross           SignalType = "KEY_CROSS"
	SignalMultibookSync      SignalType = "MULTIBOOK_SYNC"
	SignalDislocation        SignalType = "DISLOCATION"
	SignalSteam              SignalType = "STEAM"
	SignalLiveShock          SignalType = "LIVE_SHOCK"
	SignalExchangeDivergence SignalType = "EXCHANGE_DIVERGENCE"
)

// SignalTypes lists every signal type in emission order.
var SignalTypes = []SignalType{
	SignalMove,
	SignalKeyCross,
	SignalMultibookSync,
	SignalDislocation,
	SignalSteam,
	SignalLiveShock,
	SignalExchangeDivergence,
}

// Valid reports whether t names a known signal type.
func (t SignalType) Valid() bool {
	for _, s := range SignalTypes {
		if t == s {
			return true
		}
	}
	return false
}

// Structural reports whether t is exposed by the public structural-core feed.
func (t SignalType) Structural() bool {
	switch t {
	case SignalKeyCross, SignalSteam, SignalMultibookSync, SignalExchangeDivergence:
		return true
	}
	return false
}

// Direction of a price or line move.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
	DirectionFlat Direction = "FLAT"
)

// DirectionOf classifies the move from a to b.
func DirectionOf(from, to float64) Direction {
	switch {
	case to > from:
		return DirectionUp
	case to < from:
		return DirectionDown
	default:
		return DirectionFlat
	}
}

// Opposite returns the reverse direction; FLAT maps to itself.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionUp:
		return DirectionDown
	case DirectionDown:
		return DirectionUp
	}
	return d
}

// ThresholdType distinguishes integer from half-point grid boundaries.
type ThresholdType string

const (
	ThresholdInteger ThresholdType = "INTEGER"
	ThresholdHalf    ThresholdType = "HALF"
)

// ExchangeSource identifies a prediction-market venue.
type ExchangeSource string

const (
	SourceKalshi     ExchangeSource = "KALSHI"
	SourcePolymarket ExchangeSource = "POLYMARKET"
)

// LeadSource names which side of a cross-market pairing moved first.
type LeadSource string

const (
	LeadExchange   LeadSource = "EXCHANGE"
	LeadSportsbook LeadSource = "SPORTSBOOK"
	LeadNone       LeadSource = "NONE"
)

// DivergenceType classifies a cross-market divergence event.
type DivergenceType string

const (
	DivergenceAligned         DivergenceType = "ALIGNED"
	DivergenceExchangeLeads   DivergenceType = "EXCHANGE_LEADS"
	DivergenceSportsbookLeads DivergenceType = "SPORTSBOOK_LEADS"
	DivergenceOpposed         DivergenceType = "OPPOSED"
	DivergenceUnconfirmed     DivergenceType = "UNCONFIRMED"
	DivergenceReverted        DivergenceType = "REVERTED"
)

// ClampScore bounds a raw additive score into the 1..100 signal range.
func ClampScore(raw float64) int {
	if raw < 1 {
		return 1
	}
	if raw > 100 {
		return 100
	}
	return int(raw + 0.5)
}
