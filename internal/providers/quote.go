package providers

import "time"

// Exchange outcome names. Both venues quote binary markets, so every
// normalized payload carries at most one of each.
const (
	OutcomeYes = "YES"
	OutcomeNo  = "NO"
)

// MarketQuote is the normalized exchange payload both venue clients
// produce: one binary market's YES/NO probabilities at one instant.
// Fields stay permissive here; ingestion drops outcomes it cannot use
// and substitutes server time for a zero Timestamp.
type MarketQuote struct {
	MarketID  string         `json:"market_id"`
	Outcomes  []OutcomeQuote `json:"outcomes"`
	Timestamp time.Time      `json:"timestamp"`
}

// OutcomeQuote is one side of a binary market. Price is venue-native
// (Kalshi cents, Polymarket dollars) and optional.
type OutcomeQuote struct {
	Name        string   `json:"name"`
	Probability float64  `json:"probability"`
	Price       *float64 `json:"price,omitempty"`
}
