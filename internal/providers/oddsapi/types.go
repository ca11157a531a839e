package oddsapi

import "time"

// Event is one upcoming or live game as The Odds API v4 returns it.
// Ingestion treats an event with a blank ID, zero commence time, or
// missing team names as malformed and skips it rather than failing the
// cycle, so fields here stay permissive.
type Event struct {
	ID           string      `json:"id"`
	SportKey     string      `json:"sport_key"`
	SportTitle   string      `json:"sport_title"`
	CommenceTime time.Time   `json:"commence_time"`
	HomeTeam     string      `json:"home_team"`
	AwayTeam     string      `json:"away_team"`
	Bookmakers   []Bookmaker `json:"bookmakers"`
}

// Valid reports whether the event carries everything ingestion needs.
func (e Event) Valid() bool {
	return e.ID != "" && !e.CommenceTime.IsZero() && e.HomeTeam != "" && e.AwayTeam != ""
}

// Bookmaker is one venue's quote set within an event.
type Bookmaker struct {
	Key        string    `json:"key"`
	Title      string    `json:"title"`
	LastUpdate time.Time `json:"last_update"`
	Markets    []Market  `json:"markets"`
}

// Market is a bookmaker's offering for one market key (h2h, spreads,
// totals). LastUpdate is the venue's own quote timestamp and becomes the
// snapshot's source-truth time downstream.
type Market struct {
	Key        string    `json:"key"`
	LastUpdate time.Time `json:"last_update"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Outcome is a priced side. Price is American odds; Point is the spread
// or total line and is absent for h2h.
type Outcome struct {
	Name  string   `json:"name"`
	Price int      `json:"price"`
	Point *float64 `json:"point,omitempty"`
}

// HistoricalSnapshot wraps the historical endpoint's envelope: the odds
// payload as of Timestamp, plus the adjacent snapshot instants for
// walking the archive.
type HistoricalSnapshot struct {
	Timestamp         time.Time  `json:"timestamp"`
	PreviousTimestamp *time.Time `json:"previous_timestamp"`
	NextTimestamp     *time.Time `json:"next_timestamp"`
	Data              []Event    `json:"data"`
}
