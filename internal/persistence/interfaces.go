package persistence

import (
	"context"
	"time"

	"github.com/stratumlabs/stratum/internal/domain"
)

// GamesRepo owns the games upsert table.
type GamesRepo interface {
	// Upsert inserts or refreshes a game by event ID.
	Upsert(ctx context.Context, game Game) error

	// Get returns a game or nil when unknown.
	Get(ctx context.Context, eventID string) (*Game, error)

	// GetBatch returns the games for the given event IDs, keyed by event ID.
	GetBatch(ctx context.Context, eventIDs []string) (map[string]Game, error)

	// CountUpcoming counts games commencing within the horizon; the adaptive
	// poll interval idles when this is zero.
	CountUpcoming(ctx context.Context, now time.Time, horizon time.Duration) (int, error)

	// ListNeedingClose returns games that commenced within [since, until] and
	// still lack closing-consensus rows.
	ListNeedingClose(ctx context.Context, since, until time.Time, limit int) ([]Game, error)

	// ListNeedingBackfill returns commenced games with signals but neither
	// closing rows nor any pre-tipoff consensus to derive them from.
	ListNeedingBackfill(ctx context.Context, since, until time.Time, limit int) ([]Game, error)
}

// SnapshotsRepo owns the append-only odds ledger.
type SnapshotsRepo interface {
	// Insert appends one snapshot.
	Insert(ctx context.Context, snap OddsSnapshot) error

	// InsertBatch appends snapshots in one transaction.
	InsertBatch(ctx context.Context, snaps []OddsSnapshot) error

	// ListWindow returns an event/market's snapshots since the cutoff,
	// ordered by fetched_at ascending.
	ListWindow(ctx context.Context, eventID string, market domain.Market, since time.Time) ([]OddsSnapshot, error)

	// LatestPerBook reduces the window to the newest snapshot per
	// (sportsbook, outcome).
	LatestPerBook(ctx context.Context, eventID string, market domain.Market, since time.Time) ([]OddsSnapshot, error)

	// DistinctVenues lists venues with any snapshot for the outcome in
	// [from, to]; feeds structural active-venue counting.
	DistinctVenues(ctx context.Context, eventID string, market domain.Market, outcomeName string, from, to time.Time) ([]string, error)

	// DeleteOlderThan removes snapshots before the cutoff in batches and
	// returns the number deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// ConsensusRepo owns computed consensus rows.
type ConsensusRepo interface {
	// WriteCycle persists all rows of one consensus pass in one transaction.
	WriteCycle(ctx context.Context, rows []MarketConsensusSnapshot) error

	// LatestForEvent returns the newest consensus row per outcome for an
	// event/market, bounded by the lookback cutoff.
	LatestForEvent(ctx context.Context, eventID string, market domain.Market, since time.Time) ([]MarketConsensusSnapshot, error)

	// ClosingCandidates returns, per outcome, the latest row with
	// fetched_at <= cutoff for the event/market.
	ClosingCandidates(ctx context.Context, eventID string, market domain.Market, cutoff time.Time) ([]MarketConsensusSnapshot, error)

	// ListLatest pages the most recent consensus rows across events.
	ListLatest(ctx context.Context, limit, offset int) ([]MarketConsensusSnapshot, error)

	// ListForEvent pages rows for one event, optionally one market.
	ListForEvent(ctx context.Context, eventID string, market domain.Market, limit, offset int) ([]MarketConsensusSnapshot, error)

	// DistinctMarkets lists markets with consensus rows for the event.
	DistinctMarkets(ctx context.Context, eventID string) ([]domain.Market, error)

	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// QuoteMovesRepo owns the per-venue quote-change ledger.
type QuoteMovesRepo interface {
	InsertBatch(ctx context.Context, moves []QuoteMoveEvent) error

	// ListForEvent returns an event/market's moves since the cutoff ordered
	// by (timestamp, venue); the structural walk depends on that order.
	ListForEvent(ctx context.Context, eventID string, market domain.Market, since time.Time) ([]QuoteMoveEvent, error)

	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// StructuralRepo owns structural events and venue participation.
type StructuralRepo interface {
	// UpsertEvent writes a structural event by its unique identity and
	// reports the row ID and whether the row was newly inserted.
	UpsertEvent(ctx context.Context, ev StructuralEvent) (int64, bool, error)

	// InsertParticipant appends a venue participation row, ignoring
	// duplicates; reports whether a row was inserted.
	InsertParticipant(ctx context.Context, p StructuralEventVenue) (bool, error)

	// ListForEventSince returns confirmed breaks for the event after the cutoff.
	ListForEventSince(ctx context.Context, eventID string, since time.Time) ([]StructuralEvent, error)

	// ListParticipants returns the venues recorded for a structural event.
	ListParticipants(ctx context.Context, structuralEventID int64) ([]StructuralEventVenue, error)

	// ListRecent pages recent breaks for the read API.
	ListRecent(ctx context.Context, since time.Time, limit, offset int) ([]StructuralEvent, error)
}

// SignalFilter bounds signal list queries.
type SignalFilter struct {
	EventID       string
	Types         []domain.SignalType
	Market        domain.Market
	MinStrength   int
	Since         time.Time
	CreatedBefore time.Time // free-tier delay cutoff; zero means no cap
	ExcludeInplay bool
	Limit         int
	Offset        int
}

// SignalsRepo owns emitted signals.
type SignalsRepo interface {
	Insert(ctx context.Context, sig Signal) error

	Get(ctx context.Context, id string) (*Signal, error)

	GetBatch(ctx context.Context, ids []string) ([]Signal, error)

	// List pages signals under the filter, newest first.
	List(ctx context.Context, f SignalFilter) ([]Signal, error)

	// ListAwaitingCLV returns signals whose games commenced inside
	// [commenceAfter, commenceBefore] and that have no CLV record yet.
	ListAwaitingCLV(ctx context.Context, commenceAfter, commenceBefore time.Time, limit int) ([]Signal, error)

	// QualityStats aggregates counts and strength per signal type since the cutoff.
	QualityStats(ctx context.Context, since time.Time) ([]SignalQualityRow, error)

	// WeeklySummary aggregates daily counts per type over the window.
	WeeklySummary(ctx context.Context, since time.Time) ([]SignalDailyRow, error)

	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// SignalQualityRow is one per-type aggregate for the quality dashboard.
type SignalQualityRow struct {
	SignalType  domain.SignalType `json:"signal_type" db:"signal_type"`
	Count       int               `json:"count" db:"count"`
	AvgStrength float64           `json:"avg_strength" db:"avg_strength"`
	MaxStrength int               `json:"max_strength" db:"max_strength"`
	Events      int               `json:"events" db:"events"`
}

// SignalDailyRow is one day/type bucket in the weekly summary.
type SignalDailyRow struct {
	Day        time.Time         `json:"day" db:"day"`
	SignalType domain.SignalType `json:"signal_type" db:"signal_type"`
	Count      int               `json:"count" db:"count"`
}

// AlignmentsRepo owns sportsbook-to-exchange event mappings.
type AlignmentsRepo interface {
	Upsert(ctx context.Context, a CanonicalEventAlignment) error

	Get(ctx context.Context, canonicalKey string) (*CanonicalEventAlignment, error)

	GetBySportsbookEvent(ctx context.Context, eventID string) (*CanonicalEventAlignment, error)

	// ListScanCandidates returns alignments whose games are near or in play,
	// ordered by start time, capped for one ingestion cycle.
	ListScanCandidates(ctx context.Context, now time.Time, limit int) ([]CanonicalEventAlignment, error)
}

// ExchangeQuotesRepo owns normalized exchange probability quotes.
type ExchangeQuotesRepo interface {
	// InsertBatch appends quotes, ignoring identity-key duplicates, and
	// returns how many rows were actually inserted.
	InsertBatch(ctx context.Context, quotes []ExchangeQuoteEvent) (int, error)

	// ListForKey returns an alignment's quotes since the cutoff ordered by
	// (source, market_id, timestamp).
	ListForKey(ctx context.Context, canonicalKey string, since time.Time) ([]ExchangeQuoteEvent, error)

	// HasFreshQuotes reports whether any quote for the alignment is newer
	// than the cutoff.
	HasFreshQuotes(ctx context.Context, canonicalKey string, since time.Time) (bool, error)
}

// CrossMarketRepo owns lead/lag and divergence rows.
type CrossMarketRepo interface {
	// InsertLeadLag appends by identity key; reports whether a row was inserted.
	InsertLeadLag(ctx context.Context, ev CrossMarketLeadLagEvent) (bool, error)

	// InsertDivergence appends by idempotency key; reports whether a row was
	// inserted.
	InsertDivergence(ctx context.Context, ev CrossMarketDivergenceEvent) (bool, error)

	// ResolveLeads marks unresolved lead-type divergences for the canonical
	// event as resolved and returns the number updated.
	ResolveLeads(ctx context.Context, canonicalKey string, resolutionType string, at time.Time) (int64, error)

	// ListUnresolvedDivergences returns unresolved rows of the given types
	// created after the cutoff.
	ListUnresolvedDivergences(ctx context.Context, since time.Time, types []domain.DivergenceType) ([]CrossMarketDivergenceEvent, error)

	// ListForKey pages divergence rows for one canonical event.
	ListForKey(ctx context.Context, canonicalKey string, limit int) ([]CrossMarketDivergenceEvent, error)
}

// ClosingRepo owns closing-consensus rows.
type ClosingRepo interface {
	Upsert(ctx context.Context, c ClosingConsensus) error

	Get(ctx context.Context, eventID string, market domain.Market, outcomeName string) (*ClosingConsensus, error)

	ListForEvent(ctx context.Context, eventID string) ([]ClosingConsensus, error)

	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// ClvRepo owns CLV records.
type ClvRepo interface {
	// Insert appends one record keyed by signal ID, ignoring duplicates;
	// reports whether a row was inserted.
	Insert(ctx context.Context, rec ClvRecord) (bool, error)

	Get(ctx context.Context, signalID string) (*ClvRecord, error)

	List(ctx context.Context, since time.Time, signalType domain.SignalType, limit, offset int) ([]ClvRecord, error)

	// Summary aggregates CLV performance since the cutoff.
	Summary(ctx context.Context, since time.Time) (*ClvSummary, error)

	// Scorecards aggregates per signal type since the cutoff.
	Scorecards(ctx context.Context, since time.Time) ([]ClvScorecard, error)

	// DailyRecap aggregates per day since the cutoff.
	DailyRecap(ctx context.Context, since time.Time) ([]ClvDailyRow, error)

	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// ClvSummary aggregates CLV results over a window.
type ClvSummary struct {
	Records       int      `json:"records" db:"records"`
	AvgClvLine    *float64 `json:"avg_clv_line,omitempty" db:"avg_clv_line"`
	AvgClvProb    *float64 `json:"avg_clv_prob,omitempty" db:"avg_clv_prob"`
	PositiveLine  int      `json:"positive_line" db:"positive_line"`
	PositiveProb  int      `json:"positive_prob" db:"positive_prob"`
	MeasuredLine  int      `json:"measured_line" db:"measured_line"`
	MeasuredProb  int      `json:"measured_prob" db:"measured_prob"`
	DistinctGames int      `json:"distinct_games" db:"distinct_games"`
}

// ClvScorecard aggregates CLV per signal type.
type ClvScorecard struct {
	SignalType   domain.SignalType `json:"signal_type" db:"signal_type"`
	Records      int               `json:"records" db:"records"`
	AvgClvLine   *float64          `json:"avg_clv_line,omitempty" db:"avg_clv_line"`
	AvgClvProb   *float64          `json:"avg_clv_prob,omitempty" db:"avg_clv_prob"`
	PositiveProb int               `json:"positive_prob" db:"positive_prob"`
	MeasuredProb int               `json:"measured_prob" db:"measured_prob"`
}

// ClvDailyRow aggregates CLV per UTC day.
type ClvDailyRow struct {
	Day        time.Time `json:"day" db:"day"`
	Records    int       `json:"records" db:"records"`
	AvgClvProb *float64  `json:"avg_clv_prob,omitempty" db:"avg_clv_prob"`
}

// KpiRepo owns per-cycle KPI rows.
type KpiRepo interface {
	Upsert(ctx context.Context, kpi CycleKpi) error

	ListRecent(ctx context.Context, limit int) ([]CycleKpi, error)

	// Summary aggregates cycle health since the cutoff for the public teaser.
	Summary(ctx context.Context, since time.Time) (*KpiSummary, error)

	DeleteOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

// KpiSummary is the public rollup of engine activity.
type KpiSummary struct {
	Cycles            int      `json:"cycles" db:"cycles"`
	DegradedCycles    int      `json:"degraded_cycles" db:"degraded_cycles"`
	SignalsCreated    int      `json:"signals_created" db:"signals_created"`
	SnapshotsInserted int      `json:"snapshots_inserted" db:"snapshots_inserted"`
	AvgDurationMS     *float64 `json:"avg_duration_ms,omitempty" db:"avg_duration_ms"`
}

// WebhooksRepo owns subscriber endpoints and delivery outcomes.
type WebhooksRepo interface {
	ListActiveSubscriptions(ctx context.Context) ([]WebhookSubscription, error)

	InsertDelivery(ctx context.Context, d WebhookDelivery) error

	// ListDeliveries pages recent outcomes for one subscription.
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]WebhookDelivery, error)
}

// AnalyticsRepo owns public-surface interaction logging.
type AnalyticsRepo interface {
	InsertTeaserEvent(ctx context.Context, ev TeaserEvent) error
}

// Store aggregates every repository behind one handle.
type Store struct {
	Games          GamesRepo
	Snapshots      SnapshotsRepo
	Consensus      ConsensusRepo
	QuoteMoves     QuoteMovesRepo
	Structural     StructuralRepo
	Signals        SignalsRepo
	Alignments     AlignmentsRepo
	ExchangeQuotes ExchangeQuotesRepo
	CrossMarket    CrossMarketRepo
	Closing        ClosingRepo
	Clv            ClvRepo
	Kpis           KpiRepo
	Webhooks       WebhooksRepo
	Analytics      AnalyticsRepo
}

// Health reports storage connectivity for the health endpoint.
type Health struct {
	Healthy        bool           `json:"healthy"`
	Error          string         `json:"error,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// HealthChecker tests storage connectivity.
type HealthChecker interface {
	Health(ctx context.Context) Health
	Ping(ctx context.Context) error
}
