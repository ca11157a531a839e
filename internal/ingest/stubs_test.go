package ingest

import (
	"context"
	"time"

	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
	"github.com/stratumlabs/stratum/internal/providers"
	"github.com/stratumlabs/stratum/internal/providers/oddsapi"
)

type stubGames struct {
	upserts  []persistence.Game
	upcoming int
}

func (s *stubGames) Upsert(_ context.Context, g persistence.Game) error {
	s.upserts = append(s.upserts, g)
	return nil
}
func (s *stubGames) Get(context.Context, string) (*persistence.Game, error) { return nil, nil }
func (s *stubGames) GetBatch(context.Context, []string) (map[string]persistence.Game, error) {
	return nil, nil
}
func (s *stubGames) CountUpcoming(context.Context, time.Time, time.Duration) (int, error) {
	return s.upcoming, nil
}
func (s *stubGames) ListNeedingClose(context.Context, time.Time, time.Time, int) ([]persistence.Game, error) {
	return nil, nil
}
func (s *stubGames) ListNeedingBackfill(context.Context, time.Time, time.Time, int) ([]persistence.Game, error) {
	return nil, nil
}

type stubSnapshots struct {
	inserted []persistence.OddsSnapshot
}

func (s *stubSnapshots) Insert(_ context.Context, snap persistence.OddsSnapshot) error {
	s.inserted = append(s.inserted, snap)
	return nil
}
func (s *stubSnapshots) InsertBatch(_ context.Context, snaps []persistence.OddsSnapshot) error {
	s.inserted = append(s.inserted, snaps...)
	return nil
}
func (s *stubSnapshots) ListWindow(context.Context, string, domain.Market, time.Time) ([]persistence.OddsSnapshot, error) {
	return nil, nil
}
func (s *stubSnapshots) LatestPerBook(context.Context, string, domain.Market, time.Time) ([]persistence.OddsSnapshot, error) {
	return nil, nil
}
func (s *stubSnapshots) DistinctVenues(context.Context, string, domain.Market, string, time.Time, time.Time) ([]string, error) {
	return nil, nil
}
func (s *stubSnapshots) DeleteOlderThan(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

type stubQuoteMoves struct {
	inserted []persistence.QuoteMoveEvent
}

func (s *stubQuoteMoves) InsertBatch(_ context.Context, moves []persistence.QuoteMoveEvent) error {
	s.inserted = append(s.inserted, moves...)
	return nil
}
func (s *stubQuoteMoves) ListForEvent(context.Context, string, domain.Market, time.Time) ([]persistence.QuoteMoveEvent, error) {
	return nil, nil
}
func (s *stubQuoteMoves) DeleteOlderThan(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

type stubAlignments struct {
	candidates []persistence.CanonicalEventAlignment
}

func (s *stubAlignments) Upsert(context.Context, persistence.CanonicalEventAlignment) error {
	return nil
}
func (s *stubAlignments) Get(context.Context, string) (*persistence.CanonicalEventAlignment, error) {
	return nil, nil
}
func (s *stubAlignments) GetBySportsbookEvent(context.Context, string) (*persistence.CanonicalEventAlignment, error) {
	return nil, nil
}
func (s *stubAlignments) ListScanCandidates(_ context.Context, _ time.Time, limit int) ([]persistence.CanonicalEventAlignment, error) {
	if limit < len(s.candidates) {
		return s.candidates[:limit], nil
	}
	return s.candidates, nil
}

type stubExchangeQuotes struct {
	inserted []persistence.ExchangeQuoteEvent
	dupes    int
}

func (s *stubExchangeQuotes) InsertBatch(_ context.Context, quotes []persistence.ExchangeQuoteEvent) (int, error) {
	s.inserted = append(s.inserted, quotes...)
	n := len(quotes) - s.dupes
	if n < 0 {
		n = 0
	}
	return n, nil
}
func (s *stubExchangeQuotes) ListForKey(context.Context, string, time.Time) ([]persistence.ExchangeQuoteEvent, error) {
	return nil, nil
}
func (s *stubExchangeQuotes) HasFreshQuotes(context.Context, string, time.Time) (bool, error) {
	return false, nil
}

type fakeOdds struct {
	events []oddsapi.Event
	err    error
	budget providers.Budget
	known  bool
	calls  int
}

func (f *fakeOdds) FetchOdds(context.Context, string) ([]oddsapi.Event, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}
func (f *fakeOdds) Credits() (providers.Budget, bool) { return f.budget, f.known }

type fakeExchange struct {
	quotes map[string]*providers.MarketQuote
	errs   map[string]error
	calls  []string
}

func (f *fakeExchange) FetchMarket(_ context.Context, marketID string) (*providers.MarketQuote, error) {
	f.calls = append(f.calls, marketID)
	if err, ok := f.errs[marketID]; ok {
		return nil, err
	}
	return f.quotes[marketID], nil
}

func newTestStore() (*persistence.Store, *stubGames, *stubSnapshots, *stubQuoteMoves, *stubAlignments, *stubExchangeQuotes) {
	games := &stubGames{}
	snaps := &stubSnapshots{}
	moves := &stubQuoteMoves{}
	aligns := &stubAlignments{}
	exch := &stubExchangeQuotes{}
	store := &persistence.Store{
		Games:          games,
		Snapshots:      snaps,
		QuoteMoves:     moves,
		Alignments:     aligns,
		ExchangeQuotes: exch,
	}
	return store, games, snaps, moves, aligns, exch
}
