// Package ingest owns the write path from upstream feeds into the odds
// ledger: the sportsbook snapshot cycle with its KV last-value dedupe and
// quote-move emission, and the exchange quote scan.
package ingest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/kv"
	"github.com/stratumlabs/stratum/internal/persistence"
	"github.com/stratumlabs/stratum/internal/providers"
	"github.com/stratumlabs/stratum/internal/providers/oddsapi"
)

// OddsProvider is the slice of the odds client the ingestor consumes.
type OddsProvider interface {
	FetchOdds(ctx context.Context, sportKey string) ([]oddsapi.Event, error)
	Credits() (providers.Budget, bool)
}

// IngestResult summarizes one odds ingestion pass.
type IngestResult struct {
	EventsSeen        int
	MalformedEvents   int
	SnapshotsInserted int
	QuoteMoves        int
	EventIDs          []string
	Credits           providers.Budget
	CreditsKnown      bool
}

// Ingestor runs the sportsbook snapshot cycle. A quote is appended only when its
// (line, price) differs from the last value cached per
// (event, book, market, outcome); an observed difference also lands in the
// quote-move ledger with the venue's tier attached.
type Ingestor struct {
	store *persistence.Store
	kv    *kv.Store
	odds  OddsProvider
	tiers *domain.TierTable
	cfg   *config.Config
}

// NewIngestor wires the odds ingestion service.
func NewIngestor(store *persistence.Store, kvStore *kv.Store, odds OddsProvider, cfg *config.Config) *Ingestor {
	return &Ingestor{
		store: store,
		kv:    kvStore,
		odds:  odds,
		tiers: domain.NewTierTable(cfg.VenueTiers),
		cfg:   cfg,
	}
}

// pendingKV is a dedupe key update deferred until the DB batch commits, so
// a failed insert cannot poison the next cycle's comparison.
type pendingKV struct {
	key   string
	value string
}

// IngestCycle fetches every configured sport key, upserts games, appends
// changed snapshots, and emits quote moves. Provider errors abort the pass
// before any snapshot is written; the orchestrator's breaker consumes them.
func (ing *Ingestor) IngestCycle(ctx context.Context) (IngestResult, error) {
	res := IngestResult{}
	now := time.Now().UTC()

	var (
		snaps   []persistence.OddsSnapshot
		moves   []persistence.QuoteMoveEvent
		updates []pendingKV
	)

	for _, sportKey := range ing.cfg.OddsAPI.SportKeys {
		events, err := ing.odds.FetchOdds(ctx, sportKey)
		if err != nil {
			return res, fmt.Errorf("odds fetch for %s: %w", sportKey, err)
		}

		for _, ev := range events {
			if !ev.Valid() {
				res.MalformedEvents++
				log.Warn().
					Str("sport_key", sportKey).
					Str("event_id", ev.ID).
					Msg("skipping malformed provider event")
				continue
			}
			res.EventsSeen++

			if err := ing.store.Games.Upsert(ctx, persistence.Game{
				EventID:      ev.ID,
				SportKey:     sportKey,
				CommenceTime: ev.CommenceTime.UTC(),
				HomeTeam:     ev.HomeTeam,
				AwayTeam:     ev.AwayTeam,
				UpdatedAt:    now,
			}); err != nil {
				return res, fmt.Errorf("game upsert %s: %w", ev.ID, err)
			}
			res.EventIDs = append(res.EventIDs, ev.ID)

			evSnaps, evMoves, evUpdates, err := ing.collectEvent(ctx, sportKey, ev, now)
			if err != nil {
				return res, err
			}
			snaps = append(snaps, evSnaps...)
			moves = append(moves, evMoves...)
			updates = append(updates, evUpdates...)
		}
	}

	if len(snaps) > 0 {
		if err := ing.store.Snapshots.InsertBatch(ctx, snaps); err != nil {
			return res, fmt.Errorf("snapshot batch insert: %w", err)
		}
	}
	if len(moves) > 0 {
		if err := ing.store.QuoteMoves.InsertBatch(ctx, moves); err != nil {
			return res, fmt.Errorf("quote move batch insert: %w", err)
		}
	}
	res.SnapshotsInserted = len(snaps)
	res.QuoteMoves = len(moves)

	// Dedupe keys advance only after the rows they describe are durable.
	ttl := ing.lastValueTTL()
	for _, u := range updates {
		if err := ing.kv.SetLastValue(ctx, u.key, u.value, ttl); err != nil {
			log.Warn().Err(err).Str("key", u.key).Msg("dedupe key update failed")
		}
	}

	if budget, ok := ing.odds.Credits(); ok {
		res.Credits = budget
		res.CreditsKnown = true
	}

	ing.publishOddsUpdate(ctx, res, now)

	log.Info().
		Int("events_seen", res.EventsSeen).
		Int("malformed", res.MalformedEvents).
		Int("snapshots_inserted", res.SnapshotsInserted).
		Int("quote_moves", res.QuoteMoves).
		Float64("credits_remaining", res.Credits.Remaining).
		Msg("odds ingestion pass complete")
	return res, nil
}

// collectEvent walks one event's bookmaker/market/outcome tree and returns
// the snapshots to append, quote moves to emit, and dedupe-key updates to
// apply after commit.
func (ing *Ingestor) collectEvent(ctx context.Context, sportKey string, ev oddsapi.Event, now time.Time) ([]persistence.OddsSnapshot, []persistence.QuoteMoveEvent, []pendingKV, error) {
	var (
		snaps   []persistence.OddsSnapshot
		moves   []persistence.QuoteMoveEvent
		updates []pendingKV
	)

	for _, book := range ev.Bookmakers {
		for _, mkt := range book.Markets {
			market := domain.Market(mkt.Key)
			if !market.Valid() {
				continue
			}
			fetchedAt := quoteTime(mkt.LastUpdate, book.LastUpdate, now)

			for _, out := range mkt.Outcomes {
				if out.Name == "" || out.Price == 0 {
					continue
				}

				key := ing.kv.Key("odds", "last", ev.ID, book.Key, mkt.Key, out.Name)
				cur := encodeQuote(out.Point, out.Price)

				last, seen, err := ing.kv.LastValue(ctx, key)
				if err != nil {
					return nil, nil, nil, fmt.Errorf("dedupe lookup %s: %w", key, err)
				}
				if seen && last == cur {
					continue
				}

				snaps = append(snaps, persistence.OddsSnapshot{
					EventID:       ev.ID,
					SportKey:      sportKey,
					SportsbookKey: book.Key,
					Market:        market,
					OutcomeName:   out.Name,
					Line:          out.Point,
					Price:         out.Price,
					FetchedAt:     fetchedAt,
				})
				updates = append(updates, pendingKV{key: key, value: cur})

				if !seen {
					continue
				}
				oldLine, oldPrice, ok := decodeQuote(last)
				if !ok {
					continue
				}
				moves = append(moves, persistence.QuoteMoveEvent{
					EventID:     ev.ID,
					MarketKey:   market,
					OutcomeName: out.Name,
					Venue:       book.Key,
					VenueTier:   ing.tiers.TierFor(book.Key),
					OldLine:     oldLine,
					NewLine:     out.Point,
					Delta:       lineDelta(oldLine, out.Point),
					OldPrice:    oldPrice,
					NewPrice:    intPtr(out.Price),
					Timestamp:   fetchedAt,
				})
			}
		}
	}
	return snaps, moves, updates, nil
}

// publishOddsUpdate fans the cycle summary out on the odds channel.
// Best-effort: a failed publish is logged, never retried.
func (ing *Ingestor) publishOddsUpdate(ctx context.Context, res IngestResult, at time.Time) {
	if res.SnapshotsInserted == 0 {
		return
	}
	payload := map[string]any{
		"type":               "odds_update",
		"events_seen":        res.EventsSeen,
		"snapshots_inserted": res.SnapshotsInserted,
		"quote_moves":        res.QuoteMoves,
		"event_ids":          res.EventIDs,
		"at":                 at.Format(time.RFC3339),
	}
	if err := ing.kv.Publish(ctx, ing.cfg.Redis.OddsChan, payload); err != nil {
		log.Warn().Err(err).Msg("odds_update publish failed")
	}
}

func (ing *Ingestor) lastValueTTL() time.Duration {
	hours := ing.cfg.Retention.SnapshotHours
	if hours <= 0 {
		hours = 48
	}
	return time.Duration(hours) * time.Hour
}

// quoteTime prefers the market's own update stamp, then the bookmaker's,
// then the cycle clock.
func quoteTime(marketUpdate, bookUpdate, now time.Time) time.Time {
	if !marketUpdate.IsZero() {
		return marketUpdate.UTC()
	}
	if !bookUpdate.IsZero() {
		return bookUpdate.UTC()
	}
	return now
}

// encodeQuote packs a quote into the dedupe-key value: "<line>|<price>",
// line blank for h2h.
func encodeQuote(line *float64, price int) string {
	var l string
	if line != nil {
		l = strconv.FormatFloat(*line, 'f', -1, 64)
	}
	return l + "|" + strconv.Itoa(price)
}

// decodeQuote unpacks a dedupe value written by encodeQuote. Values from
// older formats fail closed: the snapshot is still appended, only the move
// emission is skipped.
func decodeQuote(v string) (*float64, *int, bool) {
	parts := strings.SplitN(v, "|", 2)
	if len(parts) != 2 {
		return nil, nil, false
	}
	price, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, nil, false
	}
	var line *float64
	if parts[0] != "" {
		f, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, nil, false
		}
		line = &f
	}
	return line, &price, true
}

func lineDelta(oldLine, newLine *float64) *float64 {
	if oldLine == nil || newLine == nil {
		return nil
	}
	d := *newLine - *oldLine
	return &d
}

func intPtr(v int) *int { return &v }
