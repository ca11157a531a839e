package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/persistence"
	"github.com/stratumlabs/stratum/internal/providers/sportsdataio"
)

// injuryCacheTTL bounds how long a sport's injury counts serve from KV
// before the feed is polled again.
const injuryCacheTTL = 15 * time.Minute

// BookOffer is the best available quote for one outcome.
type BookOffer struct {
	OutcomeName string    `json:"outcome_name"`
	Sportsbook  string    `json:"sportsbook"`
	Line        *float64  `json:"line,omitempty"`
	Price       int       `json:"price"`
	BooksQuoted int       `json:"books_quoted"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// BookCard is the actionable view of one signal: best quote per outcome
// next to the current consensus.
type BookCard struct {
	SignalID      string                                `json:"signal_id"`
	EventID       string                                `json:"event_id"`
	Market        string                                `json:"market"`
	SignalType    string                                `json:"signal_type"`
	StrengthScore int                                   `json:"strength_score"`
	Game          *persistence.Game                     `json:"game,omitempty"`
	Offers        []BookOffer                           `json:"offers"`
	Consensus     []persistence.MarketConsensusSnapshot `json:"consensus"`
	InjuryCounts  map[string]int                        `json:"injury_counts,omitempty"`
	GeneratedAt   time.Time                             `json:"generated_at"`
}

// ActionableBook handles GET /api/v1/intel/books/actionable?signal_id=.
func (h *Handlers) ActionableBook(w http.ResponseWriter, r *http.Request) {
	signalID := r.URL.Query().Get("signal_id")
	if signalID == "" {
		h.writeError(w, r, http.StatusBadRequest, "missing_signal_id", "signal_id is required")
		return
	}

	sig, err := h.store.Signals.Get(r.Context(), signalID)
	if err != nil {
		log.Error().Err(err).Str("signal_id", signalID).Msg("signal lookup failed")
		h.writeError(w, r, http.StatusInternalServerError, "storage_error", "signal lookup failed")
		return
	}
	if sig == nil {
		h.writeError(w, r, http.StatusNotFound, "signal_not_found", "no signal with that id")
		return
	}
	if !h.signalVisible(r, sig) {
		h.writeError(w, r, http.StatusForbidden, "pro_required", "this signal is not yet available on the free tier")
		return
	}

	card, err := h.buildBookCard(r.Context(), *sig)
	if err != nil {
		log.Error().Err(err).Str("signal_id", signalID).Msg("book card build failed")
		h.writeError(w, r, http.StatusInternalServerError, "storage_error", "book card build failed")
		return
	}
	h.writeJSON(w, http.StatusOK, card)
}

// ActionableBatch handles GET /api/v1/intel/books/actionable/batch. Pro
// only; signal_ids is comma-separated, capped at 25.
func (h *Handlers) ActionableBatch(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("signal_ids")
	if raw == "" {
		h.writeError(w, r, http.StatusBadRequest, "missing_signal_ids", "signal_ids is required")
		return
	}
	ids := splitIDs(raw)
	if len(ids) == 0 || len(ids) > maxBatchSignals {
		h.writeError(w, r, http.StatusBadRequest, "invalid_signal_ids", "signal_ids must name between 1 and 25 signals")
		return
	}

	sigs, err := h.store.Signals.GetBatch(r.Context(), ids)
	if err != nil {
		log.Error().Err(err).Msg("signal batch lookup failed")
		h.writeError(w, r, http.StatusInternalServerError, "storage_error", "signal lookup failed")
		return
	}

	cards := make([]BookCard, 0, len(sigs))
	for _, sig := range sigs {
		card, err := h.buildBookCard(r.Context(), sig)
		if err != nil {
			log.Warn().Err(err).Str("signal_id", sig.ID).Msg("book card skipped")
			continue
		}
		cards = append(cards, *card)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"cards":        cards,
		"requested":    len(ids),
		"generated_at": time.Now().UTC(),
	})
}

func splitIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

// buildBookCard assembles best-per-outcome quotes for a signal's market.
// Best is the numerically greatest American price, which favors the
// bettor for both underdog and favorite quotes.
func (h *Handlers) buildBookCard(ctx context.Context, sig persistence.Signal) (*BookCard, error) {
	since := time.Now().UTC().Add(-actionableLookback)

	snaps, err := h.store.Snapshots.LatestPerBook(ctx, sig.EventID, sig.Market, since)
	if err != nil {
		return nil, err
	}

	type best struct {
		offer BookOffer
		count int
	}
	byOutcome := make(map[string]*best)
	for _, snap := range snaps {
		b, ok := byOutcome[snap.OutcomeName]
		if !ok {
			b = &best{offer: BookOffer{OutcomeName: snap.OutcomeName, Price: snap.Price, Sportsbook: snap.SportsbookKey, Line: snap.Line, FetchedAt: snap.FetchedAt}}
			byOutcome[snap.OutcomeName] = b
		} else if snap.Price > b.offer.Price {
			b.offer.Sportsbook = snap.SportsbookKey
			b.offer.Price = snap.Price
			b.offer.Line = snap.Line
			b.offer.FetchedAt = snap.FetchedAt
		}
		b.count++
	}

	offers := make([]BookOffer, 0, len(byOutcome))
	for _, b := range byOutcome {
		b.offer.BooksQuoted = b.count
		offers = append(offers, b.offer)
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].OutcomeName < offers[j].OutcomeName })

	consensus, err := h.store.Consensus.LatestForEvent(ctx, sig.EventID, sig.Market, since)
	if err != nil {
		return nil, err
	}

	card := &BookCard{
		SignalID:      sig.ID,
		EventID:       sig.EventID,
		Market:        string(sig.Market),
		SignalType:    string(sig.SignalType),
		StrengthScore: sig.StrengthScore,
		Offers:        offers,
		Consensus:     consensus,
		GeneratedAt:   time.Now().UTC(),
	}

	game, err := h.store.Games.Get(ctx, sig.EventID)
	if err != nil {
		log.Warn().Err(err).Str("event_id", sig.EventID).Msg("game lookup failed for book card")
	} else if game != nil {
		card.Game = game
		card.InjuryCounts = h.injuryCounts(ctx, game.SportKey)
	}
	return card, nil
}

// injuryCounts returns cached per-team injury counts for a sport, keyed
// by the feed's team codes. Every failure degrades to nil; the card is
// complete without it.
func (h *Handlers) injuryCounts(ctx context.Context, sportKey string) map[string]int {
	if h.injuries == nil {
		return nil
	}

	key := h.kv.Key("injuries", sportKey)
	if raw, ok, err := h.kv.LastValue(ctx, key); err == nil && ok {
		var counts map[string]int
		if err := json.Unmarshal([]byte(raw), &counts); err == nil {
			return counts
		}
	}

	injuries, err := h.injuries.FetchInjuries(ctx, sportKey)
	if err != nil {
		log.Warn().Err(err).Str("sport_key", sportKey).Msg("injury feed unavailable")
		return nil
	}
	if injuries == nil {
		return nil
	}

	counts := sportsdataio.CountByTeam(injuries)
	if data, err := json.Marshal(counts); err == nil {
		if err := h.kv.SetLastValue(ctx, key, string(data), injuryCacheTTL); err != nil {
			log.Warn().Err(err).Msg("injury cache write failed")
		}
	}
	return counts
}
