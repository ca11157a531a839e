package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/persistence"
)

// publicTeaserLimit caps the anonymous opportunity feed.
const publicTeaserLimit = 5

type opportunityItem struct {
	Signal persistence.Signal `json:"signal"`
	Game   *persistence.Game  `json:"game,omitempty"`
}

// publicOpportunity is the redacted shape served without auth. It names
// the matchup and the move class but carries no row identifiers.
type publicOpportunity struct {
	SportKey      string    `json:"sport_key"`
	HomeTeam      string    `json:"home_team"`
	AwayTeam      string    `json:"away_team"`
	CommenceTime  time.Time `json:"commence_time"`
	Market        string    `json:"market"`
	SignalType    string    `json:"signal_type"`
	StrengthScore int       `json:"strength_score"`
	TimeBucket    string    `json:"time_bucket"`
	DetectedAt    time.Time `json:"detected_at"`
}

// Opportunities handles GET /api/v1/intel/opportunities: recent signals
// ranked by strength then recency, joined with game context. Free-tier
// callers get the delayed, pregame-only view.
func (h *Handlers) Opportunities(w http.ResponseWriter, r *http.Request) {
	limit, offset, perr := parseLimitOffset(r)
	if perr != nil {
		h.writeError(w, r, http.StatusBadRequest, perr.code, perr.msg)
		return
	}
	market, perr := parseMarket(r)
	if perr != nil {
		h.writeError(w, r, http.StatusBadRequest, perr.code, perr.msg)
		return
	}
	signalType, perr := parseSignalType(r)
	if perr != nil {
		h.writeError(w, r, http.StatusBadRequest, perr.code, perr.msg)
		return
	}
	sportKey, perr := parseSportKey(r)
	if perr != nil {
		h.writeError(w, r, http.StatusBadRequest, perr.code, perr.msg)
		return
	}

	filter := persistence.SignalFilter{
		EventID: r.URL.Query().Get("event_id"),
		Market:  market,
		Since:   time.Now().UTC().Add(-opportunityLookback),
		Limit:   limit,
		Offset:  offset,
	}
	if signalType != "" {
		filter.Types = append(filter.Types, signalType)
	}
	h.shapeSignalFilter(r, &filter)

	sigs, err := h.store.Signals.List(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("opportunity listing failed")
		h.writeError(w, r, http.StatusInternalServerError, "storage_error", "signal listing failed")
		return
	}
	rankSignals(sigs)

	items := make([]opportunityItem, len(sigs))
	for i, sig := range sigs {
		items[i] = opportunityItem{Signal: sig}
	}
	attachGames(r, h.store.Games, items)

	// The sport filter rides on the game join; signals without a joined
	// game cannot prove their sport and drop out when it is set.
	if sportKey != "" {
		kept := items[:0]
		for _, it := range items {
			if it.Game != nil && it.Game.SportKey == sportKey {
				kept = append(kept, it)
			}
		}
		items = kept
	}

	h.writeList(w, items, len(items), limit, offset)
}

// OpportunitiesTeaser handles GET /api/v1/intel/opportunities/teaser.
func (h *Handlers) OpportunitiesTeaser(w http.ResponseWriter, r *http.Request) {
	h.servePublicOpportunities(w, r)
}

// PublicOpportunities handles GET /api/v1/public/teaser/opportunities.
// Same feed as the in-app teaser, mounted where the marketing site can
// reach it without a key.
func (h *Handlers) PublicOpportunities(w http.ResponseWriter, r *http.Request) {
	h.servePublicOpportunities(w, r)
}

// servePublicOpportunities serves the anonymous opportunity feed:
// delay-shaped, pregame unless configured otherwise, optionally limited
// to the structural signal classes, top five by strength.
func (h *Handlers) servePublicOpportunities(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	filter := persistence.SignalFilter{
		Since:         now.Add(-opportunityLookback),
		ExcludeInplay: !h.cfg.API.TimeBucketExposeInplay,
		Limit:         maxLimit,
	}
	if h.cfg.API.FreeDelayMinutes > 0 {
		filter.CreatedBefore = now.Add(-time.Duration(h.cfg.API.FreeDelayMinutes) * time.Minute)
	}

	sigs, err := h.store.Signals.List(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("public opportunity listing failed")
		h.writeError(w, r, http.StatusInternalServerError, "storage_error", "signal listing failed")
		return
	}
	if h.cfg.API.PublicStructuralCore {
		kept := sigs[:0]
		for _, sig := range sigs {
			if sig.SignalType.Structural() {
				kept = append(kept, sig)
			}
		}
		sigs = kept
	}
	rankSignals(sigs)
	if len(sigs) > publicTeaserLimit {
		sigs = sigs[:publicTeaserLimit]
	}

	eventIDs := make([]string, 0, len(sigs))
	seen := make(map[string]bool, len(sigs))
	for _, sig := range sigs {
		if !seen[sig.EventID] {
			seen[sig.EventID] = true
			eventIDs = append(eventIDs, sig.EventID)
		}
	}
	games := map[string]persistence.Game{}
	if len(eventIDs) > 0 {
		games, err = h.store.Games.GetBatch(r.Context(), eventIDs)
		if err != nil {
			log.Warn().Err(err).Msg("game join failed for public teaser")
			games = map[string]persistence.Game{}
		}
	}

	out := make([]publicOpportunity, 0, len(sigs))
	for _, sig := range sigs {
		item := publicOpportunity{
			Market:        string(sig.Market),
			SignalType:    string(sig.SignalType),
			StrengthScore: sig.StrengthScore,
			TimeBucket:    string(sig.TimeBucket),
			DetectedAt:    sig.CreatedAt.Truncate(time.Minute),
		}
		if g, ok := games[sig.EventID]; ok {
			item.SportKey = g.SportKey
			item.HomeTeam = g.HomeTeam
			item.AwayTeam = g.AwayTeam
			item.CommenceTime = g.CommenceTime
		}
		out = append(out, item)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"opportunities": out,
		"window_hours":  int(opportunityLookback.Hours()),
		"generated_at":  now,
	})
}

// rankSignals orders by strength descending, newest first within a tie.
func rankSignals(sigs []persistence.Signal) {
	sort.SliceStable(sigs, func(i, j int) bool {
		if sigs[i].StrengthScore != sigs[j].StrengthScore {
			return sigs[i].StrengthScore > sigs[j].StrengthScore
		}
		return sigs[i].CreatedAt.After(sigs[j].CreatedAt)
	})
}

// attachGames fills Game on each item in one batched lookup. A failed
// join leaves the signals standing on their own.
func attachGames(r *http.Request, repo persistence.GamesRepo, items []opportunityItem) {
	if len(items) == 0 {
		return
	}
	eventIDs := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if !seen[it.Signal.EventID] {
			seen[it.Signal.EventID] = true
			eventIDs = append(eventIDs, it.Signal.EventID)
		}
	}
	games, err := repo.GetBatch(r.Context(), eventIDs)
	if err != nil {
		log.Warn().Err(err).Msg("game join failed for opportunities")
		return
	}
	for i := range items {
		if g, ok := games[items[i].Signal.EventID]; ok {
			gameCopy := g
			items[i].Game = &gameCopy
		}
	}
}
