package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/persistence"
)

// Consensus handles GET /api/v1/intel/consensus?event_id=&market=.
func (h *Handlers) Consensus(w http.ResponseWriter, r *http.Request) {
	eventID := r.URL.Query().Get("event_id")
	if eventID == "" {
		h.writeError(w, r, http.StatusBadRequest, "missing_event_id", "event_id is required")
		return
	}
	market, perr := parseMarket(r)
	if perr != nil {
		h.writeError(w, r, http.StatusBadRequest, perr.code, perr.msg)
		return
	}
	limit, offset, perr := parseLimitOffset(r)
	if perr != nil {
		h.writeError(w, r, http.StatusBadRequest, perr.code, perr.msg)
		return
	}

	rows, err := h.store.Consensus.ListForEvent(r.Context(), eventID, market, limit, offset)
	if err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("consensus list failed")
		h.writeError(w, r, http.StatusInternalServerError, "storage_error", "consensus lookup failed")
		return
	}
	h.writeList(w, rows, len(rows), limit, offset)
}

// ConsensusLatest handles GET /api/v1/intel/consensus/latest.
func (h *Handlers) ConsensusLatest(w http.ResponseWriter, r *http.Request) {
	limit, offset, perr := parseLimitOffset(r)
	if perr != nil {
		h.writeError(w, r, http.StatusBadRequest, perr.code, perr.msg)
		return
	}

	rows, err := h.store.Consensus.ListLatest(r.Context(), limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("latest consensus list failed")
		h.writeError(w, r, http.StatusInternalServerError, "storage_error", "consensus lookup failed")
		return
	}
	h.writeList(w, rows, len(rows), limit, offset)
}

// ClvList handles GET /api/v1/intel/clv. Pro only.
func (h *Handlers) ClvList(w http.ResponseWriter, r *http.Request) {
	since, perr := parseSinceDays(r, 7)
	if perr != nil {
		h.writeError(w, r, http.StatusBadRequest, perr.code, perr.msg)
		return
	}
	signalType, perr := parseSignalType(r)
	if perr != nil {
		h.writeError(w, r, http.StatusBadRequest, perr.code, perr.msg)
		return
	}
	limit, offset, perr := parseLimitOffset(r)
	if perr != nil {
		h.writeError(w, r, http.StatusBadRequest, perr.code, perr.msg)
		return
	}

	rows, err := h.store.Clv.List(r.Context(), since, signalType, limit, offset)
	if err != nil {
		log.Error().Err(err).Msg("clv list failed")
		h.writeError(w, r, http.StatusInternalServerError, "storage_error", "clv lookup failed")
		return
	}
	h.writeList(w, rows, len(rows), limit, offset)
}

// ClvSummary handles GET /api/v1/intel/clv/summary. Pro only.
func (h *Handlers) ClvSummary(w http.ResponseWriter, r *http.Request) {
	since, perr := parseSinceDays(r, 30)
	if perr != nil {
		h.writeError(w, r, http.StatusBadRequest, perr.code, perr.msg)
		return
	}

	summary, err := h.store.Clv.Summary(r.Context(), since)
	if err != nil {
		log.Error().Err(err).Msg("clv summary failed")
		h.writeError(w, r, http.StatusInternalServerError, "storage_error", "clv summary failed")
		return
	}
	if summary == nil {
		summary = &persistence.ClvSummary{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"summary":      summary,
		"since":        since,
		"generated_at": time.Now().UTC(),
	})
}

// ClvRecap handles GET /api/v1/intel/clv/recap. Pro only.
func (h *Handlers) ClvRecap(w http.ResponseWriter, r *http.Request) {
	since, perr := parseSinceDays(r, 7)
	if perr != nil {
		h.writeError(w, r, http.StatusBadRequest, perr.code, perr.msg)
		return
	}

	rows, err := h.store.Clv.DailyRecap(r.Context(), since)
	if err != nil {
		log.Error().Err(err).Msg("clv recap failed")
		h.writeError(w, r, http.StatusInternalServerError, "storage_error", "clv recap failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"days":         rows,
		"since":        since,
		"generated_at": time.Now().UTC(),
	})
}

// ClvScorecards handles GET /api/v1/intel/clv/scorecards. Pro only.
func (h *Handlers) ClvScorecards(w http.ResponseWriter, r *http.Request) {
	since, perr := parseSinceDays(r, 30)
	if perr != nil {
		h.writeError(w, r, http.StatusBadRequest, perr.code, perr.msg)
		return
	}

	cards, err := h.store.Clv.Scorecards(r.Context(), since)
	if err != nil {
		log.Error().Err(err).Msg("clv scorecards failed")
		h.writeError(w, r, http.StatusInternalServerError, "storage_error", "clv scorecards failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"scorecards":   cards,
		"since":        since,
		"generated_at": time.Now().UTC(),
	})
}

// ClvTeaser handles GET /api/v1/intel/clv/teaser: the free preview of
// CLV performance. Counts and hit rate only, no averages and no rows.
func (h *Handlers) ClvTeaser(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().AddDate(0, 0, -30)

	summary, err := h.store.Clv.Summary(r.Context(), since)
	if err != nil {
		log.Error().Err(err).Msg("clv teaser failed")
		h.writeError(w, r, http.StatusInternalServerError, "storage_error", "clv teaser failed")
		return
	}
	if summary == nil {
		summary = &persistence.ClvSummary{}
	}

	var hitRate *float64
	if summary.MeasuredProb > 0 {
		rate := float64(summary.PositiveProb) / float64(summary.MeasuredProb)
		hitRate = &rate
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"records":           summary.Records,
		"measured":          summary.MeasuredProb,
		"positive_clv_rate": hitRate,
		"window_days":       30,
		"generated_at":      time.Now().UTC(),
	})
}

// SignalQuality handles GET /api/v1/intel/signals/quality.
func (h *Handlers) SignalQuality(w http.ResponseWriter, r *http.Request) {
	since, perr := parseSinceDays(r, 7)
	if perr != nil {
		h.writeError(w, r, http.StatusBadRequest, perr.code, perr.msg)
		return
	}

	rows, err := h.store.Signals.QualityStats(r.Context(), since)
	if err != nil {
		log.Error().Err(err).Msg("signal quality stats failed")
		h.writeError(w, r, http.StatusInternalServerError, "storage_error", "signal quality lookup failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"quality":      rows,
		"since":        since,
		"generated_at": time.Now().UTC(),
	})
}

// SignalWeeklySummary handles GET /api/v1/intel/signals/weekly-summary.
func (h *Handlers) SignalWeeklySummary(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().AddDate(0, 0, -7)

	rows, err := h.store.Signals.WeeklySummary(r.Context(), since)
	if err != nil {
		log.Error().Err(err).Msg("signal weekly summary failed")
		h.writeError(w, r, http.StatusInternalServerError, "storage_error", "weekly summary lookup failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"days":         rows,
		"since":        since,
		"generated_at": time.Now().UTC(),
	})
}

// lifecycleEntry pairs a signal with its CLV outcome, when measured.
type lifecycleEntry struct {
	Signal   persistence.Signal     `json:"signal"`
	Measured bool                   `json:"measured"`
	Clv      *persistence.ClvRecord `json:"clv,omitempty"`
}

// SignalLifecycle handles GET /api/v1/intel/signals/lifecycle: recent
// signals annotated with whether CLV has finalized them yet.
func (h *Handlers) SignalLifecycle(w http.ResponseWriter, r *http.Request) {
	since, perr := parseSinceDays(r, 3)
	if perr != nil {
		h.writeError(w, r, http.StatusBadRequest, perr.code, perr.msg)
		return
	}
	signalType, perr := parseSignalType(r)
	if perr != nil {
		h.writeError(w, r, http.StatusBadRequest, perr.code, perr.msg)
		return
	}
	limit, offset, perr := parseLimitOffset(r)
	if perr != nil {
		h.writeError(w, r, http.StatusBadRequest, perr.code, perr.msg)
		return
	}

	filter := persistence.SignalFilter{
		EventID: r.URL.Query().Get("event_id"),
		Since:   since,
		Limit:   limit,
		Offset:  offset,
	}
	if signalType != "" {
		filter.Types = append(filter.Types, signalType)
	}
	h.shapeSignalFilter(r, &filter)

	sigs, err := h.store.Signals.List(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("lifecycle signal list failed")
		h.writeError(w, r, http.StatusInternalServerError, "storage_error", "signal lookup failed")
		return
	}

	entries := make([]lifecycleEntry, 0, len(sigs))
	for _, sig := range sigs {
		entry := lifecycleEntry{Signal: sig}
		rec, err := h.store.Clv.Get(r.Context(), sig.ID)
		if err != nil {
			log.Warn().Err(err).Str("signal_id", sig.ID).Msg("lifecycle clv lookup failed")
		} else if rec != nil {
			entry.Measured = true
			entry.Clv = rec
		}
		entries = append(entries, entry)
	}
	h.writeList(w, entries, len(entries), limit, offset)
}
