package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/persistence"
)

// kpiWindow is the rollup window for the public health teaser.
const kpiWindow = 24 * time.Hour

// PublicKpis handles GET /api/v1/public/teaser/kpis: a 24h rollup of
// engine activity with no per-cycle rows.
func (h *Handlers) PublicKpis(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()

	summary, err := h.store.Kpis.Summary(r.Context(), now.Add(-kpiWindow))
	if err != nil {
		log.Error().Err(err).Msg("kpi summary failed")
		h.writeError(w, r, http.StatusInternalServerError, "storage_error", "kpi summary failed")
		return
	}
	if summary == nil {
		summary = &persistence.KpiSummary{}
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"kpis":         summary,
		"window_hours": int(kpiWindow.Hours()),
		"generated_at": now,
	})
}

type teaserEventRequest struct {
	SessionKey string              `json:"session_key"`
	EventType  string              `json:"event_type"`
	Payload    persistence.JSONMap `json:"payload"`
}

// TeaserEvent handles POST /api/v1/intel/teaser/events: anonymous
// interaction logging from the teaser surfaces. This is the API's only
// write path.
func (h *Handlers) TeaserEvent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTeaserBody)

	var req teaserEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, http.StatusRequestEntityTooLarge, "body_too_large", "event body exceeds 4KB")
			return
		}
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", "event body must be JSON")
		return
	}

	if req.EventType == "" || len(req.EventType) > 64 {
		h.writeError(w, r, http.StatusBadRequest, "invalid_event_type", "event_type is required and capped at 64 characters")
		return
	}
	if len(req.SessionKey) > 128 {
		h.writeError(w, r, http.StatusBadRequest, "invalid_session_key", "session_key is capped at 128 characters")
		return
	}

	ev := persistence.TeaserEvent{
		SessionKey: req.SessionKey,
		EventType:  req.EventType,
		Payload:    req.Payload,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.Analytics.InsertTeaserEvent(r.Context(), ev); err != nil {
		log.Error().Err(err).Str("event_type", req.EventType).Msg("teaser event insert failed")
		h.writeError(w, r, http.StatusInternalServerError, "storage_error", "event not recorded")
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]any{"status": "recorded"})
}
