package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Health handles GET /healthz. Storage and cache are probed live;
// either failing turns the response 503 so load balancers rotate the
// instance out.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	healthy := true
	checks := make(map[string]any, 3)

	if h.db != nil {
		db := h.db.Health(ctx)
		checks["postgres"] = db
		if !db.Healthy {
			healthy = false
		}
	}

	if h.kv != nil {
		redisCheck := map[string]any{"healthy": true}
		if err := h.kv.Ping(ctx); err != nil {
			redisCheck["healthy"] = false
			redisCheck["error"] = err.Error()
			healthy = false
		}
		checks["redis"] = redisCheck
	}

	if h.breaker != nil {
		checks["odds_provider_breaker"] = map[string]any{"state": h.breaker.State()}
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	h.writeJSON(w, code, map[string]any{
		"status":     status,
		"checks":     checks,
		"checked_at": time.Now().UTC(),
	})
}

// MetricsSnapshot handles GET /metrics/snapshot: the registry flattened
// to a JSON map for dashboards that do not scrape Prometheus.
func (h *Handlers) MetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.metrics.Snapshot()
	if err != nil {
		log.Error().Err(err).Msg("metrics snapshot failed")
		h.writeError(w, r, http.StatusInternalServerError, "metrics_error", "snapshot failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	h.writeJSON(w, http.StatusOK, map[string]any{
		"metrics":      snap,
		"generated_at": time.Now().UTC(),
	})
}
