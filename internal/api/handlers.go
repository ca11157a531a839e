// Package api serves the read surface: consensus, signal and CLV
// analytics, actionable book cards, public teasers, health, metrics,
// and the live signal stream. Handlers never mutate core rows; the
// single write path is anonymous teaser interaction logging.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/kv"
	"github.com/stratumlabs/stratum/internal/metrics"
	"github.com/stratumlabs/stratum/internal/persistence"
	"github.com/stratumlabs/stratum/internal/providers/sportsdataio"
)

const (
	tierFree = "free"
	tierPro  = "pro"

	defaultLimit = 100
	maxLimit     = 1000

	// actionableLookback bounds the snapshot window a book card reads.
	actionableLookback = 2 * time.Hour

	// opportunityLookback bounds the ranked opportunities feed.
	opportunityLookback = 24 * time.Hour

	maxBatchSignals = 25

	maxTeaserBody = 4 << 10
)

var sportKeyPattern = regexp.MustCompile(`^(basketball_nba|basketball_ncaab|americanfootball_nfl)$`)

// BreakerStatus names the provider circuit state for health reporting.
type BreakerStatus interface {
	State() string
}

// InjuryFeed decorates book cards with team injury counts.
type InjuryFeed interface {
	FetchInjuries(ctx context.Context, sportKey string) ([]sportsdataio.Injury, error)
}

// Handlers carries handler dependencies. Injuries and Breaker may be nil;
// the endpoints degrade without them.
type Handlers struct {
	store    *persistence.Store
	kv       *kv.Store
	cfg      *config.Config
	metrics  *metrics.Registry
	db       persistence.HealthChecker
	breaker  BreakerStatus
	injuries InjuryFeed
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

// errorResponse is the standard error body.
type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// listResponse wraps paginated collections.
type listResponse struct {
	Data      any       `json:"data"`
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Offset    int       `json:"offset"`
	Generated time.Time `json:"generated_at"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID, _ := r.Context().Value(requestIDKey).(string)
	if requestID == "" {
		requestID = "unknown"
	}
	h.writeJSON(w, status, errorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handlers) writeList(w http.ResponseWriter, data any, count, limit, offset int) {
	h.writeJSON(w, http.StatusOK, listResponse{
		Data:      data,
		Count:     count,
		Limit:     limit,
		Offset:    offset,
		Generated: time.Now().UTC(),
	})
}

// NotFound handles unknown routes with the standard error body.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found", "the requested endpoint does not exist")
}

// paramError reports a rejected query parameter.
type paramError struct {
	code string
	msg  string
}

func (e *paramError) Error() string { return e.msg }

func badParam(code, msg string) *paramError { return &paramError{code: code, msg: msg} }

// parseLimitOffset validates pagination: limit 1..1000 defaulting to 100,
// offset >= 0 defaulting to 0.
func parseLimitOffset(r *http.Request) (int, int, *paramError) {
	limit := defaultLimit
	offset := 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxLimit {
			return 0, 0, badParam("invalid_limit", "limit must be an integer between 1 and 1000")
		}
		limit = n
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, 0, badParam("invalid_offset", "offset must be a non-negative integer")
		}
		offset = n
	}
	return limit, offset, nil
}

// parseSignalType validates an optional signal_type filter.
func parseSignalType(r *http.Request) (domain.SignalType, *paramError) {
	raw := r.URL.Query().Get("signal_type")
	if raw == "" {
		return "", nil
	}
	st := domain.SignalType(raw)
	if !st.Valid() {
		return "", badParam("invalid_signal_type", "signal_type must be one of the known signal types")
	}
	return st, nil
}

// parseMarket validates an optional market filter.
func parseMarket(r *http.Request) (domain.Market, *paramError) {
	raw := r.URL.Query().Get("market")
	if raw == "" {
		return "", nil
	}
	m := domain.Market(raw)
	if !m.Valid() {
		return "", badParam("invalid_market", "market must be one of spreads, totals, h2h")
	}
	return m, nil
}

// parseSportKey validates an optional sport_key filter.
func parseSportKey(r *http.Request) (string, *paramError) {
	raw := r.URL.Query().Get("sport_key")
	if raw == "" {
		return "", nil
	}
	if !sportKeyPattern.MatchString(raw) {
		return "", badParam("invalid_sport_key", "sport_key must match a supported league key")
	}
	return raw, nil
}

// parseSinceDays reads an optional since_days window, capped at one year.
func parseSinceDays(r *http.Request, def int) (time.Time, *paramError) {
	days := def
	if raw := r.URL.Query().Get("since_days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			return time.Time{}, badParam("invalid_since_days", "since_days must be an integer between 1 and 365")
		}
		days = n
	}
	return time.Now().UTC().AddDate(0, 0, -days), nil
}

// tier classifies the caller. Pro keys arrive in X-API-Key (query param
// api_key accepted for dashboard iframes); everything else is free.
func (h *Handlers) tier(r *http.Request) string {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	if key == "" {
		return tierFree
	}
	for _, k := range h.cfg.API.ProAPIKeys {
		if k != "" && k == key {
			return tierPro
		}
	}
	return tierFree
}

// requirePro guards pro-only endpoints with a 403 for free callers.
func (h *Handlers) requirePro(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.tier(r) != tierPro {
			h.writeError(w, r, http.StatusForbidden, "pro_required", "this endpoint requires a pro API key")
			return
		}
		next(w, r)
	}
}

// shapeSignalFilter applies the free-tier feed rules: a delay window on
// fresh signals and the in-play bucket gate. Pro callers see everything.
func (h *Handlers) shapeSignalFilter(r *http.Request, f *persistence.SignalFilter) {
	if h.tier(r) == tierPro {
		return
	}
	if h.cfg.API.FreeDelayMinutes > 0 {
		f.CreatedBefore = time.Now().UTC().Add(-time.Duration(h.cfg.API.FreeDelayMinutes) * time.Minute)
	}
	if !h.cfg.API.TimeBucketExposeInplay {
		f.ExcludeInplay = true
	}
}

// signalVisible applies the same free-tier rules to a single fetched
// signal, for the by-ID card paths.
func (h *Handlers) signalVisible(r *http.Request, sig *persistence.Signal) bool {
	if h.tier(r) == tierPro {
		return true
	}
	if h.cfg.API.FreeDelayMinutes > 0 {
		cutoff := time.Now().UTC().Add(-time.Duration(h.cfg.API.FreeDelayMinutes) * time.Minute)
		if sig.CreatedAt.After(cutoff) {
			return false
		}
	}
	if !h.cfg.API.TimeBucketExposeInplay && sig.TimeBucket == domain.BucketInPlay {
		return false
	}
	return true
}
