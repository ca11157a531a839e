package api

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/persistence"
)

func decodeError(t *testing.T, body []byte) errorResponse {
	t.Helper()
	var er errorResponse
	require.NoError(t, json.Unmarshal(body, &er))
	return er
}

func TestProEndpointsRejectFreeCallers(t *testing.T) {
	f := newAPIFixture(t)
	f.clv.summary = &persistence.ClvSummary{Records: 4}

	proPaths := []string{
		"/api/v1/intel/clv",
		"/api/v1/intel/clv/summary",
		"/api/v1/intel/clv/recap",
		"/api/v1/intel/clv/scorecards",
		"/api/v1/intel/books/actionable/batch?signal_ids=a",
	}
	for _, path := range proPaths {
		rec := f.get(path)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
		assert.Equal(t, "pro_required", decodeError(t, rec.Body.Bytes()).Code, path)
	}
}

func TestProKeyAcceptedFromHeaderAndQuery(t *testing.T) {
	f := newAPIFixture(t)
	f.clv.summary = &persistence.ClvSummary{Records: 4}

	rec := f.get("/api/v1/intel/clv/summary", "X-API-Key", "pro-key")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.get("/api/v1/intel/clv/summary?api_key=pro-key")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.get("/api/v1/intel/clv/summary", "X-API-Key", "wrong-key")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFreeTierDelayShapesSignalQueries(t *testing.T) {
	f := newAPIFixture(t)

	before := time.Now().UTC().Add(-time.Duration(f.cfg.API.FreeDelayMinutes) * time.Minute)
	rec := f.get("/api/v1/intel/opportunities")
	require.Equal(t, http.StatusOK, rec.Code)

	cutoff := f.signals.lastFilter.CreatedBefore
	require.False(t, cutoff.IsZero(), "free callers must get a delay cutoff")
	assert.WithinDuration(t, before, cutoff, 5*time.Second)

	rec = f.get("/api/v1/intel/opportunities", "X-API-Key", "pro-key")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.signals.lastFilter.CreatedBefore.IsZero(), "pro callers see fresh signals")
}

func TestInplayGateFollowsConfig(t *testing.T) {
	f := newAPIFixture(t, func(c *config.Config) {
		c.API.TimeBucketExposeInplay = false
	})

	rec := f.get("/api/v1/intel/opportunities")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.signals.lastFilter.ExcludeInplay)

	rec = f.get("/api/v1/intel/opportunities", "X-API-Key", "pro-key")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.signals.lastFilter.ExcludeInplay)
}

func TestPaginationValidation(t *testing.T) {
	f := newAPIFixture(t)

	cases := []struct {
		query string
		code  string
	}{
		{"limit=0", "invalid_limit"},
		{"limit=1001", "invalid_limit"},
		{"limit=abc", "invalid_limit"},
		{"offset=-1", "invalid_offset"},
	}
	for _, tc := range cases {
		rec := f.get("/api/v1/intel/opportunities?" + tc.query)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tc.query)
		assert.Equal(t, tc.code, decodeError(t, rec.Body.Bytes()).Code, tc.query)
	}

	rec := f.get("/api/v1/intel/opportunities")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultLimit, f.signals.lastFilter.Limit)
	assert.Equal(t, 0, f.signals.lastFilter.Offset)
}

func TestFilterValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get("/api/v1/intel/opportunities?signal_type=BOGUS")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_signal_type", decodeError(t, rec.Body.Bytes()).Code)

	rec = f.get("/api/v1/intel/opportunities?market=moneyline")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_market", decodeError(t, rec.Body.Bytes()).Code)

	rec = f.get("/api/v1/intel/opportunities?sport_key=soccer_epl")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_sport_key", decodeError(t, rec.Body.Bytes()).Code)

	rec = f.get("/api/v1/intel/clv?since_days=500&api_key=pro-key")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_since_days", decodeError(t, rec.Body.Bytes()).Code)
}

func TestUnknownRouteGetsStandardBody(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get("/api/v1/intel/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	er := decodeError(t, rec.Body.Bytes())
	assert.Equal(t, "endpoint_not_found", er.Code)
	assert.NotEmpty(t, er.RequestID)
}

func TestRequestIDPropagates(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.get("/api/v1/intel/opportunities")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)
}

func TestCORSHonorsConfiguredOrigins(t *testing.T) {
	f := newAPIFixture(t, func(c *config.Config) {
		c.API.CORSOrigins = []string{"https://app.stratum.dev"}
	})

	rec := f.get("/api/v1/intel/opportunities", "Origin", "https://app.stratum.dev")
	assert.Equal(t, "https://app.stratum.dev", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.get("/api/v1/intel/opportunities", "Origin", "https://evil.example")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSignalVisibleAppliesFreeRules(t *testing.T) {
	f := newAPIFixture(t, func(c *config.Config) {
		c.API.TimeBucketExposeInplay = false
	})
	now := time.Now().UTC()
	f.signals.byID["fresh"] = persistence.Signal{ID: "fresh", EventID: "E1", Market: domain.MarketSpreads, CreatedAt: now}
	f.signals.byID["aged"] = persistence.Signal{ID: "aged", EventID: "E1", Market: domain.MarketSpreads, CreatedAt: now.Add(-time.Hour)}
	f.signals.byID["live"] = persistence.Signal{ID: "live", EventID: "E1", Market: domain.MarketSpreads, TimeBucket: domain.BucketInPlay, CreatedAt: now.Add(-time.Hour)}

	rec := f.get("/api/v1/intel/books/actionable?signal_id=fresh")
	assert.Equal(t, http.StatusForbidden, rec.Code, "fresh signal hidden from free tier")

	rec = f.get("/api/v1/intel/books/actionable?signal_id=live")
	assert.Equal(t, http.StatusForbidden, rec.Code, "in-play signal hidden when gated")

	rec = f.get("/api/v1/intel/books/actionable?signal_id=aged")
	assert.Equal(t, http.StatusOK, rec.Code, "aged pregame signal visible")

	rec = f.get("/api/v1/intel/books/actionable?signal_id=fresh", "X-API-Key", "pro-key")
	assert.Equal(t, http.StatusOK, rec.Code, "pro sees everything")
}
