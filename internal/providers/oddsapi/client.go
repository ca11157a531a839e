// Package oddsapi talks to The Odds API v4, the primary sportsbook feed.
// Each response reports the account's remaining request budget in
// x-requests-* headers; the client records that on its pacer so the
// engine can stretch the poll interval before credits run out.
package oddsapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/providers"
)

const (
	headerRemaining = "x-requests-remaining"
	headerUsed      = "x-requests-used"
	headerLast      = "x-requests-last"
)

// Client fetches odds snapshots. Safe for concurrent use.
type Client struct {
	http  *resty.Client
	cfg   config.OddsAPIConfig
	pacer *providers.Pacer
}

// New builds a client from config. Retries are handled inside resty for
// transient statuses only; permanent failures surface immediately.
func New(cfg config.OddsAPIConfig) *Client {
	pacer := providers.NewPacer(cfg.RequestsPerSecond, cfg.RequestBurst)

	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout()).
		SetRetryCount(cfg.RetryAttempts).
		SetRetryWaitTime(cfg.RetryWait()).
		SetRetryMaxWaitTime(cfg.RetryWaitMax()).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return providers.RetryableStatus(r.StatusCode())
		})
	rc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return pacer.Wait(req.Context())
	})

	return &Client{http: rc, cfg: cfg, pacer: pacer}
}

// FetchOdds retrieves current odds for one sport key across the
// configured regions, markets, and bookmaker allowlist.
func (c *Client) FetchOdds(ctx context.Context, sportKey string) ([]Event, error) {
	var events []Event
	resp, err := c.request(ctx).
		SetResult(&events).
		Get(fmt.Sprintf("/sports/%s/odds", sportKey))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch odds for %s: %w", sportKey, err)
	}
	c.recordBudget(resp)
	if err := providers.ClassifyStatus("oddsapi", resp.StatusCode(), resp.String()); err != nil {
		return nil, err
	}

	log.Debug().
		Str("sport_key", sportKey).
		Int("events", len(events)).
		Str("credits_remaining", resp.Header().Get(headerRemaining)).
		Msg("fetched odds snapshot")
	return events, nil
}

// FetchHistorical retrieves the archived odds snapshot nearest to at.
// Used by closing-line backfill when a cycle missed the tipoff window.
func (c *Client) FetchHistorical(ctx context.Context, sportKey string, at time.Time) (*HistoricalSnapshot, error) {
	var snap HistoricalSnapshot
	resp, err := c.request(ctx).
		SetQueryParam("date", at.UTC().Format(time.RFC3339)).
		SetResult(&snap).
		Get(fmt.Sprintf("/historical/sports/%s/odds", sportKey))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch historical odds for %s: %w", sportKey, err)
	}
	c.recordBudget(resp)
	if err := providers.ClassifyStatus("oddsapi", resp.StatusCode(), resp.String()); err != nil {
		return nil, err
	}

	log.Debug().
		Str("sport_key", sportKey).
		Time("requested_at", at).
		Time("snapshot_at", snap.Timestamp).
		Int("events", len(snap.Data)).
		Msg("fetched historical odds snapshot")
	return &snap, nil
}

// Credits returns the budget reported by the most recent response.
func (c *Client) Credits() (providers.Budget, bool) {
	return c.pacer.Budget()
}

func (c *Client) request(ctx context.Context) *resty.Request {
	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("apiKey", c.cfg.APIKey).
		SetQueryParam("regions", c.cfg.Regions).
		SetQueryParam("markets", strings.Join(c.cfg.Markets, ",")).
		SetQueryParam("oddsFormat", "american").
		SetQueryParam("dateFormat", "iso")
	if len(c.cfg.Bookmakers) > 0 {
		req.SetQueryParam("bookmakers", strings.Join(c.cfg.Bookmakers, ","))
	}
	return req
}

func (c *Client) recordBudget(resp *resty.Response) {
	remaining, okR := parseHeaderFloat(resp.Header(), headerRemaining)
	used, okU := parseHeaderFloat(resp.Header(), headerUsed)
	if !okR && !okU {
		return
	}
	last, _ := parseHeaderFloat(resp.Header(), headerLast)
	c.pacer.RecordBudget(remaining, used, last)
}

func parseHeaderFloat(h http.Header, key string) (float64, bool) {
	raw := strings.TrimSpace(h.Get(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
