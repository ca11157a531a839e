// Package kalshi fetches binary market quotes from the Kalshi trade API
// and normalizes them into the shared YES/NO payload. Kalshi prices are
// integer cents in [1,99]; probability prefers the last trade and falls
// back to the bid/ask midpoint when the market has not traded yet.
package kalshi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/providers"
)

// Market is the subset of Kalshi's market object the pipeline reads.
type Market struct {
	Ticker    string `json:"ticker"`
	Status    string `json:"status"`
	YesBid    int    `json:"yes_bid"`
	YesAsk    int    `json:"yes_ask"`
	NoBid     int    `json:"no_bid"`
	NoAsk     int    `json:"no_ask"`
	LastPrice int    `json:"last_price"`
}

type marketEnvelope struct {
	Market Market `json:"market"`
}

// Client fetches Kalshi markets. Safe for concurrent use.
type Client struct {
	http *resty.Client
}

// New builds a client from config. The API key rides an Authorization
// header; quotes are public on some series, so an empty key still works
// for those.
func New(cfg config.KalshiConfig) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout()).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return providers.RetryableStatus(r.StatusCode())
		})
	if cfg.APIKey != "" {
		rc.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	return &Client{http: rc}
}

// FetchMarket retrieves one market by ticker and normalizes it. A market
// with no usable price yields a quote with zero outcomes, which ingestion
// treats as nothing-to-record rather than an error.
func (c *Client) FetchMarket(ctx context.Context, marketID string) (*providers.MarketQuote, error) {
	var env marketEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&env).
		Get(fmt.Sprintf("/markets/%s", marketID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch kalshi market %s: %w", marketID, err)
	}
	if err := providers.ClassifyStatus("kalshi", resp.StatusCode(), resp.String()); err != nil {
		return nil, err
	}

	quote := Normalize(env.Market, time.Now().UTC())
	if quote.MarketID == "" {
		quote.MarketID = marketID
	}

	log.Debug().
		Str("market_id", quote.MarketID).
		Int("outcomes", len(quote.Outcomes)).
		Msg("fetched kalshi market")
	return quote, nil
}

// Normalize converts a Kalshi market into the shared quote shape. The
// NO probability is the complement of YES so the two sides always sum
// to one even when the venue's books are crossed.
func Normalize(m Market, now time.Time) *providers.MarketQuote {
	quote := &providers.MarketQuote{MarketID: m.Ticker, Timestamp: now}
	yes, ok := yesProbability(m)
	if !ok {
		return quote
	}

	yesPrice := yes * 100
	noPrice := 100 - yesPrice
	quote.Outcomes = []providers.OutcomeQuote{
		{Name: providers.OutcomeYes, Probability: yes, Price: &yesPrice},
		{Name: providers.OutcomeNo, Probability: 1 - yes, Price: &noPrice},
	}
	return quote
}

func yesProbability(m Market) (float64, bool) {
	if m.LastPrice > 0 {
		return float64(m.LastPrice) / 100, true
	}
	if m.YesBid > 0 && m.YesAsk > 0 {
		return (float64(m.YesBid) + float64(m.YesAsk)) / 200, true
	}
	return 0, false
}
