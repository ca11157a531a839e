// Package polymarket reads YES token order books from the Polymarket
// CLOB API and normalizes the top-of-book midpoint into the shared
// YES/NO quote shape. This feed is optional and off by default; the
// engine only constructs the client when config enables it.
package polymarket

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/providers"
)

// PriceLevel is one book level. The CLOB serves prices and sizes as
// decimal strings.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// BookResponse is the subset of the CLOB book payload the pipeline reads.
// Timestamp is epoch milliseconds as a string.
type BookResponse struct {
	Market    string       `json:"market"`
	AssetID   string       `json:"asset_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp string       `json:"timestamp"`
}

// Client fetches Polymarket books. Book reads are unauthenticated.
type Client struct {
	http *resty.Client
}

// New builds a client from config.
func New(cfg config.PolymarketConfig) *Client {
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
	return &Client{http: rc}
}

// FetchMarket retrieves the YES token's book and normalizes its midpoint.
// A book empty on either side yields a quote with zero outcomes.
func (c *Client) FetchMarket(ctx context.Context, tokenID string) (*providers.MarketQuote, error) {
	var book BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&book).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch polymarket book %s: %w", tokenID, err)
	}
	if err := providers.ClassifyStatus("polymarket", resp.StatusCode(), resp.String()); err != nil {
		return nil, err
	}

	quote := Normalize(tokenID, book, time.Now().UTC())

	log.Debug().
		Str("market_id", quote.MarketID).
		Int("outcomes", len(quote.Outcomes)).
		Msg("fetched polymarket book")
	return quote, nil
}

// Normalize converts a book into the shared quote shape. The YES
// probability is the best bid/ask midpoint; levels are scanned rather
// than trusted to arrive sorted. Prices are dollars in [0,1].
func Normalize(tokenID string, book BookResponse, now time.Time) *providers.MarketQuote {
	quote := &providers.MarketQuote{MarketID: tokenID, Timestamp: bookTime(book.Timestamp, now)}

	bid, bidOK := bestPrice(book.Bids, true)
	ask, askOK := bestPrice(book.Asks, false)
	if !bidOK || !askOK {
		return quote
	}

	// The CLOB quotes fixed-point strings on a tick grid; the midpoint
	// stays in decimal so 0.545 comes out as 0.545, and converts to
	// float once at the quote boundary.
	yes, _ := bid.Add(ask).Div(two).Float64()
	yesPrice := yes
	noPrice := 1 - yes
	quote.Outcomes = []providers.OutcomeQuote{
		{Name: providers.OutcomeYes, Probability: yes, Price: &yesPrice},
		{Name: providers.OutcomeNo, Probability: 1 - yes, Price: &noPrice},
	}
	return quote
}

var two = decimal.NewFromInt(2)

// bestPrice scans levels for the highest (bids) or lowest (asks) parseable
// price. Unparseable levels are skipped, not fatal.
func bestPrice(levels []PriceLevel, wantMax bool) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for _, lvl := range levels {
		p, err := decimal.NewFromString(lvl.Price)
		if err != nil || !p.IsPositive() {
			continue
		}
		if !found || (wantMax && p.GreaterThan(best)) || (!wantMax && p.LessThan(best)) {
			best, found = p, true
		}
	}
	return best, found
}

func bookTime(raw string, fallback time.Time) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.UnixMilli(ms).UTC()
}
