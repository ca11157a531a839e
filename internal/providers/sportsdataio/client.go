// Package sportsdataio pulls team injury reports from sportsdata.io.
// The feed is optional context for the read API: per-team counts of
// players on the report, cached between polls. It never gates the
// odds pipeline.
package sportsdataio

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

// sportPaths maps odds sport keys to sportsdata.io URL segments.
var sportPaths = map[string]string{
	"basketball_nba":       "nba",
	"basketball_ncaab":     "cbb",
	"americanfootball_nfl": "nfl",
}

// Injury is one row of a sport's injury report.
type Injury struct {
	PlayerID int    `json:"PlayerID"`
	Name     string `json:"Name"`
	Team     string `json:"Team"`
	Position string `json:"Position"`
	Status   string `json:"Status"`
	BodyPart string `json:"BodyPart"`
	Updated  string `json:"Updated"`
}

// Client fetches injury reports. Safe for concurrent use.
type Client struct {
	http *resty.Client
}

// New builds a client from config.
func New(cfg config.SportsdataioConfig) *Client {
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
		}).
		SetQueryParam("key", cfg.APIKey)
	return &Client{http: rc}
}

// SportPath translates an odds sport key into the feed's URL segment.
func SportPath(sportKey string) (string, bool) {
	p, ok := sportPaths[sportKey]
	return p, ok
}

// FetchInjuries retrieves the current injury report for one sport key.
// Unknown sport keys return nil without a request.
func (c *Client) FetchInjuries(ctx context.Context, sportKey string) ([]Injury, error) {
	path, ok := SportPath(sportKey)
	if !ok {
		return nil, nil
	}

	var injuries []Injury
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&injuries).
		Get(fmt.Sprintf("/%s/scores/json/Injuries", path))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s injuries: %w", sportKey, err)
	}
	if err := providers.ClassifyStatus("sportsdataio", resp.StatusCode(), resp.String()); err != nil {
		return nil, err
	}

	log.Debug().
		Str("sport_key", sportKey).
		Int("players", len(injuries)).
		Msg("fetched injury report")
	return injuries, nil
}

// CountByTeam collapses a report into per-team player counts. Rows with
// no team attribution are dropped.
func CountByTeam(injuries []Injury) map[string]int {
	counts := make(map[string]int)
	for _, inj := range injuries {
		team := strings.TrimSpace(inj.Team)
		if team == "" {
			continue
		}
		counts[team]++
	}
	return counts
}
