// Package providers holds the outbound HTTP clients and the pacing they
// share. Every upstream call goes through a token-bucket Pacer so a burst
// of sport keys cannot exhaust the per-second allowance, and providers
// that report a request budget in response headers record it here for the
// orchestrator's low-credit decisions.
package providers

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/stratumlabs/stratum/internal/domain/errs"
)

// Budget is the upstream's own view of our remaining request allowance,
// taken from response headers. Costs can be fractional: The Odds API
// charges per region-market combination, so a single call may cost 3.
type Budget struct {
	Remaining float64
	Used      float64
	LastCost  float64
	UpdatedAt time.Time
}

// Pacer combines a local token bucket with the most recent upstream
// budget report. The bucket smooths our own call rate; the budget tells
// the engine when to stretch the poll interval.
type Pacer struct {
	limiter *rate.Limiter

	mu     sync.Mutex
	budget Budget
}

// NewPacer builds a pacer allowing rps sustained requests with the given
// burst. Non-positive inputs fall back to a conservative 1 req/s.
func NewPacer(rps float64, burst int) *Pacer {
	if rps <= 0 {
		rps = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until the bucket grants a token or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// RecordBudget stores the budget parsed from the latest response headers.
func (p *Pacer) RecordBudget(remaining, used, lastCost float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.budget = Budget{
		Remaining: remaining,
		Used:      used,
		LastCost:  lastCost,
		UpdatedAt: time.Now().UTC(),
	}
}

// Budget returns the last recorded budget; ok is false until the first
// successful response has been observed.
func (p *Pacer) Budget() (Budget, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.budget, !p.budget.UpdatedAt.IsZero()
}

// ClassifyStatus maps an upstream HTTP status to the error taxonomy the
// cycle orchestrator consumes. 2xx is nil, 429 and 5xx count as transient
// (they feed the breaker), all other 4xx are permanent.
func ClassifyStatus(provider string, status int, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return errs.Transientf("%s: upstream status %d: %s", provider, status, bodySnippet(body))
	default:
		return errs.Permanentf("%s: upstream status %d: %s", provider, status, bodySnippet(body))
	}
}

// RetryableStatus reports whether a response should be retried in-flight
// rather than surfaced. Matches the transient half of ClassifyStatus.
func RetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func bodySnippet(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return "<empty body>"
	}
	if len(body) > 200 {
		return body[:200]
	}
	return body
}
