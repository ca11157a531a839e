package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/domain/errs"
	"github.com/stratumlabs/stratum/internal/kv"
	"github.com/stratumlabs/stratum/internal/metrics"
)

const (
	breakerName    = "odds_provider"
	persistTimeout = 5 * time.Second
)

// Breaker gates provider polling behind a circuit. Transitions persist
// to KV so a restart inside an open window stays dark until the cooldown
// elapses instead of hammering a failing upstream from a fresh process.
type Breaker struct {
	cb      *gobreaker.CircuitBreaker
	kv      *kv.Store
	metrics *metrics.Registry
	openFor time.Duration

	mu        sync.Mutex
	openUntil time.Time
}

// NewBreaker builds the provider circuit from engine config.
func NewBreaker(kvStore *kv.Store, cfg config.EngineConfig, m *metrics.Registry) *Breaker {
	b := &Breaker{
		kv:      kvStore,
		metrics: m,
		openFor: cfg.CircuitOpenDuration(),
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.CircuitOpenDuration(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.CircuitFailuresToOpen)
		},
		OnStateChange: b.onStateChange,
	})
	return b
}

// Restore loads persisted state. Only an unexpired open window changes
// behavior; everything else starts the circuit closed.
func (b *Breaker) Restore(ctx context.Context, now time.Time) {
	raw, ok, err := b.kv.BreakerState(ctx, breakerName)
	if err != nil {
		log.Warn().Err(err).Msg("breaker state restore failed")
		return
	}
	if !ok {
		return
	}

	state, until := parseBreakerState(raw)
	if state == "open" && until.After(now) {
		b.mu.Lock()
		b.openUntil = until
		b.mu.Unlock()
		b.metrics.SetBreakerState("open")
		log.Warn().Time("until", until).Msg("restored open circuit, polling suspended")
	}
}

// Allow reports whether a poll may proceed. A restored open window wins
// until it elapses; past that the live circuit decides.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	if !b.openUntil.IsZero() {
		if now.Before(b.openUntil) {
			b.mu.Unlock()
			return false
		}
		b.openUntil = time.Time{}
		b.mu.Unlock()
		b.metrics.SetBreakerState("closed")
		b.persist("closed", time.Time{})
		return true
	}
	b.mu.Unlock()
	return b.cb.State() != gobreaker.StateOpen
}

// State names the effective circuit state for health reporting.
func (b *Breaker) State() string {
	b.mu.Lock()
	restored := !b.openUntil.IsZero() && time.Now().Before(b.openUntil)
	b.mu.Unlock()
	if restored {
		return "open"
	}
	return b.cb.State().String()
}

// Execute runs fn under the circuit. Only upstream failures count toward
// the trip threshold; internal errors (storage, validation) surface to
// the caller without charging the provider.
func (b *Breaker) Execute(fn func() error) error {
	var soft error
	_, err := b.cb.Execute(func() (interface{}, error) {
		ferr := fn()
		if ferr == nil {
			return nil, nil
		}
		switch errs.KindOf(ferr) {
		case errs.KindUpstreamTransient, errs.KindUpstreamPermanent:
			return nil, ferr
		default:
			soft = ferr
			return nil, nil
		}
	})
	if err != nil {
		return err
	}
	return soft
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	state := to.String()
	b.metrics.SetBreakerState(state)

	evt := log.Warn()
	if to == gobreaker.StateClosed {
		evt = log.Info()
	}
	evt.Str("breaker", name).Str("from", from.String()).Str("to", state).Msg("circuit state changed")

	until := time.Time{}
	if to == gobreaker.StateOpen {
		until = time.Now().UTC().Add(b.openFor)
	}
	b.persist(state, until)
}

// persist writes state on its own context; transitions fired from inside
// a failing cycle must survive that cycle's cancellation.
func (b *Breaker) persist(state string, until time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	payload := state
	if !until.IsZero() {
		payload = fmt.Sprintf("%s|%d", state, until.Unix())
	}
	if err := b.kv.SaveBreakerState(ctx, breakerName, payload); err != nil {
		log.Warn().Err(err).Str("state", state).Msg("persist breaker state failed")
	}
}

// parseBreakerState splits "open|<unix>" into its parts. A bare state
// name has no window.
func parseBreakerState(raw string) (string, time.Time) {
	parts := strings.SplitN(raw, "|", 2)
	if len(parts) == 2 {
		if sec, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			return parts[0], time.Unix(sec, 0).UTC()
		}
	}
	return parts[0], time.Time{}
}
