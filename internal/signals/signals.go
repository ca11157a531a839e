// Package signals runs the per-cycle detection rules over candidate events:
// MOVE / KEY_CROSS, MULTIBOOK_SYNC, DISLOCATION, STEAM, LIVE_SHOCK, and
// EXCHANGE_DIVERGENCE. Every emission passes a KV cooldown gate (SET NX EX)
// before it is persisted, so a replayed cycle re-derives the same candidates
// but writes nothing new.
package signals

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/kv"
	"github.com/stratumlabs/stratum/internal/persistence"
)

// Detector evaluates the rule set against the snapshot and consensus ledgers.
type Detector struct {
	store *persistence.Store
	kv    *kv.Store
	cfg   config.SignalsConfig
}

// New wires a detector.
func New(store *persistence.Store, kvStore *kv.Store, cfg config.SignalsConfig) *Detector {
	return &Detector{store: store, kv: kvStore, cfg: cfg}
}

// DetectCycle runs the snapshot-driven rules across the cycle's candidate
// events and returns the signals that were persisted. One event's rule
// failure is logged and skipped so it cannot silence the rest of the cycle.
func (d *Detector) DetectCycle(ctx context.Context, eventIDs []string, now time.Time) ([]persistence.Signal, error) {
	ids := uniqueStrings(eventIDs)
	if len(ids) == 0 {
		return nil, nil
	}

	games, err := d.store.Games.GetBatch(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load games for detection: %w", err)
	}

	var out []persistence.Signal
	for _, eventID := range ids {
		var tip *time.Time
		if g, ok := games[eventID]; ok && !g.CommenceTime.IsZero() {
			t := g.CommenceTime
			tip = &t
		}

		out = append(out, d.detectMoves(ctx, eventID, tip, now)...)
		out = append(out, d.detectMultibook(ctx, eventID, tip, now)...)
		if d.cfg.Dislocation.Enabled {
			out = append(out, d.detectDislocation(ctx, eventID, tip, now)...)
		}
		if d.cfg.Steam.Enabled {
			out = append(out, d.detectSteam(ctx, eventID, tip, now)...)
		}
		if d.cfg.LiveShock.Enabled {
			out = append(out, d.detectLiveShock(ctx, eventID, tip, now)...)
		}
	}

	if len(out) > 0 {
		log.Info().
			Int("signals", len(out)).
			Int("events", len(ids)).
			Msg("detection pass complete")
	}
	return out, nil
}

// emit gates one candidate through its cooldown key and persists it.
// A held cooldown or a KV failure suppresses the signal; an insert failure
// releases the cooldown so the candidate is not lost for the whole TTL.
func (d *Detector) emit(ctx context.Context, sig *persistence.Signal, cooldownKey string, ttl time.Duration) bool {
	acquired, err := d.kv.AcquireCooldown(ctx, cooldownKey, ttl)
	if err != nil {
		log.Warn().Err(err).
			Str("key", cooldownKey).
			Str("signal_type", string(sig.SignalType)).
			Msg("cooldown check failed, suppressing signal")
		return false
	}
	if !acquired {
		log.Debug().
			Str("key", cooldownKey).
			Str("signal_type", string(sig.SignalType)).
			Msg("signal suppressed by cooldown")
		return false
	}

	sig.ID = uuid.NewString()
	if err := d.store.Signals.Insert(ctx, *sig); err != nil {
		if delErr := d.kv.Delete(ctx, cooldownKey); delErr != nil {
			log.Warn().Err(delErr).Str("key", cooldownKey).Msg("cooldown release failed")
		}
		log.Error().Err(err).
			Str("event_id", sig.EventID).
			Str("signal_type", string(sig.SignalType)).
			Msg("signal insert failed")
		return false
	}

	log.Info().
		Str("signal_id", sig.ID).
		Str("event_id", sig.EventID).
		Str("signal_type", string(sig.SignalType)).
		Str("market", string(sig.Market)).
		Str("direction", string(sig.Direction)).
		Int("strength", sig.StrengthScore).
		Msg("signal emitted")
	return true
}

// lineSpan is the earliest and latest usable snapshot for one group inside a
// rule window, plus the distinct books that quoted it.
type lineSpan struct {
	first persistence.OddsSnapshot
	last  persistence.OddsSnapshot
	books map[string]struct{}
	count int
}

func (s *lineSpan) observe(snap persistence.OddsSnapshot) {
	if s.count == 0 {
		s.first = snap
		s.books = make(map[string]struct{})
	}
	s.last = snap
	s.books[snap.SportsbookKey] = struct{}{}
	s.count++
}

func (s *lineSpan) bookList() []string {
	out := make([]string, 0, len(s.books))
	for b := range s.books {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// spanByOutcome folds window snapshots (fetched_at ascending) into one span
// per outcome. requireLine drops lineless rows, which keeps h2h usable.
func spanByOutcome(snaps []persistence.OddsSnapshot, requireLine bool) map[string]*lineSpan {
	spans := make(map[string]*lineSpan)
	for _, snap := range snaps {
		if requireLine && snap.Line == nil {
			continue
		}
		span, ok := spans[snap.OutcomeName]
		if !ok {
			span = &lineSpan{}
			spans[snap.OutcomeName] = span
		}
		span.observe(snap)
	}
	return spans
}

// spanByOutcomeBook folds window snapshots into one span per (outcome, book).
func spanByOutcomeBook(snaps []persistence.OddsSnapshot, requireLine bool) map[string]map[string]*lineSpan {
	spans := make(map[string]map[string]*lineSpan)
	for _, snap := range snaps {
		if requireLine && snap.Line == nil {
			continue
		}
		byBook, ok := spans[snap.OutcomeName]
		if !ok {
			byBook = make(map[string]*lineSpan)
			spans[snap.OutcomeName] = byBook
		}
		span, ok := byBook[snap.SportsbookKey]
		if !ok {
			span = &lineSpan{}
			byBook[snap.SportsbookKey] = span
		}
		span.observe(snap)
	}
	return spans
}

func sortedOutcomes[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cooldownTTL(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = 1800
	}
	return time.Duration(seconds) * time.Second
}

func intOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func intPtr(v int) *int { return &v }
