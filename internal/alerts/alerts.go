// Package alerts delivers detected signals to subscriber webhooks and
// Discord channels. The orchestrator hands batches off and moves on:
// jobs land on a bounded queue, a fixed worker pool drains it, and every
// HTTP attempt leaves an outcome row behind for the audit trail.
package alerts

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/kv"
	"github.com/stratumlabs/stratum/internal/metrics"
	"github.com/stratumlabs/stratum/internal/persistence"
)

const (
	userAgent       = "Stratum-Webhook-Engine/1.0"
	signatureHeader = "X-Stratum-Signature"
	previewLimit    = 1000
	insertTimeout   = 5 * time.Second
)

type jobKind int

const (
	jobWebhook jobKind = iota
	jobDiscord
)

// job is one unit of delivery work: a signed POST to a subscriber URL
// or an embed for its Discord channel.
type job struct {
	kind      jobKind
	sub       persistence.WebhookSubscription
	eventType string
	signalID  string
	body      []byte
	embed     Embed
}

// Stats is the dispatcher's running delivery tally. The orchestrator
// snapshots it around each cycle to fill the KPI row.
type Stats struct {
	Sent    int64
	Failed  int64
	Dropped int64
}

// Dispatcher fans persisted signals out to active subscribers.
type Dispatcher struct {
	store   *persistence.Store
	kv      *kv.Store
	http    *resty.Client
	discord *DiscordNotifier
	cfg     config.WebhookConfig
	metrics *metrics.Registry

	queue chan job
	wg    sync.WaitGroup

	// baseCtx outlives cycle contexts so in-flight deliveries survive
	// the tick that spawned them. Drain cancels it at the deadline.
	baseCtx context.Context
	cancel  context.CancelFunc

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// New builds a dispatcher. Call Start before dispatching and Drain on
// shutdown.
func New(store *persistence.Store, kvStore *kv.Store, cfg config.WebhookConfig, m *metrics.Registry) *Dispatcher {
	baseCtx, cancel := context.WithCancel(context.Background())
	client := resty.New().
		SetTimeout(cfg.Timeout()).
		SetHeader("User-Agent", userAgent).
		SetHeader("Content-Type", "application/json")

	return &Dispatcher{
		store:   store,
		kv:      kvStore,
		http:    client,
		discord: NewDiscordNotifier(cfg.Timeout()),
		cfg:     cfg,
		metrics: m,
		queue:   make(chan job, cfg.QueueSize),
		baseCtx: baseCtx,
		cancel:  cancel,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	log.Info().Int("workers", d.cfg.Workers).Int("queue", cap(d.queue)).Msg("alert dispatcher started")
}

// Drain closes the queue and waits for in-flight deliveries, bounded by
// the configured drain timeout. Past the deadline remaining attempts are
// cancelled.
func (d *Dispatcher) Drain() {
	close(d.queue)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("alert dispatcher drained")
	case <-time.After(d.cfg.DrainTimeout()):
		d.cancel()
		<-done
		log.Warn().Dur("timeout", d.cfg.DrainTimeout()).Msg("alert dispatcher drain timed out, cancelled in-flight deliveries")
	}
}

// Snapshot returns the running delivery tally.
func (d *Dispatcher) Snapshot() Stats {
	return Stats{
		Sent:    d.sent.Load(),
		Failed:  d.failed.Load(),
		Dropped: d.dropped.Load(),
	}
}

// Dispatch enqueues one delivery per (signal, eligible subscriber) plus a
// Discord embed for subscribers that carry a channel URL. Subscriber
// preferences gate eligibility: minimum strength, market gates, and a
// per-subscriber cooldown key in KV. Enqueueing never blocks; a full
// queue drops the job and counts it.
func (d *Dispatcher) Dispatch(ctx context.Context, signals []persistence.Signal) error {
	if len(signals) == 0 {
		return nil
	}

	subs, err := d.store.Webhooks.ListActiveSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	enqueued := 0
	for _, sig := range signals {
		body, err := json.Marshal(NewSignalPayload(sig))
		if err != nil {
			log.Error().Err(err).Str("signal_id", sig.ID).Msg("marshal signal payload")
			continue
		}

		for _, sub := range subs {
			if !d.eligible(ctx, sub, sig) {
				continue
			}

			if d.enqueue(job{
				kind:      jobWebhook,
				sub:       sub,
				eventType: EventSignalDetected,
				signalID:  sig.ID,
				body:      body,
			}) {
				enqueued++
			}

			if sub.DiscordURL != nil && *sub.DiscordURL != "" {
				d.enqueue(job{
					kind:     jobDiscord,
					sub:      sub,
					signalID: sig.ID,
					embed:    SignalEmbed(sig),
				})
			}
		}
	}

	log.Info().
		Int("signals", len(signals)).
		Int("subscribers", len(subs)).
		Int("enqueued", enqueued).
		Msg("alert dispatch")
	return nil
}

// DispatchClv enqueues finalization payloads for freshly computed CLV
// records. Market gates still apply; strength and cooldown do not, the
// subscriber already received the originating signal.
func (d *Dispatcher) DispatchClv(ctx context.Context, records []persistence.ClvRecord) error {
	if len(records) == 0 {
		return nil
	}

	subs, err := d.store.Webhooks.ListActiveSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	for _, rec := range records {
		body, err := json.Marshal(NewClvPayload(rec))
		if err != nil {
			log.Error().Err(err).Str("signal_id", rec.SignalID).Msg("marshal clv payload")
			continue
		}
		for _, sub := range subs {
			if !marketAllowed(sub.MarketGates, string(rec.Market)) {
				continue
			}
			d.enqueue(job{
				kind:      jobWebhook,
				sub:       sub,
				eventType: EventClvFinalized,
				signalID:  rec.SignalID,
				body:      body,
			})
		}
	}
	return nil
}

// eligible applies subscriber preferences to one signal. A KV failure
// suppresses delivery, matching detector cooldown semantics.
func (d *Dispatcher) eligible(ctx context.Context, sub persistence.WebhookSubscription, sig persistence.Signal) bool {
	if sig.StrengthScore < sub.MinStrength {
		return false
	}
	if !marketAllowed(sub.MarketGates, string(sig.Market)) {
		return false
	}
	if sub.CooldownSeconds <= 0 {
		return true
	}

	key := d.kv.Key("cooldown", "alert", sub.ID, sig.EventID, string(sig.SignalType))
	acquired, err := d.kv.AcquireCooldown(ctx, key, time.Duration(sub.CooldownSeconds)*time.Second)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("alert cooldown check failed, suppressing delivery")
		return false
	}
	if !acquired {
		log.Debug().Str("key", key).Str("subscription_id", sub.ID).Msg("alert suppressed by subscriber cooldown")
		return false
	}
	return true
}

func marketAllowed(gates persistence.StringList, market string) bool {
	if len(gates) == 0 {
		return true
	}
	for _, g := range gates {
		if g == market {
			return true
		}
	}
	return false
}

func (d *Dispatcher) enqueue(j job) bool {
	select {
	case d.queue <- j:
		return true
	default:
		d.dropped.Add(1)
		d.metrics.AlertsDropped.Inc()
		log.Warn().
			Str("subscription_id", j.sub.ID).
			Str("signal_id", j.signalID).
			Msg("alert queue full, dropping delivery")
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		switch j.kind {
		case jobDiscord:
			d.deliverDiscord(j)
		default:
			d.deliver(j)
		}
	}
}

func (d *Dispatcher) deliverDiscord(j job) {
	if err := d.discord.SendEmbed(d.baseCtx, *j.sub.DiscordURL, j.embed); err != nil {
		log.Warn().Err(err).
			Str("subscription_id", j.sub.ID).
			Str("signal_id", j.signalID).
			Msg("discord embed failed")
	}
}

// deliver POSTs one signed payload, retrying on 5xx and transport errors
// up to the configured cap. Every attempt writes an outcome row.
func (d *Dispatcher) deliver(j job) {
	signature := "sha256=" + Sign(j.sub.Secret, j.body)
	maxAttempts := d.cfg.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if d.baseCtx.Err() != nil {
			return
		}

		start := time.Now()
		resp, err := d.http.R().
			SetContext(d.baseCtx).
			SetHeader(signatureHeader, signature).
			SetBody(j.body).
			Post(j.sub.URL)
		duration := time.Since(start)

		row := persistence.WebhookDelivery{
			SubscriptionID: j.sub.ID,
			SignalID:       j.signalID,
			EventType:      j.eventType,
			Attempt:        attempt,
			DurationMS:     duration.Milliseconds(),
			CreatedAt:      time.Now().UTC(),
		}

		var retryable bool
		switch {
		case err != nil:
			msg := err.Error()
			row.Error = &msg
			retryable = true
		default:
			code := resp.StatusCode()
			row.StatusCode = &code
			row.BodyPreview = preview(resp.String())
			row.Success = code >= 200 && code < 300
			retryable = code >= 500
		}

		d.recordAttempt(row)

		if row.Success {
			d.sent.Add(1)
			d.metrics.AlertsSent.Inc()
			d.metrics.WebhookDuration.WithLabelValues("ok").Observe(float64(duration.Milliseconds()))
			return
		}

		d.metrics.WebhookDuration.WithLabelValues("error").Observe(float64(duration.Milliseconds()))

		if !retryable || attempt == maxAttempts {
			d.failed.Add(1)
			d.metrics.AlertsFailed.Inc()
			log.Warn().
				Str("subscription_id", j.sub.ID).
				Str("signal_id", j.signalID).
				Int("attempt", attempt).
				Bool("retryable", retryable).
				Msg("webhook delivery failed")
			return
		}

		backoff := d.backoff(attempt)
		select {
		case <-d.baseCtx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// recordAttempt writes the outcome row on its own context so audit rows
// survive cycle cancellation.
func (d *Dispatcher) recordAttempt(row persistence.WebhookDelivery) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()
	if err := d.store.Webhooks.InsertDelivery(ctx, row); err != nil {
		log.Error().Err(err).
			Str("subscription_id", row.SubscriptionID).
			Str("signal_id", row.SignalID).
			Msg("persist delivery outcome")
	}
}

// backoff is initial*factor^(attempt-1) for the attempt that just failed.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	factor := math.Pow(d.cfg.BackoffFactor, float64(attempt-1))
	return time.Duration(float64(d.cfg.InitialDelay()) * factor)
}

// Sign computes the hex HMAC-SHA256 of body under secret. Receivers
// recompute it to authenticate the payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func preview(body string) string {
	if len(body) <= previewLimit {
		return body
	}
	return body[:previewLimit]
}
