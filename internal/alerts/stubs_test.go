package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redismock/v9"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/domain"
	"github.com/stratumlabs/stratum/internal/kv"
	"github.com/stratumlabs/stratum/internal/metrics"
	"github.com/stratumlabs/stratum/internal/persistence"
)

type stubWebhooks struct {
	mu   sync.Mutex
	subs []persistence.WebhookSubscription
	rows []persistence.WebhookDelivery
}

func (s *stubWebhooks) ListActiveSubscriptions(context.Context) ([]persistence.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persistence.WebhookSubscription(nil), s.subs...), nil
}

func (s *stubWebhooks) InsertDelivery(_ context.Context, d persistence.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, d)
	return nil
}

func (s *stubWebhooks) ListDeliveries(context.Context, string, int) ([]persistence.WebhookDelivery, error) {
	return nil, nil
}

func (s *stubWebhooks) deliveries() []persistence.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persistence.WebhookDelivery(nil), s.rows...)
}

func testWebhookCfg() config.WebhookConfig {
	return config.WebhookConfig{
		MaxRetries:          2,
		InitialDelaySeconds: 0.01,
		BackoffFactor:       1,
		TimeoutSeconds:      2,
		Workers:             2,
		QueueSize:           32,
		DrainTimeoutSeconds: 2,
	}
}

// newTestDispatcher wires a dispatcher around stub storage and a mocked
// KV client. Callers register mock expectations before dispatching.
func newTestDispatcher(subs ...persistence.WebhookSubscription) (*Dispatcher, *stubWebhooks, redismock.ClientMock) {
	hooks := &stubWebhooks{subs: subs}
	store := &persistence.Store{Webhooks: hooks}
	client, mock := redismock.NewClientMock()
	kvs := kv.NewWithClient(client, "stratum", time.Second)
	d := New(store, kvs, testWebhookCfg(), metrics.NewRegistry())
	return d, hooks, mock
}

func newDispatcherWith(hooks *stubWebhooks, cfg config.WebhookConfig) *Dispatcher {
	store := &persistence.Store{Webhooks: hooks}
	client, _ := redismock.NewClientMock()
	kvs := kv.NewWithClient(client, "stratum", time.Second)
	return New(store, kvs, cfg, metrics.NewRegistry())
}

func testSignal() persistence.Signal {
	return persistence.Signal{
		ID:            "sig-1",
		EventID:       "E1",
		Market:        domain.MarketSpreads,
		SignalType:    domain.SignalMove,
		Direction:     domain.DirectionDown,
		FromValue:     -3.0,
		ToValue:       -4.0,
		WindowMinutes: 15,
		BooksAffected: 2,
		TimeBucket:    domain.BucketLate,
		StrengthScore: 72,
		CreatedAt:     time.Date(2025, 11, 2, 17, 45, 0, 0, time.UTC),
		Metadata:      persistence.JSONMap{"window_minutes": 15},
	}
}
