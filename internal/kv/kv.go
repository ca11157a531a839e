// Package kv wraps Redis for the coordination duties the relational store is
// wrong for: last-value dedupe keys, signal cooldowns, persisted breaker
// state, and the pub/sub channels feeding the live stream. Every write is
// either SET EX or SET NX EX; nothing here does read-modify-write.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratumlabs/stratum/internal/config"
)

// breakerStateTTL bounds how long persisted breaker state survives a crash;
// stale state older than this is worthless on restart anyway.
const breakerStateTTL = 24 * time.Hour

// Store is the namespaced Redis client shared by ingestion, signals, the
// engine, and the stream hub.
type Store struct {
	client    *redis.Client
	namespace string
	opTimeout time.Duration
}

// New connects to Redis from config and verifies connectivity.
func New(cfg config.RedisConfig) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	opts.DialTimeout = time.Duration(cfg.DialTimeout) * time.Second
	opts.ReadTimeout = time.Duration(cfg.OpTimeout) * time.Second
	opts.WriteTimeout = time.Duration(cfg.OpTimeout) * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewWithClient(client, cfg.KeyNamespace, time.Duration(cfg.OpTimeout)*time.Second), nil
}

// NewWithClient wraps an existing client; tests inject a redismock client here.
func NewWithClient(client *redis.Client, namespace string, opTimeout time.Duration) *Store {
	if namespace == "" {
		namespace = "stratum"
	}
	if opTimeout <= 0 {
		opTimeout = 3 * time.Second
	}
	return &Store{client: client, namespace: namespace, opTimeout: opTimeout}
}

// Key builds a namespaced key from parts.
func (s *Store) Key(parts ...string) string {
	return s.namespace + ":" + strings.Join(parts, ":")
}

// LastValue returns the stored dedupe value for key, reporting presence.
func (s *Store) LastValue(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// SetLastValue stores a dedupe value with TTL (SET EX).
func (s *Store) SetLastValue(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// AcquireCooldown takes a cooldown slot (SET NX EX) and reports whether this
// caller won it. A false return means the key is still cooling down.
func (s *Store) AcquireCooldown(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	ok, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Delete removes a key. Used by admin tooling to clear a stuck cooldown.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// SaveBreakerState persists a circuit breaker transition so restarts resume
// from the last known state instead of blindly closing the circuit.
func (s *Store) SaveBreakerState(ctx context.Context, name, state string) error {
	return s.SetLastValue(ctx, s.Key("breaker", name), state, breakerStateTTL)
}

// BreakerState returns the persisted breaker state, reporting presence.
func (s *Store) BreakerState(ctx context.Context, name string) (string, bool, error) {
	return s.LastValue(ctx, s.Key("breaker", name))
}

// Publish marshals payload to JSON and publishes it on channel. Subscribers
// are best-effort consumers; a publish failure never fails the cycle.
func (s *Store) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal publish payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on channel. The caller owns the returned
// PubSub and must Close it.
func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.client.Subscribe(ctx, channel)
}

// Ping tests connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close shuts the client down.
func (s *Store) Close() error { return s.client.Close() }
