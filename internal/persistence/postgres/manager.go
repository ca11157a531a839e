// Package postgres implements the persistence repositories over sqlx/lib-pq.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/persistence"
)

// Manager owns the connection pool and the repository set built on it.
type Manager struct {
	db      *sqlx.DB
	timeout time.Duration
	store   *persistence.Store
}

// NewManager opens the pool, verifies connectivity, and wires every repository.
func NewManager(cfg config.DatabaseConfig) (*Manager, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	timeout := cfg.QueryTimeoutDuration()
	return &Manager{
		db:      db,
		timeout: timeout,
		store:   NewStore(db, timeout),
	}, nil
}

// NewStore builds the repository set over an existing pool; tests inject a
// mocked *sqlx.DB here.
func NewStore(db *sqlx.DB, timeout time.Duration) *persistence.Store {
	return &persistence.Store{
		Games:          NewGamesRepo(db, timeout),
		Snapshots:      NewSnapshotsRepo(db, timeout),
		Consensus:      NewConsensusRepo(db, timeout),
		QuoteMoves:     NewQuoteMovesRepo(db, timeout),
		Structural:     NewStructuralRepo(db, timeout),
		Signals:        NewSignalsRepo(db, timeout),
		Alignments:     NewAlignmentsRepo(db, timeout),
		ExchangeQuotes: NewExchangeQuotesRepo(db, timeout),
		CrossMarket:    NewCrossMarketRepo(db, timeout),
		Closing:        NewClosingRepo(db, timeout),
		Clv:            NewClvRepo(db, timeout),
		Kpis:           NewKpiRepo(db, timeout),
		Webhooks:       NewWebhooksRepo(db, timeout),
		Analytics:      NewAnalyticsRepo(db, timeout),
	}
}

// Store returns the repository set.
func (m *Manager) Store() *persistence.Store { return m.store }

// Ping tests connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.db.PingContext(ctx)
}

// Health reports pool state for the health endpoint.
func (m *Manager) Health(ctx context.Context) persistence.Health {
	start := time.Now()
	h := persistence.Health{LastCheck: start}

	if err := m.Ping(ctx); err != nil {
		h.Error = err.Error()
	} else {
		h.Healthy = true
	}
	h.ResponseTimeMS = time.Since(start).Milliseconds()

	stats := m.db.Stats()
	h.ConnectionPool = map[string]int{
		"open":   stats.OpenConnections,
		"in_use": stats.InUse,
		"idle":   stats.Idle,
	}
	return h
}

// Close shuts the pool down.
func (m *Manager) Close() error { return m.db.Close() }
