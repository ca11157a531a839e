package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratumlabs/stratum/internal/alerts"
	"github.com/stratumlabs/stratum/internal/api"
	"github.com/stratumlabs/stratum/internal/clv"
	"github.com/stratumlabs/stratum/internal/consensus"
	"github.com/stratumlabs/stratum/internal/crossmarket"
	"github.com/stratumlabs/stratum/internal/engine"
	"github.com/stratumlabs/stratum/internal/ingest"
	"github.com/stratumlabs/stratum/internal/kv"
	"github.com/stratumlabs/stratum/internal/metrics"
	"github.com/stratumlabs/stratum/internal/persistence/postgres"
	"github.com/stratumlabs/stratum/internal/providers/kalshi"
	"github.com/stratumlabs/stratum/internal/providers/oddsapi"
	"github.com/stratumlabs/stratum/internal/providers/polymarket"
	"github.com/stratumlabs/stratum/internal/providers/sportsdataio"
	"github.com/stratumlabs/stratum/internal/retention"
	"github.com/stratumlabs/stratum/internal/signals"
	"github.com/stratumlabs/stratum/internal/structural"
)

// runServe wires the full service: Postgres, Redis, provider clients, the
// cycle engine with its detector suite, the CLV job, the retention sweeper,
// the alert dispatcher, and the read API. Everything shares one signal-bound
// context; the engine finishes its in-flight cycle and the dispatcher drains
// before the process exits.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	log.Info().Str("env", cfg.Env).Str("version", version).Msg("stratum starting")

	db, err := postgres.NewManager(cfg.Database)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()

	kvStore, err := kv.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer kvStore.Close()

	m := metrics.NewRegistry()
	store := db.Store()
	odds := oddsapi.New(cfg.OddsAPI)

	// Optional feeds stay nil interfaces when disabled so downstream nil
	// checks see them as absent.
	var injuryFeed api.InjuryFeed
	if cfg.Sportsdataio.Enabled {
		injuryFeed = sportsdataio.New(cfg.Sportsdataio)
	}
	var poly ingest.ExchangeClient
	if cfg.Polymarket.Enabled {
		poly = polymarket.New(cfg.Polymarket)
	}

	dispatcher := alerts.New(store, kvStore, cfg.Webhooks, m)
	eng := engine.New(cfg, store, kvStore, engine.Deps{
		Ingestor:   ingest.NewIngestor(store, kvStore, odds, cfg),
		Exchange:   ingest.NewExchangeIngestor(store, kalshi.New(cfg.Kalshi), poly, cfg),
		Consensus:  consensus.New(store, cfg.Consensus),
		Detector:   signals.New(store, kvStore, cfg.Signals),
		Structural: structural.New(store),
		Correlator: crossmarket.NewCorrelator(store, cfg.Signals.ExchangeDivergence),
		Dispatcher: dispatcher,
		Clv:        clv.New(store, odds, cfg.CLV),
	}, m)

	sweeper := retention.New(store, cfg.Retention, cfg.CLV.RetentionDays, m)
	server := api.NewServer(cfg, api.Deps{
		Store:    store,
		KV:       kvStore,
		DB:       db,
		Breaker:  eng.Breaker(),
		Injuries: injuryFeed,
		Metrics:  m,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatcher.Start()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); eng.Run(runCtx) }()
	go func() { defer wg.Done(); eng.RunCLV(runCtx) }()
	go func() { defer wg.Done(); sweeper.Run(runCtx) }()

	serveErr := server.Run(runCtx)

	// A listener failure lands here with the context still live; cancel so
	// the background loops wind down before the drain.
	cancel()
	wg.Wait()
	dispatcher.Drain()

	if serveErr != nil {
		return fmt.Errorf("api server: %w", serveErr)
	}
	log.Info().Msg("stratum stopped")
	return nil
}
