package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratumlabs/stratum/internal/metrics"
	"github.com/stratumlabs/stratum/internal/persistence/postgres"
	"github.com/stratumlabs/stratum/internal/retention"
)

const sweepTimeout = 10 * time.Minute

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	db, err := postgres.NewManager(cfg.Database)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()

	sweeper := retention.New(db.Store(), cfg.Retention, cfg.CLV.RetentionDays, metrics.NewRegistry())

	ctx, cancel := context.WithTimeout(cmd.Context(), sweepTimeout)
	defer cancel()

	res, err := sweeper.SweepOnce(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	tables := make([]string, 0, len(res))
	var total int64
	for table, rows := range res {
		tables = append(tables, table)
		total += rows
	}
	sort.Strings(tables)
	for _, table := range tables {
		log.Info().Str("table", table).Int64("rows", res[table]).Msg("swept")
	}
	fmt.Printf("Swept %d rows across %d tables\n", total, len(tables))
	return nil
}
