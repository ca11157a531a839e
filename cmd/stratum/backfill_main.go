package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratumlabs/stratum/internal/clv"
	"github.com/stratumlabs/stratum/internal/persistence/postgres"
	"github.com/stratumlabs/stratum/internal/providers/oddsapi"
)

const backfillTimeout = 15 * time.Minute

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	hours, _ := cmd.Flags().GetInt("hours")
	maxGames, _ := cmd.Flags().GetInt("max-games")

	db, err := postgres.NewManager(cfg.Database)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()

	svc := clv.New(db.Store(), oddsapi.New(cfg.OddsAPI), cfg.CLV)

	ctx, cancel := context.WithTimeout(cmd.Context(), backfillTimeout)
	defer cancel()

	res, err := svc.BackfillMissingCloses(ctx, time.Now().UTC(), hours, maxGames)
	if err != nil {
		return fmt.Errorf("backfill failed: %w", err)
	}

	log.Info().
		Int("examined", res.GamesExamined).
		Int("backfilled", res.GamesBackfilled).
		Int("inferred", res.GamesInferred).
		Int("failed", res.GamesFailed).
		Int("rows", res.RowsUpserted).
		Msg("backfill finished")
	fmt.Printf("Backfilled %d of %d games (%d rows, %d inferred, %d failed)\n",
		res.GamesBackfilled, res.GamesExamined, res.RowsUpserted, res.GamesInferred, res.GamesFailed)
	return nil
}
