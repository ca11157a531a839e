package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/stratumlabs/stratum/internal/config"
)

const (
	appName = "Stratum"
	version = "v0.8.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	// Dev convenience; deployments set real environment variables.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     "stratum",
		Short:   "Sports betting market intelligence engine",
		Version: version,
		Long: `Stratum polls sportsbook and exchange odds, maintains market consensus,
detects line-movement signals, measures closing line value, and serves
the read API with a live signal stream.`,
	}
	rootCmd.PersistentFlags().String("config", "", "path to YAML config file (env STRATUM_CONFIG)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the poll engine and the read API",
		Long:  "Starts the cycle orchestrator, the CLV job, the retention sweeper, and the HTTP read surface in one process.",
		RunE:  runServe,
	}

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Reconstruct missing closing consensus rows",
		Long:  "One-shot historical backfill for commenced games that produced signals but never stored a close.",
		RunE:  runBackfill,
	}
	backfillCmd.Flags().Int("hours", 0, "lookback hours (0 = config default)")
	backfillCmd.Flags().Int("max-games", 0, "games per run cap (0 = config default)")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep and exit",
		RunE:  runSweep,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// loadConfig resolves the config path from the flag set or STRATUM_CONFIG,
// loads it, and applies the configured log level to the global logger.
func loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	path, _ := fs.GetString("config")
	if path == "" {
		path = os.Getenv("STRATUM_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, keeping info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return cfg, nil
}
