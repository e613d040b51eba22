/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the reward ledger: runs the HTTP server, seeds
  demo data and runs one-off reconciliation.

COMMANDS:
  serve       Start the HTTP server (default when no command is given)
  seed        Insert demo accounts and tasks when absent
  reconcile   Compare balances with the ledger, optionally repair

ENVIRONMENT:
  PORT, DB_DRIVER (sqlite|postgres|memory), DB_PATH, DATABASE_URL,
  REFERENCE_TIMEZONE, RECONCILE_ENABLED, RECONCILE_INTERVAL,
  RECONCILE_REPAIR, CORS_ORIGINS, LOG_LEVEL.
  Flags given on the command line override the environment.

EXAMPLES:
  # Run with file database
  ./server serve --db ./data/rewards.db

  # Run against Postgres
  DATABASE_URL=postgres://... ./server serve --db-driver postgres

  # Repair drifted balances once
  ./server reconcile --repair

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Environment configuration
*/
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/reward-ledger/config"
)

var (
	flagPort        int
	flagDBDriver    string
	flagDBPath      string
	flagDatabaseURL string
	flagRepair      bool

	rootCmd = &cobra.Command{
		Use:           "server",
		Short:         "Points-and-tasks reward ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}

	seedCmd = &cobra.Command{
		Use:   "seed",
		Short: "Insert demo accounts and tasks when absent",
		RunE:  runSeed,
	}

	reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "Compare every balance with its ledger sum",
		RunE:  runReconcile,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.IntVar(&flagPort, "port", 0, "HTTP server port (overrides PORT)")
	pf.StringVar(&flagDBDriver, "db-driver", "", "storage driver: sqlite, postgres or memory (overrides DB_DRIVER)")
	pf.StringVar(&flagDBPath, "db", "", "SQLite database path, \":memory:\" for in-memory (overrides DB_PATH)")
	pf.StringVar(&flagDatabaseURL, "database-url", "", "Postgres connection URL (overrides DATABASE_URL)")

	reconcileCmd.Flags().BoolVar(&flagRepair, "repair", false, "apply corrections to drifted balances")

	rootCmd.AddCommand(serveCmd, seedCmd, reconcileCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment, applies command-line overrides and
// installs the JSON logger as the slog default.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = flagPort
	}
	if flags.Changed("db-driver") {
		cfg.DBDriver = flagDBDriver
	}
	if flags.Changed("db") {
		cfg.DBPath = flagDBPath
	}
	if flags.Changed("database-url") {
		cfg.DatabaseURL = flagDatabaseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}
