package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rjlee/actual-monzo-pots/internal/config"
	"github.com/rjlee/actual-monzo-pots/internal/events"
	"github.com/rjlee/actual-monzo-pots/internal/history"
	"github.com/rjlee/actual-monzo-pots/internal/ledger"
	"github.com/rjlee/actual-monzo-pots/internal/logging"
	"github.com/rjlee/actual-monzo-pots/internal/mapping"
	"github.com/rjlee/actual-monzo-pots/internal/monzo"
	"github.com/rjlee/actual-monzo-pots/internal/sync"
)

var (
	configDir string
	settings  *config.Settings
)

var rootCmd = &cobra.Command{
	Use:   "monzo-pots",
	Short: "Sync Monzo pot balances into Actual Budget",
	Long: `monzo-pots mirrors Monzo pot balances into Actual Budget accounts.

Each mapped pot tracks the balance it last pushed to the budget. On every
sync the difference between the live pot balance and the budget account is
imported as a single transaction, so the account always matches the pot
without double counting.

Configuration is read from config.yaml in the config directory, overridden
by environment variables (or a .env file in the working directory).

Example usage:
  monzo-pots sync            # Run one sync pass and exit
  monzo-pots daemon          # Run scheduled syncs with the web console`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		settings, err = config.Load(configDir)
		if err != nil {
			return err
		}
		logging.Setup(settings.Log.File, settings.Log.Level)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", ".", "directory containing config.yaml")
}

// collaborators bundles the wired-up services shared by the sync and daemon
// commands.
type collaborators struct {
	store   *mapping.Store
	monzo   *monzo.Client
	session *ledger.Client
	history *history.DB // nil when history is disabled or unavailable
	runner  *sync.Runner
}

func (c *collaborators) close() {
	if c.history != nil {
		if err := c.history.Close(); err != nil {
			logging.New("history").Printf("WARNING: closing history: %v", err)
		}
	}
}

// buildCollaborators wires the mapping store, API clients and sync runner
// from settings. A failed history open is downgraded to a warning; sync
// runs do not depend on it.
func buildCollaborators(cfg *config.Settings, sink events.Sink) (*collaborators, error) {
	if err := cfg.ValidateLedger(); err != nil {
		return nil, err
	}

	store := mapping.NewStore(cfg.MappingFile, logging.New("mapping"))
	monzoClient := monzo.NewClient(cfg.Monzo, logging.New("monzo"))
	session, err := ledger.NewClient(cfg.Ledger, logging.New("ledger"))
	if err != nil {
		return nil, err
	}

	var hist *history.DB
	if cfg.HistoryFile != "" {
		hist, err = history.Open(cfg.HistoryFile)
		if err != nil {
			logging.New("history").Printf("WARNING: run history disabled: %v", err)
			hist = nil
		}
	}

	runner := sync.NewRunner(store, monzoClient, session, hist, logging.New("sync"), sink)
	return &collaborators{
		store:   store,
		monzo:   monzoClient,
		session: session,
		history: hist,
		runner:  runner,
	}, nil
}
