package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rjlee/actual-monzo-pots/internal/events"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass and exit",
	Long: `Run a single sync pass: fetch pot balances from Monzo, import the
delta for each mapped pot into its budget account, and exit.

Requires a stored Monzo token; run the daemon and connect Monzo through the
web console first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := settings.ValidateMonzo(); err != nil {
			return err
		}

		deps, err := buildCollaborators(settings, events.Nop())
		if err != nil {
			return err
		}
		defer deps.close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		count, err := deps.runner.Run(ctx, "cli")
		if err != nil {
			return err
		}
		fmt.Printf("Applied %d transaction(s)\n", count)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
