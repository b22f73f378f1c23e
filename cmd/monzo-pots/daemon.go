package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rjlee/actual-monzo-pots/internal/console"
	"github.com/rjlee/actual-monzo-pots/internal/daemon"
	"github.com/rjlee/actual-monzo-pots/internal/events"
	"github.com/rjlee/actual-monzo-pots/internal/ledger"
	"github.com/rjlee/actual-monzo-pots/internal/logging"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run scheduled syncs with the web console",
	Long: `Run the long-lived service: sync on a cron schedule and serve the web
console for connecting Monzo, editing the pot mapping and triggering manual
syncs. Sync progress streams to the console over a WebSocket at /ws.

Example usage:
  monzo-pots daemon                  # Console on the configured port
  monzo-pots daemon --http-port 8080 # Override the console port
  monzo-pots daemon --ui=false       # Scheduler only, no console`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ui, _ := cmd.Flags().GetBool("ui")
		port, _ := cmd.Flags().GetInt("http-port")
		if port != 0 {
			settings.HTTP.Port = port
		}

		// Monzo credentials are only needed once someone connects an
		// account, so a missing client id keeps the console reachable.
		if err := settings.ValidateMonzo(); err != nil {
			logging.New("daemon").Printf("WARNING: %v", err)
		}

		var sink events.Sink = events.Nop()
		var server *console.Server
		var deps *collaborators

		if ui {
			// The console lists budget accounts on its own short-lived
			// sessions, separate from the runner's session.
			accounts, err := ledger.NewClient(settings.Ledger, logging.New("ledger"))
			if err != nil {
				return err
			}
			deps, err = buildCollaborators(settings, events.Nop())
			if err != nil {
				return err
			}
			server = console.NewServer(&console.Config{
				Port:        settings.HTTP.Port,
				AuthEnabled: settings.HTTP.AuthEnabled,
				Password:    settings.Ledger.Password,
				TLSCert:     settings.HTTP.TLSCert,
				TLSKey:      settings.HTTP.TLSKey,
				Logger:      logging.New("console"),
			}, deps.store, deps.runner, deps.monzo, accounts, deps.history)
			sink = server.Sink()
			deps.runner.SetSink(sink)
		} else {
			var err error
			deps, err = buildCollaborators(settings, sink)
			if err != nil {
				return err
			}
		}
		defer deps.close()

		d, err := daemon.New(&daemon.Config{
			Cron:        settings.Sync.Cron,
			Timezone:    settings.Sync.Timezone,
			Disabled:    settings.Sync.Disabled,
			MappingFile: settings.MappingFile,
			Logger:      logging.New("daemon"),
		}, deps.runner, sink)
		if err != nil {
			return err
		}

		if server != nil {
			if err := server.Start(); err != nil {
				return err
			}
			fmt.Printf("Console: http://localhost:%d\n", settings.HTTP.Port)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// Load any stored Monzo token up front so the console reflects
		// the connection state before the first scheduled run.
		if err := deps.monzo.Init(ctx); err != nil {
			logging.New("monzo").Printf("Not yet authenticated: %v", err)
		}

		err = d.Start(ctx)

		if server != nil {
			if stopErr := server.Stop(); stopErr != nil {
				logging.New("console").Printf("Error during shutdown: %v", stopErr)
			}
		}
		return err
	},
}

func init() {
	daemonCmd.Flags().Bool("ui", true, "Serve the web console")
	daemonCmd.Flags().Int("http-port", 0, "Console port (overrides config)")

	rootCmd.AddCommand(daemonCmd)
}
