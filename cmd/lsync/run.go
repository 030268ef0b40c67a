package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ironwolf/localsync/internal/dashboard"
	"github.com/ironwolf/localsync/internal/logging"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the sync engine (foreground)",
	Long: `Run the sync engine in the foreground.

The engine will:
  1. Probe the remote store for connectivity
  2. Push queued local writes whenever the remote is reachable
  3. Follow the remote change feed of every collection
  4. Drain and fully reconcile after every reconnect

With multi_process enabled, only one 'lsync run' per data directory talks
to the remote; others wait for the lock and meanwhile publish local writes
to each other.

With --dashboard-port, a WebSocket dashboard broadcasts record changes and
sync status:
  ws://127.0.0.1:<port>/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if a.cfg.Dashboard.Port > 0 {
			server := dashboard.NewServer(&dashboard.Config{
				Port:   a.cfg.Dashboard.Port,
				Logger: logging.New("dashboard", a.logOut),
			})
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer server.Stop()

			handler := dashboard.NewHandler(server, a.engine, logging.New("dashboard", a.logOut))
			a.engine.SubscribeAll(handler.OnEvent)
			a.engine.OnReconcile(handler.OnSyncComplete)
			go handler.Run(ctx, 2*time.Second)

			fmt.Printf("   Dashboard: ws://%s/ws\n", server.Addr())
		}

		go func() { _ = a.prober.Run(ctx) }()

		if err := a.engine.Start(ctx); err != nil {
			return err
		}

		fmt.Printf("%s Sync engine running\n", renderAccent("▶"))
		fmt.Printf("   Cache: %s\n", a.cfg.DatabasePath())
		fmt.Printf("   Remote: %s\n", a.cfg.RemoteURL)
		fmt.Printf("   Collections: %v\n", a.cfg.Collections)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		<-ctx.Done()
		fmt.Println("\nStopping sync engine...")
		return nil
	},
}

func init() {
	runCmd.Flags().Int("dashboard-port", 0, "Serve the live dashboard on this port (0 disables)")
	runCmd.Flags().Int("queue-max-retries", 0, "Park an entry after this many failed sends (0 retries forever)")
	rootCmd.AddCommand(runCmd)
}
