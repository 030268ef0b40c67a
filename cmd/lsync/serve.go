package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ironwolf/localsync/internal/logging"
	"github.com/ironwolf/localsync/internal/remote"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Run the authoritative remote store",
	Long: `Run the authoritative store that lsync clients synchronize with.

The store is a SQLite database (serve.db, relative to the data directory)
exposed over HTTP with a WebSocket change feed per collection:

  GET    /health
  GET    /v1/collections/{collection}/records
  GET    /v1/collections/{collection}/records/{id}
  PUT    /v1/collections/{collection}/records/{id}
  DELETE /v1/collections/{collection}/records/{id}
  GET    /v1/collections/{collection}/changes?cursor=N   (WebSocket)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out := logging.Output(cfg.Log)
		defer out.Close()

		dbPath := resolvePath(cfg, cfg.Serve.DB)
		store, err := remote.OpenStore(dbPath, logging.New("store", out))
		if err != nil {
			return err
		}
		defer store.Close()

		server := remote.NewServer(store, &remote.ServerConfig{
			Addr:   cfg.Serve.Addr,
			Logger: logging.New("serve", out),
		})
		if err := server.Start(); err != nil {
			return err
		}

		fmt.Printf("%s Remote store listening on http://%s\n", renderAccent("▶"), server.Addr())
		fmt.Printf("   Database: %s\n", dbPath)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down remote store...")
		return server.Stop()
	},
}

func init() {
	serveCmd.Flags().String("serve-addr", "127.0.0.1:8700", "Address to listen on")
	serveCmd.Flags().String("serve-db", "remote.db", "Store database, relative to the data directory")
	rootCmd.AddCommand(serveCmd)
}
