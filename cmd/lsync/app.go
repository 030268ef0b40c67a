package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ironwolf/localsync/internal/config"
	"github.com/ironwolf/localsync/internal/connectivity"
	"github.com/ironwolf/localsync/internal/engine"
	"github.com/ironwolf/localsync/internal/localstore"
	"github.com/ironwolf/localsync/internal/logging"
	"github.com/ironwolf/localsync/internal/queue"
	"github.com/ironwolf/localsync/internal/reconcile"
	"github.com/ironwolf/localsync/internal/remote"
)

// loadConfig resolves configuration for cmd from its flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path, cmd.Flags())
}

// app is the set of components a command works with.
type app struct {
	cfg     *config.Config
	logOut  io.WriteCloser
	db      *localstore.DB
	client  *remote.Client
	monitor *connectivity.Monitor
	prober  *connectivity.Prober
	engine  *engine.Engine
}

// openApp builds the engine for cmd. Long-running commands always log;
// one-shot commands log only with --verbose or a log file.
func openApp(cmd *cobra.Command, longRunning bool) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logOut: logging.Output(cfg.Log)}
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet := !longRunning && !verbose && cfg.Log.File == ""

	db, err := localstore.Open(cfg.DatabasePath())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.db = db

	client, err := remote.NewClient(cfg.RemoteURL, nil)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.client = client

	// Offline until the first health check says otherwise.
	a.monitor = connectivity.NewMonitor(false, a.logger("connectivity", quiet))
	a.prober = connectivity.NewProber(a.monitor, connectivity.ProberConfig{
		Check:    client.Ping,
		Interval: cfg.Probe.Interval,
		Timeout:  cfg.Probe.Timeout,
		Logger:   a.logger("probe", quiet),
	})

	ecfg := engine.DefaultConfig()
	ecfg.Collections = cfg.Collections
	ecfg.MultiProcess = cfg.MultiProcess
	ecfg.BatchSize = cfg.Queue.BatchSize
	ecfg.RetryPolicy = queue.RetryPolicy{
		MaxRetries: cfg.Queue.MaxRetries,
		BaseDelay:  cfg.Queue.BaseDelay,
		MaxDelay:   cfg.Queue.MaxDelay,
	}
	ecfg.ProtectPending = cfg.Reconcile.ProtectPending
	ecfg.FeedInitialBackoff = cfg.Feed.InitialBackoff
	ecfg.FeedMaxBackoff = cfg.Feed.MaxBackoff
	ecfg.Logger = a.logger("engine", quiet)

	eng, err := engine.New(ecfg, engine.Deps{
		Store:   db,
		Remote:  client,
		Monitor: a.monitor,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = eng
	return a, nil
}

func (a *app) logger(prefix string, quiet bool) *log.Logger {
	if quiet {
		return logging.Discard()
	}
	return logging.New(prefix, a.logOut)
}

// Close stops the engine and closes the cache.
func (a *app) Close() {
	if a.engine != nil {
		_ = a.engine.Stop()
		_ = a.engine.Resign()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close cache: %v\n", err)
		}
	}
	if a.logOut != nil {
		_ = a.logOut.Close()
	}
}

// syncOnce probes the remote and, if it is reachable and no other process
// leads, drains the queue. With full it also reconciles every collection.
// led is false when another process owns synchronization.
func (a *app) syncOnce(ctx context.Context, full bool) (results []*reconcile.Result, led bool, err error) {
	if !a.prober.ProbeOnce(ctx) {
		return nil, false, fmt.Errorf("remote %s is not reachable", a.cfg.RemoteURL)
	}
	led, err = a.engine.TryLead()
	if err != nil || !led {
		return nil, led, err
	}
	defer func() { _ = a.engine.Resign() }()

	if err := a.engine.Drain(ctx); err != nil {
		return nil, true, err
	}
	if full {
		results, err = a.engine.Reconcile(ctx)
	}
	return results, true, err
}

// resolvePath makes a relative path relative to the data directory.
func resolvePath(cfg *config.Config, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cfg.DataDir, path)
}
