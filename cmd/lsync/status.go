package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status",
	Long: `Display the sync status of the local cache.

Shows:
  - Whether the remote is reachable right now
  - Last successful sync and queued outbound work
  - Whether a running 'lsync run' owns synchronization
  - Cached record counts per collection`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		probeCtx, cancel := context.WithTimeout(ctx, a.cfg.Probe.Timeout+time.Second)
		a.prober.ProbeOnce(probeCtx)
		cancel()

		// Leadership here only tells whether another process holds the lock.
		led, err := a.engine.TryLead()
		if err != nil {
			return err
		}
		if led {
			_ = a.engine.Resign()
		}

		status := a.engine.SyncStatus()
		stats, err := a.engine.Queue().Stats(ctx)
		if err != nil {
			return err
		}

		online := renderFail("offline")
		if status.IsOnline {
			online = renderPass("online")
		}
		last := renderMuted("never")
		if !status.LastSyncTimestamp.IsZero() {
			last = fmt.Sprintf("%s (%s ago)", status.LastSyncTimestamp.Format("2006-01-02 15:04:05"),
				time.Since(status.LastSyncTimestamp).Round(time.Second))
		}
		owner := renderMuted("none (run 'lsync run' to sync continuously)")
		if !led {
			owner = renderPass("another lsync process")
		}
		queued := fmt.Sprintf("%d", stats.Total)
		if stats.Parked > 0 {
			queued += renderWarn(fmt.Sprintf(" (%d parked, see 'lsync queue list')", stats.Parked))
		}

		fmt.Printf("\n%s\n\n", renderAccent("Sync Status"))
		fmt.Println(field("Remote", a.cfg.RemoteURL+" "+online))
		fmt.Println(field("Cache", a.cfg.DatabasePath()))
		fmt.Println(field("Last sync", last))
		fmt.Println(field("Queued", queued))
		fmt.Println(field("Sync owner", owner))

		counts := map[string]int{}
		for _, c := range a.engine.Collections() {
			n, err := a.db.Count(ctx, c)
			if err != nil {
				return err
			}
			counts[c] = n
		}
		fmt.Printf("\n%s\n", renderAccent("Collections"))
		for _, c := range sortedKeys(counts) {
			fmt.Println(field("  "+c, fmt.Sprintf("%d records", counts[c])))
		}
		fmt.Println()
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push queued writes and reconcile once",
	Long: `Run one synchronization pass:
  1. Push every due queued write to the remote
  2. Fully reconcile each collection against the remote snapshot

Fails when the remote is not reachable. Does nothing when a running
'lsync run' already owns synchronization.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Printf("%s Syncing with %s...\n", renderAccent("⟳"), a.cfg.RemoteURL)
		start := time.Now()

		results, led, err := a.syncOnce(cmd.Context(), true)
		if err != nil {
			return err
		}
		if !led {
			fmt.Printf("%s Another lsync process owns synchronization\n", renderMuted("•"))
			return nil
		}

		fmt.Printf("%s Sync complete in %v\n", renderPass("✓"), time.Since(start).Round(time.Millisecond))
		for _, r := range results {
			fmt.Printf("   %s: applied %d, deleted %d, unchanged %d, kept pending %d\n",
				r.Collection, r.Applied, r.Deleted, r.Unchanged, r.SkippedPending)
		}
		if n := a.engine.SyncStatus().Pending; n > 0 {
			fmt.Printf("%s %d writes still queued (will retry)\n", renderWarn("⚠"), n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, syncCmd)
}
