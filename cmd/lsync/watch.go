package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/ironwolf/localsync/internal/dashboard"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "advanced",
	Short:   "Stream live sync activity from a running dashboard",
	Long: `Connect to the dashboard of a running 'lsync run --dashboard-port N' and
print record changes, sync results and status updates as they happen.

Examples:
  lsync watch --dashboard-port 8701
  lsync watch --url ws://127.0.0.1:8701/ws --status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		url, _ := cmd.Flags().GetString("url")
		if url == "" {
			if cfg.Dashboard.Port == 0 {
				return fmt.Errorf("set --dashboard-port or --url")
			}
			url = fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.Dashboard.Port)
		}
		showStatus, _ := cmd.Flags().GetBool("status")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", url, err)
		}
		defer conn.CloseNow()

		fmt.Printf("%s Watching %s (Ctrl+C to stop)\n\n", renderAccent("▶"), url)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("dashboard connection closed: %w", err)
			}
			var msg dashboard.Message
			if err := json.Unmarshal(data, &msg); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: unreadable message: %v\n", err)
				continue
			}
			if line := formatMessage(msg, showStatus); line != "" {
				fmt.Println(line)
			}
		}
	},
}

// formatMessage renders one dashboard message as a line. Status messages
// are skipped unless showStatus is set.
func formatMessage(msg dashboard.Message, showStatus bool) string {
	ts := renderMuted(msg.Timestamp.Format("15:04:05"))

	switch msg.Type {
	case dashboard.MessageTypeRecordChange:
		var d dashboard.RecordChangeData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return ""
		}
		return fmt.Sprintf("%s %-8s %s/%s %s", ts, d.Action, d.Collection, d.ID,
			renderMuted(fmt.Sprintf("(%s, %s)", d.Origin, d.SyncStatus)))

	case dashboard.MessageTypeSyncComplete:
		var d dashboard.SyncCompleteData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return ""
		}
		return fmt.Sprintf("%s %s full sync of %s: applied %d, deleted %d, unchanged %d (%s)",
			ts, renderPass("✓"), d.Collection, d.Applied, d.Deleted, d.Unchanged, d.Duration)

	case dashboard.MessageTypeStatus:
		if !showStatus {
			return ""
		}
		var d dashboard.StatusData
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return ""
		}
		online := renderFail("offline")
		if d.IsOnline {
			online = renderPass("online")
		}
		return fmt.Sprintf("%s status %s pending=%d syncing=%v leader=%v", ts, online, d.Pending, d.SyncInProgress, d.Leader)
	}
	return ""
}

func init() {
	watchCmd.Flags().String("url", "", "Dashboard WebSocket URL")
	watchCmd.Flags().Int("dashboard-port", 0, "Port of the local dashboard")
	watchCmd.Flags().Bool("status", false, "Also print periodic status updates")
	rootCmd.AddCommand(watchCmd)
}
