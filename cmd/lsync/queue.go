package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "advanced",
	Short:   "Inspect and manage the outbound queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued writes",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.engine.Queue().List(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Printf("%s Queue is empty\n", renderPass("✓"))
			return nil
		}

		errWidth := 40
		if w := termWidth(); w > 0 {
			errWidth = max(w-110, 20)
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			state := renderWarn("ready")
			switch {
			case e.Parked:
				state = renderFail("parked")
			case e.NextAttemptAt > time.Now().UnixMilli():
				state = "retry " + time.Until(time.UnixMilli(e.NextAttemptAt)).Round(time.Second).String()
			}
			short := e.ID
			if len(short) > 8 {
				short = short[:8]
			}
			rows = append(rows, []string{
				short,
				string(e.Operation),
				e.Collection + "/" + e.RecordID,
				fmt.Sprintf("%d", e.RetryCount),
				state,
				time.UnixMilli(e.EnqueuedAt).Format("2006-01-02 15:04:05"),
				truncate(e.LastError, errWidth),
			})
		}

		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("ENTRY", "OP", "RECORD", "RETRIES", "STATE", "ENQUEUED", "LAST ERROR").
			Rows(rows...).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return cellStyle
			})
		fmt.Println(t)
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry [entry-id]",
	Short: "Return parked writes to the queue",
	Long: `Unpark writes that exceeded queue.max_retries and reset their retry
count. Without an entry id every parked write is retried.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		id := ""
		if len(args) == 1 {
			id, err = resolveEntry(cmd, a, args[0])
			if err != nil {
				return err
			}
		}
		n, err := a.engine.Queue().Unpark(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("%s %d writes returned to the queue\n", renderPass("✓"), n)
		return nil
	},
}

// resolveEntry expands an entry id prefix as printed by 'queue list'.
func resolveEntry(cmd *cobra.Command, a *app, prefix string) (string, error) {
	entries, err := a.engine.Queue().List(cmd.Context())
	if err != nil {
		return "", err
	}
	match := ""
	for _, e := range entries {
		if len(e.ID) >= len(prefix) && e.ID[:len(prefix)] == prefix {
			if match != "" {
				return "", fmt.Errorf("entry prefix %q is ambiguous", prefix)
			}
			match = e.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no queued entry %q", prefix)
	}
	return match, nil
}

func init() {
	queueCmd.AddCommand(queueListCmd, queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}
