package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ironwolf/localsync/internal/record"
)

// recordView is the printed form of a record.
type recordView struct {
	ID           string         `json:"id" yaml:"id"`
	Fields       map[string]any `json:"fields" yaml:"fields"`
	LastModified int64          `json:"last_modified" yaml:"last_modified"`
	SyncStatus   string         `json:"sync_status" yaml:"sync_status"`
}

func viewOf(rec record.Record) recordView {
	return recordView{
		ID:           rec.ID,
		Fields:       rec.Fields,
		LastModified: rec.LastModified,
		SyncStatus:   string(rec.SyncStatus),
	}
}

// parseSince turns "2h", "2 hours ago", "yesterday" or an RFC 3339 time
// into an absolute time.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", s)
	}
	return r.Time, nil
}

func printRecords(w io.Writer, format string, records []record.Record) error {
	views := make([]recordView, len(records))
	for i, rec := range records {
		views[i] = viewOf(rec)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "yaml":
		data, err := yaml.Marshal(views)
		if err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		_, err = w.Write(data)
		return err
	case "table", "":
		_, err := fmt.Fprintln(w, recordTable(records))
		return err
	default:
		return fmt.Errorf("unknown format %q (want table, json or yaml)", format)
	}
}

func recordTable(records []record.Record) string {
	width := termWidth()
	fieldWidth := 0
	if width > 0 {
		// id, status and modified columns take roughly 60 columns.
		fieldWidth = max(width-60, 20)
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		fields, _ := record.EncodeFields(rec.Fields)
		modified := "-"
		if rec.LastModified > 0 {
			modified = time.UnixMilli(rec.LastModified).Format("2006-01-02 15:04:05")
		}
		rows = append(rows, []string{rec.ID, statusLabel(rec.SyncStatus), modified, truncate(fields, fieldWidth)})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "STATUS", "MODIFIED", "FIELDS").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

func statusLabel(s record.SyncStatus) string {
	switch s {
	case record.StatusSynced:
		return renderPass(string(s))
	case record.StatusPending:
		return renderWarn(string(s))
	case record.StatusConflict:
		return renderFail(string(s))
	}
	return string(s)
}

var getCmd = &cobra.Command{
	Use:     "get <collection> [id]",
	GroupID: "data",
	Short:   "Show cached records",
	Long: `Show records from the local cache. Nothing is fetched from the remote.

Examples:
  lsync get users
  lsync get users u1 --format yaml
  lsync get users --since "2 hours ago"
  lsync get users --status pending --format json`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		format, _ := cmd.Flags().GetString("format")
		collection := args[0]

		if len(args) == 2 {
			rec, err := a.engine.Get(ctx, collection, args[1])
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("%s/%s is not cached", collection, args[1])
			}
			return printRecords(os.Stdout, format, []record.Record{*rec})
		}

		records, err := a.engine.GetData(ctx, collection)
		if err != nil {
			return err
		}
		if since, _ := cmd.Flags().GetString("since"); since != "" {
			t, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}
			records, err = a.db.ModifiedSince(ctx, collection, t.UnixMilli())
			if err != nil {
				return err
			}
		}
		if status, _ := cmd.Flags().GetString("status"); status != "" {
			filtered := records[:0]
			for _, rec := range records {
				if string(rec.SyncStatus) == status {
					filtered = append(filtered, rec)
				}
			}
			records = filtered
		}
		return printRecords(os.Stdout, format, records)
	},
}

// parseFields builds a field map from --set key=value pairs and a --json
// object. Values that parse as JSON keep their type; others are strings.
func parseFields(sets []string, raw string) (map[string]any, error) {
	fields := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, fmt.Errorf("invalid --json object: %w", err)
		}
	}
	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q (want key=value)", kv)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		fields[key] = v
	}
	return fields, nil
}

var putCmd = &cobra.Command{
	Use:     "put <collection> [id]",
	GroupID: "data",
	Short:   "Write a record locally and queue it for the remote",
	Long: `Write a record to the local cache. The write is applied immediately with
status pending and queued for the remote. Without an id a new uuid is used.

Examples:
  lsync put users u1 --set name=Ada --set age=36
  lsync put users --json '{"name":"Grace"}'
  lsync put users u1 --set age=37 --merge --sync`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		sets, _ := cmd.Flags().GetStringArray("set")
		raw, _ := cmd.Flags().GetString("json")
		fields, err := parseFields(sets, raw)
		if err != nil {
			return err
		}

		collection, id := args[0], ""
		if len(args) == 2 {
			id = args[1]
		}
		if merge, _ := cmd.Flags().GetBool("merge"); merge && id != "" {
			existing, err := a.engine.Get(ctx, collection, id)
			if err != nil {
				return err
			}
			if existing != nil {
				for k, v := range fields {
					existing.Fields[k] = v
				}
				fields = existing.Fields
			}
		}

		rec, err := a.engine.UpdateData(ctx, collection, record.New(id, fields))
		if err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s/%s (%s)\n", renderPass("✓"), collection, rec.ID, rec.SyncStatus)
		return pushAfterWrite(cmd, a)
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <collection> <id>",
	GroupID: "data",
	Short:   "Delete a record locally and queue the remote delete",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.engine.DeleteData(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s Deleted %s/%s\n", renderPass("✓"), args[0], args[1])
		return pushAfterWrite(cmd, a)
	},
}

// pushAfterWrite honors --sync. An unreachable remote is not an error; the
// write stays queued.
func pushAfterWrite(cmd *cobra.Command, a *app) error {
	if push, _ := cmd.Flags().GetBool("sync"); !push {
		return nil
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	_, led, err := a.syncOnce(ctx, false)
	switch {
	case err != nil:
		fmt.Printf("%s Not pushed: %v\n", renderWarn("⚠"), err)
	case !led:
		fmt.Printf("%s Another lsync process owns synchronization; it will push the write\n", renderMuted("•"))
	default:
		status := a.engine.SyncStatus()
		fmt.Printf("%s Pushed (%d still queued)\n", renderPass("✓"), status.Pending)
	}
	return nil
}

func init() {
	getCmd.Flags().StringP("format", "f", "table", "Output format: table, json or yaml")
	getCmd.Flags().String("since", "", `Only records modified since this time ("2h", "2 hours ago", RFC 3339)`)
	getCmd.Flags().String("status", "", "Only records with this sync status")

	putCmd.Flags().StringArray("set", nil, "Field as key=value (repeatable)")
	putCmd.Flags().String("json", "", "Fields as a JSON object")
	putCmd.Flags().Bool("merge", false, "Merge into the cached record instead of replacing it")
	putCmd.Flags().Bool("sync", false, "Push to the remote right away")
	deleteCmd.Flags().Bool("sync", false, "Push to the remote right away")

	rootCmd.AddCommand(getCmd, putCmd, deleteCmd)
}

// sortedKeys returns m's keys in order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
