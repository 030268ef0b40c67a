// Package migrate moves collections in and out of the local cache as JSONL
// streams or per-record JSON files, for backup, seeding and inspection.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ironwolf/localsync/internal/record"
)

// Source lists the cached records of a collection. *engine.Engine implements it.
type Source interface {
	GetData(ctx context.Context, collection string) ([]record.Record, error)
}

// Sink stores a record as a local write. *engine.Engine implements it, so
// imported records are queued for upload like any other write.
type Sink interface {
	UpdateData(ctx context.Context, collection string, rec record.Record) (record.Record, error)
}

// ExportOptions contains configuration for an export
type ExportOptions struct {
	Collection string
	ToJSONL    string // Output JSONL file path
	ToDir      string // Output directory for {id}.json files
	Backup     bool   // Keep a timestamped copy of an existing ToJSONL
}

// ExportResult contains statistics about an export
type ExportResult struct {
	Exported      int
	FilesWritten  int
	BackupCreated string
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	Collection string
	FromJSONL  string // Input JSONL file path
	FromDir    string // Input directory of {id}.json files
	DryRun     bool   // Parse and validate without writing
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Read     int
	Imported int
	Errors   []string
}

// ReadJSONL parses one record per line. Blank lines are skipped.
func ReadJSONL(r io.Reader) ([]record.Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var records []record.Record
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec record.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		if rec.Fields == nil {
			rec.Fields = map[string]any{}
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return records, nil
}

// FromJSONL reads a JSONL file.
func FromJSONL(path string) ([]record.Record, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()
	return ReadJSONL(file)
}

// WriteJSONL writes one record per line.
func WriteJSONL(w io.Writer, records []record.Record) error {
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
		}
	}
	return nil
}

// writeFileAtomic writes path through a temp file and rename.
func writeFileAtomic(path string, write func(w io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	bw := bufio.NewWriter(file)
	if err := write(bw); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Export writes every cached record of opts.Collection to ToJSONL, ToDir,
// or both. Records keep their sync status and timestamp.
func Export(ctx context.Context, src Source, opts ExportOptions) (*ExportResult, error) {
	if opts.ToJSONL == "" && opts.ToDir == "" {
		return nil, fmt.Errorf("an output file or directory is required")
	}

	records, err := src.GetData(ctx, opts.Collection)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", opts.Collection, err)
	}
	result := &ExportResult{Exported: len(records)}

	if opts.ToJSONL != "" {
		if opts.Backup {
			if input, err := os.ReadFile(opts.ToJSONL); err == nil {
				backupPath := opts.ToJSONL + ".backup." + time.Now().Format("20060102-150405")
				if err := os.WriteFile(backupPath, input, 0600); err != nil {
					return nil, fmt.Errorf("failed to create backup: %w", err)
				}
				result.BackupCreated = backupPath
			}
		}
		err := writeFileAtomic(opts.ToJSONL, func(w io.Writer) error {
			return WriteJSONL(w, records)
		})
		if err != nil {
			return nil, err
		}
		result.FilesWritten++
	}

	if opts.ToDir != "" {
		for _, rec := range records {
			if err := record.WriteFile(opts.ToDir, rec); err != nil {
				return result, err
			}
			result.FilesWritten++
		}
	}
	return result, nil
}

// Import stores every record from FromJSONL or FromDir as a local write.
// Invalid records are reported in Errors and skipped; the rest still import.
// Sync status and timestamps in the input are ignored.
func Import(ctx context.Context, dst Sink, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	var records []record.Record
	switch {
	case opts.FromJSONL != "":
		recs, err := FromJSONL(opts.FromJSONL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse JSONL: %w", err)
		}
		records = recs
	case opts.FromDir != "":
		recs, err := record.ReadDir(opts.FromDir, func(name string, err error) {
			result.Errors = append(result.Errors, fmt.Sprintf("skipped %s: %v", name, err))
		})
		if err != nil {
			return nil, err
		}
		records = recs
	default:
		return nil, fmt.Errorf("an input file or directory is required")
	}
	result.Read = len(records)

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		in := record.New(rec.ID, rec.Fields)
		// An empty id is assigned by the sink.
		if err := record.ValidateID(in.ID); in.ID != "" && err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("invalid record %q: %v", rec.ID, err))
			continue
		}
		if opts.DryRun {
			result.Imported++
			continue
		}
		if _, err := dst.UpdateData(ctx, opts.Collection, in); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to import %s: %v", rec.ID, err))
			continue
		}
		result.Imported++
	}
	return result, nil
}
