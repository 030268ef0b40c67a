package record

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"strings"
)

// SyncStatus is the synchronization state of a locally cached record.
type SyncStatus string

const (
	StatusPending  SyncStatus = "pending"
	StatusSynced   SyncStatus = "synced"
	StatusConflict SyncStatus = "conflict"
)

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSynced, StatusConflict:
		return true
	}
	return false
}

// ChangeType is the kind of mutation carried by a change event.
type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

// Valid reports whether c is a known change type.
func (c ChangeType) Valid() bool {
	switch c {
	case Added, Modified, Removed:
		return true
	}
	return false
}

// MaxIDLength bounds record ids so they stay usable as file names and URL segments.
const MaxIDLength = 256

// Record is a synchronized application entity.
type Record struct {
	ID           string         `json:"id"`
	Fields       map[string]any `json:"fields"`
	LastModified int64          `json:"last_modified"`
	SyncStatus   SyncStatus     `json:"sync_status,omitempty"`
}

// New returns a record with the given id and fields and no authoritative timestamp.
func New(id string, fields map[string]any) Record {
	return Record{ID: id, Fields: fields}
}

// Validate checks if the Record has valid field values.
func (r *Record) Validate() error {
	if err := ValidateID(r.ID); err != nil {
		return err
	}
	if r.LastModified < 0 {
		return fmt.Errorf("last_modified must not be negative (got %d)", r.LastModified)
	}
	if r.SyncStatus != "" && !r.SyncStatus.Valid() {
		return fmt.Errorf("unknown sync_status %q", r.SyncStatus)
	}
	return nil
}

// ValidateID checks that id can be used as a key in both stores.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("id must be %d bytes or less (got %d)", MaxIDLength, len(id))
	}
	if strings.ContainsAny(id, "/\\ \t\r\n") {
		return fmt.Errorf("id %q must not contain slashes or whitespace", id)
	}
	return nil
}

// Clone returns a deep copy of r. Nested maps and slices are copied through
// a JSON round trip so the clone shares no mutable state with r.
func (r Record) Clone() Record {
	out := r
	if r.Fields == nil {
		return out
	}
	data, err := json.Marshal(r.Fields)
	if err != nil {
		out.Fields = maps.Clone(r.Fields)
		return out
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		out.Fields = maps.Clone(r.Fields)
		return out
	}
	out.Fields = fields
	return out
}

// WithStatus returns a copy of r carrying status s.
func (r Record) WithStatus(s SyncStatus) Record {
	out := r.Clone()
	out.SyncStatus = s
	return out
}

// Equal reports whether a and b have the same id, fields, timestamp and status.
// Fields are compared after JSON normalization, so 1 and 1.0 are equal.
func Equal(a, b Record) bool {
	if a.ID != b.ID || a.LastModified != b.LastModified || a.SyncStatus != b.SyncStatus {
		return false
	}
	return reflect.DeepEqual(normalize(a.Fields), normalize(b.Fields))
}

func normalize(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fields
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return fields
	}
	return out
}

// EncodeFields serializes the field map for storage. A nil map encodes as {}.
func EncodeFields(fields map[string]any) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal fields: %w", err)
	}
	return string(data), nil
}

// DecodeFields parses a stored field map.
func DecodeFields(data string) (map[string]any, error) {
	fields := map[string]any{}
	if data == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
	}
	return fields, nil
}

// Filename returns the canonical filename for this record: {id}.json
func (r *Record) Filename() string {
	return fmt.Sprintf("%s.json", r.ID)
}

// ReadFile reads and parses a record JSON file from the given path.
func ReadFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read record file %s: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record file %s: %w", path, err)
	}

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record file %s: %w", path, err)
	}

	return &rec, nil
}

// WriteFile writes a record to dir/{id}.json with pretty-printed formatting.
func WriteFile(dir string, rec Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid record: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.ID, err)
	}

	path := filepath.Join(dir, rec.Filename())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write record file %s: %w", path, err)
	}

	return nil
}

// ReadDir reads all record files from dir. A missing directory yields no
// records. Invalid files are skipped and reported through skipped.
func ReadDir(dir string, skipped func(name string, err error)) ([]Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("failed to read record directory: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		rec, err := ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			if skipped != nil {
				skipped(entry.Name(), err)
			}
			continue
		}
		records = append(records, *rec)
	}

	return records, nil
}
