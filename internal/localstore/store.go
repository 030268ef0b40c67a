// Package localstore provides the durable local record cache.
//
// The cache is an embedded SQLite database opened in WAL mode so several
// local processes can share one file: readers never block the writer and
// every mutation is a single transaction, so no process observes a
// half-applied record.
//
// Architecture:
//   - Database file: <data-dir>/localsync.db
//   - records: one row per (collection, id), fields stored as JSON
//   - Indexes: modification time and sync status per collection
//   - journal: append-only log of local mutations, read by other processes
//   - meta: key/value state (feed cursors, last sync time)
//
// The outbound queue lives in the same database so an optimistic write and
// its queue entry commit together (see Update).
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/ironwolf/localsync/internal/record"
	"github.com/ironwolf/localsync/internal/syncerr"
)

// FileName is the database file name inside the data directory.
const FileName = "localsync.db"

// DB wraps the SQLite connection holding the local cache.
type DB struct {
	conn   *sql.DB
	path   string
	origin string
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates a new database connection at the specified path and
// initializes the schema.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	db, err := localstore.Open(".localsync/localsync.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, syncerr.Storage("open", fmt.Errorf("failed to create database directory: %w", err))
	}

	conn, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, syncerr.Storage("open", fmt.Errorf("failed to open database: %w", err))
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, syncerr.Storage("open", fmt.Errorf("failed to ping database: %w", err))
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:   conn,
		path:   path,
		origin: uuid.NewString(),
	}

	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// DSN builds the connection string for path. Pragmas are applied per
// connection by the driver, so every pooled connection gets them.
func DSN(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(wal)" +
		"&_pragma=synchronous(normal)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"
}

// RawDB returns the underlying sql.DB connection.
// The outbound queue shares it.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Origin identifies this handle in the journal. Each process opening the
// database gets a fresh origin so it can tell its own writes from a peer's.
func (db *DB) Origin() string {
	return db.origin
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return syncerr.Storage("close", fmt.Errorf("failed to close database: %w", err))
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		fields TEXT NOT NULL,  -- JSON object
		last_modified INTEGER NOT NULL DEFAULT 0,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_modified ON records(collection, last_modified);
	CREATE INDEX IF NOT EXISTS idx_records_status ON records(collection, sync_status);

	CREATE TABLE IF NOT EXISTS journal (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		change TEXT NOT NULL,  -- added, modified, removed
		origin TEXT NOT NULL,
		at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbound_queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		operation TEXT NOT NULL,  -- put, delete
		payload TEXT,             -- JSON record snapshot for put
		enqueued_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		parked INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_queue_order
	    ON outbound_queue(parked, retry_count, enqueued_at, seq);
	CREATE INDEX IF NOT EXISTS idx_queue_record ON outbound_queue(collection, record_id, seq);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return syncerr.Storage("init schema", fmt.Errorf("failed to initialize schema: %w", err))
	}

	return nil
}

// Get returns the record with the given id, or nil if it is not cached.
func (db *DB) Get(ctx context.Context, collection, id string) (*record.Record, error) {
	rec, err := getRecord(ctx, db.conn, collection, id)
	if err != nil {
		return nil, syncerr.Storage("get", err)
	}
	return rec, nil
}

// GetAll returns every cached record of collection ordered by id.
func (db *DB) GetAll(ctx context.Context, collection string) ([]record.Record, error) {
	recs, err := queryRecords(ctx, db.conn, `
	SELECT id, fields, last_modified, sync_status FROM records
	WHERE collection = ?
	ORDER BY id ASC`, collection)
	if err != nil {
		return nil, syncerr.Storage("get all", err)
	}
	return recs, nil
}

// ScanByStatus returns records of collection carrying status, ordered by id.
func (db *DB) ScanByStatus(ctx context.Context, collection string, status record.SyncStatus) ([]record.Record, error) {
	recs, err := queryRecords(ctx, db.conn, `
	SELECT id, fields, last_modified, sync_status FROM records
	WHERE collection = ? AND sync_status = ?
	ORDER BY id ASC`, collection, string(status))
	if err != nil {
		return nil, syncerr.Storage("scan by status", err)
	}
	return recs, nil
}

// ModifiedSince returns records whose authoritative timestamp is at or after
// sinceMillis, oldest first.
func (db *DB) ModifiedSince(ctx context.Context, collection string, sinceMillis int64) ([]record.Record, error) {
	recs, err := queryRecords(ctx, db.conn, `
	SELECT id, fields, last_modified, sync_status FROM records
	WHERE collection = ? AND last_modified >= ?
	ORDER BY last_modified ASC, id ASC`, collection, sinceMillis)
	if err != nil {
		return nil, syncerr.Storage("modified since", err)
	}
	return recs, nil
}

// Count returns the number of cached records in collection.
func (db *DB) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE collection = ?`, collection).Scan(&n)
	if err != nil {
		return 0, syncerr.Storage("count", fmt.Errorf("failed to count records: %w", err))
	}
	return n, nil
}

// Put upserts rec unconditionally. The last local writer wins.
// It returns Added when the record was not cached before, Modified otherwise.
func (db *DB) Put(ctx context.Context, collection string, rec record.Record) (record.ChangeType, error) {
	var change record.ChangeType
	err := db.Update(ctx, func(tx *Tx) error {
		var err error
		change, err = tx.Put(collection, rec)
		return err
	})
	return change, err
}

// Delete removes the record. It reports whether the record existed.
// Deleting an absent record is not an error.
func (db *DB) Delete(ctx context.Context, collection, id string) (bool, error) {
	var existed bool
	err := db.Update(ctx, func(tx *Tx) error {
		var err error
		existed, err = tx.Delete(collection, id)
		return err
	})
	return existed, err
}

// Update runs fn inside one immediate transaction. Everything fn does
// through tx commits or rolls back together.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return syncerr.Storage("begin", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	tx := &Tx{ctx: ctx, tx: sqlTx, origin: db.origin}
	if err := fn(tx); err != nil {
		if syncerr.KindOf(err) == 0 {
			return syncerr.Storage("update", err)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return syncerr.Storage("commit", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Tx is a LocalStore transaction.
type Tx struct {
	ctx    context.Context
	tx     *sql.Tx
	origin string
}

// SQL returns the underlying transaction so other tables in the same
// database can join it.
func (t *Tx) SQL() *sql.Tx {
	return t.tx
}

// Context returns the context the transaction was started with.
func (t *Tx) Context() context.Context {
	return t.ctx
}

// Get returns the record inside the transaction, or nil if absent.
func (t *Tx) Get(collection, id string) (*record.Record, error) {
	return getRecord(t.ctx, t.tx, collection, id)
}

// Put upserts rec and journals the change.
func (t *Tx) Put(collection string, rec record.Record) (record.ChangeType, error) {
	if err := rec.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", syncerr.ErrInvalidRecord, err)
	}
	if rec.SyncStatus == "" {
		rec.SyncStatus = record.StatusPending
	}

	fields, err := record.EncodeFields(rec.Fields)
	if err != nil {
		return "", err
	}

	var exists int
	err = t.tx.QueryRowContext(t.ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ? AND id = ?`, collection, rec.ID).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("failed to check record %s: %w", rec.ID, err)
	}

	query := `
	INSERT INTO records (collection, id, fields, last_modified, sync_status, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		fields = excluded.fields,
		last_modified = excluded.last_modified,
		sync_status = excluded.sync_status,
		updated_at = excluded.updated_at
	`
	_, err = t.tx.ExecContext(t.ctx, query,
		collection, rec.ID, fields, rec.LastModified, string(rec.SyncStatus), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to upsert record %s: %w", rec.ID, err)
	}

	change := record.Modified
	if exists == 0 {
		change = record.Added
	}
	if err := appendJournal(t.ctx, t.tx, collection, rec.ID, change, t.origin); err != nil {
		return "", err
	}
	return change, nil
}

// Delete removes the record and journals the removal if it existed.
func (t *Tx) Delete(collection, id string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	if n == 0 {
		return false, nil
	}
	if err := appendJournal(t.ctx, t.tx, collection, id, record.Removed, t.origin); err != nil {
		return false, err
	}
	return true, nil
}

func getRecord(ctx context.Context, q querier, collection, id string) (*record.Record, error) {
	row := q.QueryRowContext(ctx, `
	SELECT id, fields, last_modified, sync_status FROM records
	WHERE collection = ? AND id = ?`, collection, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*record.Record, error) {
	var (
		rec    record.Record
		fields string
		status string
	)
	if err := s.Scan(&rec.ID, &fields, &rec.LastModified, &status); err != nil {
		return nil, err
	}
	decoded, err := record.DecodeFields(fields)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	rec.Fields = decoded
	rec.SyncStatus = record.SyncStatus(status)
	return &rec, nil
}

func queryRecords(ctx context.Context, q querier, query string, args ...any) ([]record.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	recs := []record.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return recs, nil
}
