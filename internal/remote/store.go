package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ironwolf/localsync/internal/localstore"
	"github.com/ironwolf/localsync/internal/record"
	"github.com/ironwolf/localsync/internal/syncerr"
)

// Store is the authoritative record store. It assigns LastModified,
// keeps an ordered change log and fans changes out to subscriptions.
type Store struct {
	db     *sql.DB
	path   string
	logger *log.Logger
	now    func() time.Time

	mu     sync.Mutex
	subs   map[*storeSubscription]struct{}
	closed bool
}

// OpenStore opens or creates the authoritative database at path.
func OpenStore(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", localstore.DSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     conn,
		path:   path,
		logger: logger,
		now:    time.Now,
		subs:   make(map[*storeSubscription]struct{}),
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS remote_records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		fields TEXT NOT NULL,
		last_modified INTEGER NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_remote_modified ON remote_records(collection, last_modified);

	CREATE TABLE IF NOT EXISTS remote_changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		type TEXT NOT NULL,
		fields TEXT NOT NULL,
		last_modified INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_remote_changes_collection ON remote_changes(collection, seq);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close ends every open subscription and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for sub := range s.subs {
		sub.shutdown()
	}
	s.subs = nil
	s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Write upserts rec, stamping LastModified as max(now, previous+1).
func (s *Store) Write(ctx context.Context, collection string, rec record.Record) (record.Record, error) {
	if err := rec.Validate(); err != nil {
		return record.Record{}, fmt.Errorf("%w: %v", syncerr.ErrInvalidRecord, err)
	}
	fields, err := record.EncodeFields(rec.Fields)
	if err != nil {
		return record.Record{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return record.Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var prev sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT last_modified FROM remote_records WHERE collection = ? AND id = ?`,
		collection, rec.ID).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, fmt.Errorf("failed to read %s: %w", rec.ID, err)
	}

	lm := s.now().UnixMilli()
	if prev.Valid && lm <= prev.Int64 {
		lm = prev.Int64 + 1
	}
	change := record.Added
	if prev.Valid {
		change = record.Modified
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO remote_records (collection, id, fields, last_modified)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		fields = excluded.fields,
		last_modified = excluded.last_modified`,
		collection, rec.ID, fields, lm)
	if err != nil {
		return record.Record{}, fmt.Errorf("failed to upsert %s: %w", rec.ID, err)
	}
	if err := insertChange(ctx, tx, collection, rec.ID, change, fields, lm); err != nil {
		return record.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return record.Record{}, fmt.Errorf("failed to commit write: %w", err)
	}

	s.wake()
	stored := rec.Clone()
	stored.LastModified = lm
	stored.SyncStatus = ""
	return stored, nil
}

// Delete removes id. Deleting an absent id succeeds and emits no change.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var lm int64
	err = tx.QueryRowContext(ctx,
		`SELECT last_modified FROM remote_records WHERE collection = ? AND id = ?`,
		collection, id).Scan(&lm)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM remote_records WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	if err := insertChange(ctx, tx, collection, id, record.Removed, "{}", lm); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	s.wake()
	return nil
}

// Get returns one record or syncerr.ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, id string) (record.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, fields, last_modified FROM remote_records WHERE collection = ? AND id = ?`,
		collection, id)
	rec, err := scanRemote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Record{}, fmt.Errorf("%s/%s: %w", collection, id, syncerr.ErrNotFound)
	}
	return rec, err
}

// Snapshot returns every record of collection ordered by LastModified.
func (s *Store) Snapshot(ctx context.Context, collection string) ([]record.Record, error) {
	recs, _, err := s.snapshotAt(ctx, collection)
	return recs, err
}

// Head returns the latest change sequence of collection.
func (s *Store) Head(ctx context.Context, collection string) (int64, error) {
	var head sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM remote_changes WHERE collection = ?`, collection).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("failed to read head: %w", err)
	}
	return head.Int64, nil
}

// snapshotAt reads the records and the change log head in one transaction.
func (s *Store) snapshotAt(ctx context.Context, collection string) ([]record.Record, int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback()

	var head sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM remote_changes WHERE collection = ?`, collection).Scan(&head); err != nil {
		return nil, 0, fmt.Errorf("failed to read head: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
	SELECT id, fields, last_modified FROM remote_records
	WHERE collection = ?
	ORDER BY last_modified ASC, id ASC`, collection)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query snapshot: %w", err)
	}
	defer rows.Close()

	recs := []record.Record{}
	for rows.Next() {
		rec, err := scanRemote(rows)
		if err != nil {
			return nil, 0, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating snapshot: %w", err)
	}
	return recs, head.Int64, nil
}

// ChangesSince returns up to limit changes of collection with Seq > cursor.
func (s *Store) ChangesSince(ctx context.Context, collection string, cursor int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT seq, record_id, type, fields, last_modified FROM remote_changes
	WHERE collection = ? AND seq > ?
	ORDER BY seq ASC
	LIMIT ?`, collection, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var (
			c      Change
			typ    string
			fields string
		)
		if err := rows.Scan(&c.Seq, &c.Record.ID, &typ, &fields, &c.Record.LastModified); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		c.Collection = collection
		c.Type = record.ChangeType(typ)
		if c.Record.Fields, err = record.DecodeFields(fields); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}
	return changes, nil
}

// Subscribe opens a change feed of collection after cursor.
func (s *Store) Subscribe(ctx context.Context, collection string, cursor int64) (Subscription, error) {
	sub := &storeSubscription{
		store:      s,
		collection: collection,
		cursor:     cursor,
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	if cursor == 0 {
		recs, head, err := s.snapshotAt(ctx, collection)
		if err != nil {
			return nil, err
		}
		for i, rec := range recs {
			c := Change{Collection: collection, Type: record.Added, Record: rec}
			// Only the last snapshot change carries the head so a consumer
			// that persists cursors never skips part of a snapshot.
			if i == len(recs)-1 {
				c.Seq = head
			}
			sub.pending = append(sub.pending, c)
		}
		sub.cursor = head
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, syncerr.ErrClosed
	}
	s.subs[sub] = struct{}{}
	return sub, nil
}

func (s *Store) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}

func (s *Store) unsubscribe(sub *storeSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

func insertChange(ctx context.Context, tx *sql.Tx, collection, id string, typ record.ChangeType, fields string, lm int64) error {
	_, err := tx.ExecContext(ctx, `
	INSERT INTO remote_changes (collection, record_id, type, fields, last_modified)
	VALUES (?, ?, ?, ?, ?)`, collection, id, string(typ), fields, lm)
	if err != nil {
		return fmt.Errorf("failed to append change for %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRemote(s rowScanner) (record.Record, error) {
	var (
		rec    record.Record
		fields string
	)
	if err := s.Scan(&rec.ID, &fields, &rec.LastModified); err != nil {
		return record.Record{}, err
	}
	decoded, err := record.DecodeFields(fields)
	if err != nil {
		return record.Record{}, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	rec.Fields = decoded
	return rec, nil
}

// storeSubscription pulls from the change log whenever the store signals.
type storeSubscription struct {
	store      *Store
	collection string
	cursor     int64
	pending    []Change
	signal     chan struct{}

	once sync.Once
	done chan struct{}
}

func (sub *storeSubscription) Next(ctx context.Context) (Change, error) {
	for {
		if len(sub.pending) > 0 {
			c := sub.pending[0]
			sub.pending = sub.pending[1:]
			return c, nil
		}

		select {
		case <-sub.done:
			return Change{}, syncerr.ErrClosed
		default:
		}

		changes, err := sub.store.ChangesSince(ctx, sub.collection, sub.cursor, 100)
		if err != nil {
			return Change{}, err
		}
		if len(changes) > 0 {
			sub.pending = changes
			sub.cursor = changes[len(changes)-1].Seq
			continue
		}

		select {
		case <-ctx.Done():
			return Change{}, ctx.Err()
		case <-sub.done:
			return Change{}, syncerr.ErrClosed
		case <-sub.signal:
		}
	}
}

func (sub *storeSubscription) Close() error {
	sub.store.unsubscribe(sub)
	sub.shutdown()
	return nil
}

func (sub *storeSubscription) shutdown() {
	sub.once.Do(func() { close(sub.done) })
}

var _ Channel = (*Store)(nil)
