// Package queue provides the durable outbound mutation queue.
//
// Entries live in the outbound_queue table of the local cache database so an
// optimistic write and its queue entry can commit in one transaction. The
// queue is drained by a single goroutine; Signals wakes it when work arrives.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ironwolf/localsync/internal/localstore"
	"github.com/ironwolf/localsync/internal/record"
	"github.com/ironwolf/localsync/internal/syncerr"
)

// Operation is the kind of remote mutation an entry requests.
type Operation string

const (
	OpPut    Operation = "put"
	OpDelete Operation = "delete"
)

// Valid returns true if o is a known operation.
func (o Operation) Valid() bool {
	return o == OpPut || o == OpDelete
}

// Entry is one pending remote mutation.
type Entry struct {
	Seq           int64          `json:"seq"`
	ID            string         `json:"id"`
	Collection    string         `json:"collection"`
	RecordID      string         `json:"record_id"`
	Operation     Operation      `json:"operation"`
	Payload       *record.Record `json:"payload,omitempty"`
	EnqueuedAt    int64          `json:"enqueued_at"`
	RetryCount    int            `json:"retry_count"`
	NextAttemptAt int64          `json:"next_attempt_at"`
	LastError     string         `json:"last_error,omitempty"`
	Parked        bool           `json:"parked"`
}

// Put returns a put entry carrying a snapshot of rec.
func Put(collection string, rec record.Record) Entry {
	snap := rec.Clone()
	return Entry{Collection: collection, RecordID: rec.ID, Operation: OpPut, Payload: &snap}
}

// Delete returns a delete entry for id.
func Delete(collection, id string) Entry {
	return Entry{Collection: collection, RecordID: id, Operation: OpDelete}
}

// RetryPolicy controls how failed entries are rescheduled.
// The zero value retries forever with no delay.
type RetryPolicy struct {
	// MaxRetries parks an entry once its retry count reaches this value.
	// Zero means unlimited.
	MaxRetries int
	// BaseDelay is the wait after the first failure. Doubles per failure.
	BaseDelay time.Duration
	// MaxDelay caps the computed wait. Zero means no cap.
	MaxDelay time.Duration
}

// Delay returns the wait before attempt number retry+1.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < retry; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		if d <= 0 {
			// overflow
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Stats summarizes queue contents.
type Stats struct {
	Total  int `json:"total"`
	Ready  int `json:"ready"`
	Parked int `json:"parked"`
}

// Queue is the durable outbound queue.
type Queue struct {
	db     *sql.DB
	policy RetryPolicy
	signal chan struct{}
	logger *log.Logger
	now    func() time.Time
}

// New returns a queue stored in db.
func New(db *localstore.DB, policy RetryPolicy, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{
		db:     db.RawDB(),
		policy: policy,
		signal: make(chan struct{}, 1),
		logger: logger,
		now:    time.Now,
	}
}

// Policy returns the retry policy in effect.
func (q *Queue) Policy() RetryPolicy {
	return q.policy
}

// Signals returns a channel that receives a value whenever new work may be
// available. Multiple notifications collapse into one.
func (q *Queue) Signals() <-chan struct{} {
	return q.signal
}

// Signal wakes the drain loop. Call it after committing a transaction that
// used EnqueueTx.
func (q *Queue) Signal() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Enqueue appends e with a zero retry count and wakes the drain loop.
func (q *Queue) Enqueue(ctx context.Context, e Entry) (Entry, error) {
	out, err := q.enqueue(ctx, q.db, e)
	if err != nil {
		return Entry{}, syncerr.Storage("enqueue", err)
	}
	q.Signal()
	return out, nil
}

// EnqueueTx appends e inside tx. The caller signals after commit.
func (q *Queue) EnqueueTx(tx *localstore.Tx, e Entry) (Entry, error) {
	return q.enqueue(tx.Context(), tx.SQL(), e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (q *Queue) enqueue(ctx context.Context, ex execer, e Entry) (Entry, error) {
	if !e.Operation.Valid() {
		return Entry{}, fmt.Errorf("unknown operation %q", e.Operation)
	}
	if err := record.ValidateID(e.RecordID); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", syncerr.ErrInvalidRecord, err)
	}
	if e.Operation == OpPut && e.Payload == nil {
		return Entry{}, fmt.Errorf("put entry for %s has no payload", e.RecordID)
	}

	var payload sql.NullString
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return Entry{}, fmt.Errorf("failed to marshal payload: %w", err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}

	now := q.now().UnixMilli()
	e.ID = uuid.NewString()
	e.EnqueuedAt = now
	e.RetryCount = 0
	e.NextAttemptAt = now
	e.LastError = ""
	e.Parked = false

	res, err := ex.ExecContext(ctx, `
	INSERT INTO outbound_queue (id, collection, record_id, operation, payload, enqueued_at, next_attempt_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Collection, e.RecordID, string(e.Operation), payload, e.EnqueuedAt, e.NextAttemptAt)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to insert queue entry: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		e.Seq = seq
	}
	return e, nil
}

const selectEntry = `
	SELECT seq, id, collection, record_id, operation, payload, enqueued_at,
	       retry_count, next_attempt_at, last_error, parked
	FROM outbound_queue`

const entryOrder = ` ORDER BY retry_count ASC, enqueued_at ASC, seq ASC`

// DequeueBatch returns up to limit entries that are due, in drain order:
// fewest retries first, then arrival. Entries stay in the queue until
// Acknowledge.
func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	entries, err := q.query(ctx, selectEntry+`
	WHERE parked = 0 AND next_attempt_at <= ?`+entryOrder+` LIMIT ?`,
		q.now().UnixMilli(), limit)
	if err != nil {
		return nil, syncerr.Storage("dequeue", err)
	}
	return entries, nil
}

// NextAttempt returns the earliest time a non-parked entry becomes due.
// The boolean is false when nothing is waiting.
func (q *Queue) NextAttempt(ctx context.Context) (time.Time, bool, error) {
	var next sql.NullInt64
	err := q.db.QueryRowContext(ctx,
		`SELECT MIN(next_attempt_at) FROM outbound_queue WHERE parked = 0`).Scan(&next)
	if err != nil {
		return time.Time{}, false, syncerr.Storage("next attempt", fmt.Errorf("failed to read next attempt: %w", err))
	}
	if !next.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(next.Int64), true, nil
}

// Acknowledge removes e after its outcome was confirmed remotely. Earlier
// entries for the same record are removed with it, since e supersedes them.
func (q *Queue) Acknowledge(ctx context.Context, e Entry) error {
	_, err := q.db.ExecContext(ctx, `
	DELETE FROM outbound_queue
	WHERE id = ? OR (collection = ? AND record_id = ? AND seq < ?)`,
		e.ID, e.Collection, e.RecordID, e.Seq)
	if err != nil {
		return syncerr.Storage("acknowledge", fmt.Errorf("failed to remove entry %s: %w", e.ID, err))
	}
	return nil
}

// MarkFailed records a failed attempt for the entry with id and reschedules
// it according to the retry policy. The entry is never removed.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) (Entry, error) {
	e, err := q.get(ctx, id)
	if err != nil {
		return Entry{}, syncerr.Storage("mark failed", err)
	}

	e.RetryCount++
	if cause != nil {
		e.LastError = cause.Error()
	}
	e.NextAttemptAt = q.now().Add(q.policy.Delay(e.RetryCount)).UnixMilli()
	e.Parked = q.policy.MaxRetries > 0 && e.RetryCount >= q.policy.MaxRetries

	_, err = q.db.ExecContext(ctx, `
	UPDATE outbound_queue
	SET retry_count = ?, next_attempt_at = ?, last_error = ?, parked = ?
	WHERE id = ?`,
		e.RetryCount, e.NextAttemptAt, e.LastError, boolToInt(e.Parked), e.ID)
	if err != nil {
		return Entry{}, syncerr.Storage("mark failed", fmt.Errorf("failed to update entry %s: %w", id, err))
	}

	if e.Parked {
		q.logger.Printf("WARNING: %s %s/%s parked after %d attempts: %s",
			e.Operation, e.Collection, e.RecordID, e.RetryCount, e.LastError)
	}
	return e, nil
}

// Superseded reports whether e must not be sent: a later entry exists for
// the same record, or e already left the queue because a later entry was
// acknowledged while e sat in a dequeued batch.
func (q *Queue) Superseded(ctx context.Context, e Entry) (bool, error) {
	var later, self int
	err := q.db.QueryRowContext(ctx, `
	SELECT
		(SELECT COUNT(*) FROM outbound_queue WHERE collection = ? AND record_id = ? AND seq > ?),
		(SELECT COUNT(*) FROM outbound_queue WHERE id = ?)`,
		e.Collection, e.RecordID, e.Seq, e.ID).Scan(&later, &self)
	if err != nil {
		return false, syncerr.Storage("superseded", fmt.Errorf("failed to check entry %s: %w", e.ID, err))
	}
	return later > 0 || self == 0, nil
}

// HasPending reports whether any entry, parked or not, exists for the record.
func (q *Queue) HasPending(ctx context.Context, collection, id string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM outbound_queue WHERE collection = ? AND record_id = ?`,
		collection, id).Scan(&n)
	if err != nil {
		return false, syncerr.Storage("has pending", fmt.Errorf("failed to check %s: %w", id, err))
	}
	return n > 0, nil
}

// HasPendingTx is HasPending inside tx.
func (q *Queue) HasPendingTx(tx *localstore.Tx, collection, id string) (bool, error) {
	var n int
	err := tx.SQL().QueryRowContext(tx.Context(), `
	SELECT COUNT(*) FROM outbound_queue WHERE collection = ? AND record_id = ?`,
		collection, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", id, err)
	}
	return n > 0, nil
}

// PendingIDs returns the set of record ids in collection with queued entries.
func (q *Queue) PendingIDs(ctx context.Context, collection string) (map[string]struct{}, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT DISTINCT record_id FROM outbound_queue WHERE collection = ?`, collection)
	if err != nil {
		return nil, syncerr.Storage("pending ids", fmt.Errorf("failed to query queue: %w", err))
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, syncerr.Storage("pending ids", fmt.Errorf("failed to scan id: %w", err))
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage("pending ids", err)
	}
	return ids, nil
}

// Len returns the number of entries, parked included.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbound_queue`).Scan(&n); err != nil {
		return 0, syncerr.Storage("len", fmt.Errorf("failed to count queue: %w", err))
	}
	return n, nil
}

// Stats returns counts of total, ready and parked entries.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.db.QueryRowContext(ctx, `
	SELECT COUNT(*),
	       COALESCE(SUM(CASE WHEN parked = 0 AND next_attempt_at <= ? THEN 1 ELSE 0 END), 0),
	       COALESCE(SUM(parked), 0)
	FROM outbound_queue`, q.now().UnixMilli()).Scan(&s.Total, &s.Ready, &s.Parked)
	if err != nil {
		return Stats{}, syncerr.Storage("stats", fmt.Errorf("failed to read queue stats: %w", err))
	}
	return s, nil
}

// List returns every entry in drain order, parked entries last.
func (q *Queue) List(ctx context.Context) ([]Entry, error) {
	entries, err := q.query(ctx, selectEntry+` ORDER BY parked ASC, retry_count ASC, enqueued_at ASC, seq ASC`)
	if err != nil {
		return nil, syncerr.Storage("list", err)
	}
	return entries, nil
}

// Unpark resets parked entries so they are attempted again. An empty id
// unparks everything. It returns the number of entries reset.
func (q *Queue) Unpark(ctx context.Context, id string) (int, error) {
	query := `UPDATE outbound_queue SET parked = 0, retry_count = 0, next_attempt_at = ? WHERE parked = 1`
	args := []any{q.now().UnixMilli()}
	if id != "" {
		query += ` AND id = ?`
		args = append(args, id)
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, syncerr.Storage("unpark", fmt.Errorf("failed to unpark entries: %w", err))
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Printf("Reset %d parked entries for retry", n)
		q.Signal()
	}
	return int(n), nil
}

func (q *Queue) get(ctx context.Context, id string) (Entry, error) {
	entries, err := q.query(ctx, selectEntry+` WHERE id = ?`, id)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, fmt.Errorf("queue entry %s: %w", id, sql.ErrNoRows)
	}
	return entries[0], nil
}

func (q *Queue) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			op      string
			payload sql.NullString
			parked  int
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.Collection, &e.RecordID, &op, &payload,
			&e.EnqueuedAt, &e.RetryCount, &e.NextAttemptAt, &e.LastError, &parked); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Operation = Operation(op)
		e.Parked = parked != 0
		if payload.Valid {
			var rec record.Record
			if err := json.Unmarshal([]byte(payload.String), &rec); err != nil {
				return nil, fmt.Errorf("entry %s: failed to unmarshal payload: %w", e.ID, err)
			}
			e.Payload = &rec
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return entries, nil
}

// IsNotFound reports whether err came from a lookup of an absent entry.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
