package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ironwolf/localsync/internal/record"
	"github.com/ironwolf/localsync/internal/syncerr"
)

// JournalEntry is one local mutation as seen by every process sharing the
// database file.
type JournalEntry struct {
	Seq        int64
	Collection string
	RecordID   string
	Change     record.ChangeType
	Origin     string
	At         time.Time
}

func appendJournal(ctx context.Context, q querier, collection, id string, change record.ChangeType, origin string) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO journal (collection, record_id, change, origin, at)
	VALUES (?, ?, ?, ?, ?)`,
		collection, id, string(change), origin, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append journal entry for %s: %w", id, err)
	}
	return nil
}

// JournalSince returns up to limit entries with seq greater than after,
// oldest first. A limit of zero or less means no limit.
func (db *DB) JournalSince(ctx context.Context, after int64, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.conn.QueryContext(ctx, `
	SELECT seq, collection, record_id, change, origin, at FROM journal
	WHERE seq > ?
	ORDER BY seq ASC
	LIMIT ?`, after, limit)
	if err != nil {
		return nil, syncerr.Storage("journal since", fmt.Errorf("failed to query journal: %w", err))
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var (
			e      JournalEntry
			change string
			at     int64
		)
		if err := rows.Scan(&e.Seq, &e.Collection, &e.RecordID, &change, &e.Origin, &at); err != nil {
			return nil, syncerr.Storage("journal since", fmt.Errorf("failed to scan journal entry: %w", err))
		}
		e.Change = record.ChangeType(change)
		e.At = time.UnixMilli(at)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, syncerr.Storage("journal since", fmt.Errorf("error iterating journal: %w", err))
	}
	return entries, nil
}

// JournalHead returns the highest journal sequence, or 0 for an empty journal.
func (db *DB) JournalHead(ctx context.Context) (int64, error) {
	var head sql.NullInt64
	if err := db.conn.QueryRowContext(ctx, `SELECT MAX(seq) FROM journal`).Scan(&head); err != nil {
		return 0, syncerr.Storage("journal head", fmt.Errorf("failed to read journal head: %w", err))
	}
	return head.Int64, nil
}

// PruneJournal deletes entries older than olderThan and returns how many
// were removed. The most recent entry is always kept so JournalHead never
// moves backwards.
func (db *DB) PruneJournal(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := db.conn.ExecContext(ctx, `
	DELETE FROM journal
	WHERE at < ? AND seq < (SELECT MAX(seq) FROM journal)`, cutoff)
	if err != nil {
		return 0, syncerr.Storage("prune journal", fmt.Errorf("failed to prune journal: %w", err))
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetMeta returns the value stored under key. The boolean is false when the
// key has never been set.
func (db *DB) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, syncerr.Storage("get meta", fmt.Errorf("failed to read %s: %w", key, err))
	}
	return value, true, nil
}

// SetMeta stores value under key.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	if err := setMeta(ctx, db.conn, key, value); err != nil {
		return syncerr.Storage("set meta", err)
	}
	return nil
}

// SetMeta stores value under key inside the transaction.
func (t *Tx) SetMeta(key, value string) error {
	return setMeta(t.ctx, t.tx, key, value)
}

func setMeta(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}
