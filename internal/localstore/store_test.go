package localstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironwolf/localsync/internal/record"
	"github.com/ironwolf/localsync/internal/syncerr"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), FileName)
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesSchema(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"records", "journal", "meta", "outbound_queue"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s", table)
	}

	// Idempotent.
	require.NoError(t, db.InitSchema(context.Background()))
}

func TestOpenUsesWAL(t *testing.T) {
	db := openTestDB(t)

	var mode string
	require.NoError(t, db.conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestGetAbsentReturnsNil(t *testing.T) {
	db := openTestDB(t)

	rec, err := db.Get(context.Background(), "users", "nobody")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	rec := record.New("u1", map[string]any{"name": "Ada", "age": 36})
	change, err := db.Put(ctx, "users", rec)
	require.NoError(t, err)
	assert.Equal(t, record.Added, change)

	got, err := db.Get(ctx, "users", "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Ada", got.Fields["name"])
	assert.Equal(t, float64(36), got.Fields["age"])
	assert.Equal(t, record.StatusPending, got.SyncStatus)

	rec.Fields["name"] = "Grace"
	rec.SyncStatus = record.StatusSynced
	rec.LastModified = 42
	change, err = db.Put(ctx, "users", rec)
	require.NoError(t, err)
	assert.Equal(t, record.Modified, change)

	got, err = db.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Grace", got.Fields["name"])
	assert.Equal(t, int64(42), got.LastModified)
	assert.Equal(t, record.StatusSynced, got.SyncStatus)
}

func TestPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	rec := record.Record{ID: "u1", Fields: map[string]any{"n": 1}, LastModified: 7, SyncStatus: record.StatusSynced}
	_, err := db.Put(ctx, "users", rec)
	require.NoError(t, err)
	first, err := db.Get(ctx, "users", "u1")
	require.NoError(t, err)

	_, err = db.Put(ctx, "users", rec)
	require.NoError(t, err)
	second, err := db.Get(ctx, "users", "u1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	n, err := db.Count(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPutRejectsInvalidRecord(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Put(context.Background(), "users", record.Record{ID: ""})
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrInvalidRecord)
	assert.ErrorIs(t, err, syncerr.ErrStorage)
}

func TestCollectionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.Put(ctx, "users", record.New("x", nil))
	require.NoError(t, err)
	_, err = db.Put(ctx, "teams", record.New("x", map[string]any{"t": true}))
	require.NoError(t, err)

	users, err := db.GetAll(ctx, "users")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Empty(t, users[0].Fields)

	teams, err := db.GetAll(ctx, "teams")
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, true, teams[0].Fields["t"])
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.Put(ctx, "users", record.New("u1", nil))
	require.NoError(t, err)

	existed, err := db.Delete(ctx, "users", "u1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = db.Delete(ctx, "users", "u1")
	require.NoError(t, err)
	assert.False(t, existed)

	got, err := db.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetAllOrderedByID(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for _, id := range []string{"c", "a", "b"} {
		_, err := db.Put(ctx, "users", record.New(id, nil))
		require.NoError(t, err)
	}

	all, err := db.GetAll(ctx, "users")
	require.NoError(t, err)
	ids := make([]string, len(all))
	for i, r := range all {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	empty, err := db.GetAll(ctx, "nothing")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestScanByStatusAndModifiedSince(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	recs := []record.Record{
		{ID: "a", LastModified: 10, SyncStatus: record.StatusSynced},
		{ID: "b", LastModified: 20, SyncStatus: record.StatusPending},
		{ID: "c", LastModified: 30, SyncStatus: record.StatusSynced},
	}
	for _, r := range recs {
		_, err := db.Put(ctx, "users", r)
		require.NoError(t, err)
	}

	pending, err := db.ScanByStatus(ctx, "users", record.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].ID)

	since, err := db.ModifiedSince(ctx, "users", 20)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "b", since[0].ID)
	assert.Equal(t, "c", since[1].ID)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	boom := errors.New("boom")

	err := db.Update(ctx, func(tx *Tx) error {
		if _, err := tx.Put("users", record.New("u1", nil)); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	got, err := db.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	head, err := db.JournalHead(ctx)
	require.NoError(t, err)
	assert.Zero(t, head)
}

func TestDataSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := testDBPath(t)

	db, err := Open(path)
	require.NoError(t, err)
	_, err = db.Put(ctx, "users", record.New("u1", map[string]any{"name": "Ada"}))
	require.NoError(t, err)
	require.NoError(t, db.SetMeta(ctx, "cursor:users", "9"))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Get(ctx, "users", "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Ada", got.Fields["name"])

	v, ok, err := db.GetMeta(ctx, "cursor:users")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "9", v)
}

func TestJournalRecordsChangesWithOrigin(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.Put(ctx, "users", record.New("u1", nil))
	require.NoError(t, err)
	_, err = db.Put(ctx, "users", record.New("u1", map[string]any{"x": 1}))
	require.NoError(t, err)
	_, err = db.Delete(ctx, "users", "u1")
	require.NoError(t, err)
	// Absent delete is not journaled.
	_, err = db.Delete(ctx, "users", "u1")
	require.NoError(t, err)

	entries, err := db.JournalSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, record.Added, entries[0].Change)
	assert.Equal(t, record.Modified, entries[1].Change)
	assert.Equal(t, record.Removed, entries[2].Change)
	for _, e := range entries {
		assert.Equal(t, db.Origin(), e.Origin)
		assert.Equal(t, "u1", e.RecordID)
	}

	head, err := db.JournalHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries[2].Seq, head)

	tail, err := db.JournalSince(ctx, entries[0].Seq, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, entries[1].Seq, tail[0].Seq)
}

func TestTwoHandlesHaveDistinctOrigins(t *testing.T) {
	ctx := context.Background()
	path := testDBPath(t)

	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	assert.NotEqual(t, a.Origin(), b.Origin())

	_, err = a.Put(ctx, "users", record.New("u1", nil))
	require.NoError(t, err)

	got, err := b.Get(ctx, "users", "u1")
	require.NoError(t, err)
	require.NotNil(t, got)

	entries, err := b.JournalSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, a.Origin(), entries[0].Origin)
}

func TestPruneJournalKeepsHead(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := db.Put(ctx, "users", record.New(id, nil))
		require.NoError(t, err)
	}
	head, err := db.JournalHead(ctx)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n, err := db.PruneJournal(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	after, err := db.JournalHead(ctx)
	require.NoError(t, err)
	assert.Equal(t, head, after)
}

func TestMetaMissingKey(t *testing.T) {
	db := openTestDB(t)

	_, ok, err := db.GetMeta(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
