package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironwolf/localsync/internal/localstore"
	"github.com/ironwolf/localsync/internal/record"
	"github.com/ironwolf/localsync/internal/syncerr"
)

func setupQueue(t *testing.T, policy RetryPolicy) (*Queue, *localstore.DB) {
	t.Helper()
	db, err := localstore.Open(filepath.Join(t.TempDir(), localstore.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, policy, nil), db
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Duration(0), p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(100))

	assert.Equal(t, time.Duration(0), RetryPolicy{}.Delay(3))
}

func TestEnqueueAssignsIdentity(t *testing.T) {
	q, _ := setupQueue(t, RetryPolicy{})
	ctx := context.Background()

	e, err := q.Enqueue(ctx, Put("users", record.New("u1", map[string]any{"a": 1})))
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.NotZero(t, e.Seq)
	assert.Zero(t, e.RetryCount)

	select {
	case <-q.Signals():
	default:
		t.Fatal("expected a signal after enqueue")
	}

	batch, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, e.ID, batch[0].ID)
	require.NotNil(t, batch[0].Payload)
	assert.Equal(t, float64(1), batch[0].Payload.Fields["a"])
}

func TestEnqueueRejectsBadEntries(t *testing.T) {
	q, _ := setupQueue(t, RetryPolicy{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Entry{Collection: "users", RecordID: "u1", Operation: "upsert"})
	assert.ErrorIs(t, err, syncerr.ErrStorage)

	_, err = q.Enqueue(ctx, Delete("users", ""))
	assert.ErrorIs(t, err, syncerr.ErrInvalidRecord)

	_, err = q.Enqueue(ctx, Entry{Collection: "users", RecordID: "u1", Operation: OpPut})
	assert.Error(t, err)
}

func TestPayloadIsSnapshot(t *testing.T) {
	q, _ := setupQueue(t, RetryPolicy{})
	ctx := context.Background()

	rec := record.New("u1", map[string]any{"name": "before"})
	_, err := q.Enqueue(ctx, Put("users", rec))
	require.NoError(t, err)
	rec.Fields["name"] = "after"

	batch, err := q.DequeueBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "before", batch[0].Payload.Fields["name"])
}

func TestFairnessAfterFailure(t *testing.T) {
	q, _ := setupQueue(t, RetryPolicy{})
	ctx := context.Background()

	a, err := q.Enqueue(ctx, Put("users", record.New("a", nil)))
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, Put("users", record.New("b", nil)))
	require.NoError(t, err)

	_, err = q.MarkFailed(ctx, a.ID, errors.New("timeout"))
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, b.ID, errors.New("timeout"))
	require.NoError(t, err)

	batch, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, a.ID, batch[0].ID)
	assert.Equal(t, b.ID, batch[1].ID)
	assert.Equal(t, 1, batch[0].RetryCount)
	assert.Equal(t, "timeout", batch[0].LastError)
}

func TestFailedEntryYieldsToFreshOnes(t *testing.T) {
	q, _ := setupQueue(t, RetryPolicy{})
	ctx := context.Background()

	a, err := q.Enqueue(ctx, Put("users", record.New("a", nil)))
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, a.ID, errors.New("x"))
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, Put("users", record.New("b", nil)))
	require.NoError(t, err)

	batch, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, b.ID, batch[0].ID)
	assert.Equal(t, a.ID, batch[1].ID)
}

func TestMarkFailedDelaysEntry(t *testing.T) {
	q, _ := setupQueue(t, RetryPolicy{BaseDelay: time.Hour})
	ctx := context.Background()

	e, err := q.Enqueue(ctx, Delete("users", "u1"))
	require.NoError(t, err)
	failed, err := q.MarkFailed(ctx, e.ID, errors.New("503"))
	require.NoError(t, err)
	assert.False(t, failed.Parked)

	batch, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	next, ok, err := q.NextAttempt(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, time.Minute)

	// Advance the clock past the delay.
	q.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	batch, err = q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}

func TestNothingIsDroppedOnFailure(t *testing.T) {
	q, _ := setupQueue(t, RetryPolicy{})
	ctx := context.Background()

	e, err := q.Enqueue(ctx, Put("users", record.New("u1", nil)))
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		_, err := q.MarkFailed(ctx, e.ID, errors.New("offline"))
		require.NoError(t, err)
	}

	entries, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 25, entries[0].RetryCount)
	assert.False(t, entries[0].Parked)
}

func TestParkAndUnpark(t *testing.T) {
	q, _ := setupQueue(t, RetryPolicy{MaxRetries: 2})
	ctx := context.Background()

	e, err := q.Enqueue(ctx, Put("users", record.New("u1", nil)))
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, e.ID, errors.New("x"))
	require.NoError(t, err)
	parked, err := q.MarkFailed(ctx, e.ID, errors.New("x"))
	require.NoError(t, err)
	assert.True(t, parked.Parked)

	batch, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 1, Ready: 0, Parked: 1}, stats)

	pending, err := q.HasPending(ctx, "users", "u1")
	require.NoError(t, err)
	assert.True(t, pending, "parked entries still count as pending")

	n, err := q.Unpark(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	batch, err = q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Zero(t, batch[0].RetryCount)
}

func TestSupersededAndAcknowledge(t *testing.T) {
	q, _ := setupQueue(t, RetryPolicy{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, Put("users", record.New("u1", map[string]any{"v": 1})))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, Delete("users", "u1"))
	require.NoError(t, err)
	other, err := q.Enqueue(ctx, Put("users", record.New("u2", nil)))
	require.NoError(t, err)

	sup, err := q.Superseded(ctx, first)
	require.NoError(t, err)
	assert.True(t, sup)
	sup, err = q.Superseded(ctx, second)
	require.NoError(t, err)
	assert.False(t, sup)

	// Acknowledging the later entry clears the earlier one too.
	require.NoError(t, q.Acknowledge(ctx, second))

	entries, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, other.ID, entries[0].ID)

	// An entry held from an earlier batch is never sent once it is gone.
	sup, err = q.Superseded(ctx, first)
	require.NoError(t, err)
	assert.True(t, sup, "removed entry")
	sup, err = q.Superseded(ctx, other)
	require.NoError(t, err)
	assert.False(t, sup)
}

func TestPendingIDs(t *testing.T) {
	q, _ := setupQueue(t, RetryPolicy{})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "a"} {
		_, err := q.Enqueue(ctx, Delete("users", id))
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, Delete("teams", "c"))
	require.NoError(t, err)

	ids, err := q.PendingIDs(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"a": {}, "b": {}}, ids)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestEnqueueTxCommitsWithRecord(t *testing.T) {
	q, db := setupQueue(t, RetryPolicy{})
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.Update(ctx, func(tx *localstore.Tx) error {
		rec := record.New("u1", nil)
		if _, err := tx.Put("users", rec); err != nil {
			return err
		}
		if _, err := q.EnqueueTx(tx, Put("users", rec)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	err = db.Update(ctx, func(tx *localstore.Tx) error {
		rec := record.New("u1", nil)
		if _, err := tx.Put("users", rec); err != nil {
			return err
		}
		pending, err := q.HasPendingTx(tx, "users", "u1")
		if err != nil {
			return err
		}
		assert.False(t, pending)
		_, err = q.EnqueueTx(tx, Put("users", rec))
		return err
	})
	require.NoError(t, err)

	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), localstore.FileName)

	db, err := localstore.Open(path)
	require.NoError(t, err)
	q := New(db, RetryPolicy{}, nil)
	e, err := q.Enqueue(ctx, Put("users", record.New("u1", map[string]any{"k": "v"})))
	require.NoError(t, err)
	_, err = q.MarkFailed(ctx, e.ID, errors.New("offline"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = localstore.Open(path)
	require.NoError(t, err)
	defer db.Close()
	q = New(db, RetryPolicy{}, nil)

	entries, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, e.ID, entries[0].ID)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Equal(t, "v", entries[0].Payload.Fields["k"])
}

func TestMarkFailedUnknownEntry(t *testing.T) {
	q, _ := setupQueue(t, RetryPolicy{})

	_, err := q.MarkFailed(context.Background(), "missing", errors.New("x"))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
