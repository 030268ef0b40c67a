package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironwolf/localsync/internal/connectivity"
	"github.com/ironwolf/localsync/internal/localstore"
	"github.com/ironwolf/localsync/internal/notify"
	"github.com/ironwolf/localsync/internal/queue"
	"github.com/ironwolf/localsync/internal/record"
	"github.com/ironwolf/localsync/internal/remote"
	"github.com/ironwolf/localsync/internal/syncerr"
)

// flakyRemote fails writes and deletes while down is set. afterWrite, if
// set, runs after each accepted write.
type flakyRemote struct {
	*remote.Store
	down       atomic.Bool
	afterWrite func(collection string, stored record.Record)
}

func (f *flakyRemote) Write(ctx context.Context, collection string, rec record.Record) (record.Record, error) {
	if f.down.Load() {
		return record.Record{}, errors.New("503 service unavailable")
	}
	stored, err := f.Store.Write(ctx, collection, rec)
	if err == nil && f.afterWrite != nil {
		f.afterWrite(collection, stored)
	}
	return stored, err
}

func (f *flakyRemote) Delete(ctx context.Context, collection, id string) error {
	if f.down.Load() {
		return errors.New("503 service unavailable")
	}
	return f.Store.Delete(ctx, collection, id)
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) record(ev notify.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) count(t record.ChangeType, origin notify.Origin) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == t && ev.Origin == origin {
			n++
		}
	}
	return n
}

type fixture struct {
	dir     string
	db      *localstore.DB
	remote  *flakyRemote
	monitor *connectivity.Monitor
	events  *eventLog
	engine  *Engine
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryPolicy = queue.RetryPolicy{}
	cfg.DrainInterval = 20 * time.Millisecond
	cfg.FeedInitialBackoff = 10 * time.Millisecond
	cfg.FeedMaxBackoff = 50 * time.Millisecond
	return cfg
}

func openLocal(t *testing.T, dir string) *localstore.DB {
	t.Helper()
	db, err := localstore.Open(filepath.Join(dir, localstore.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func setup(t *testing.T, online bool) *fixture {
	t.Helper()
	dir := t.TempDir()

	rs, err := remote.OpenStore(filepath.Join(dir, "remote.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })

	f := &fixture{
		dir:     dir,
		db:      openLocal(t, dir),
		remote:  &flakyRemote{Store: rs},
		monitor: connectivity.NewMonitor(online, nil),
		events:  &eventLog{},
	}
	f.engine = f.newEngine(t, f.db, testConfig())
	return f
}

func (f *fixture) newEngine(t *testing.T, db *localstore.DB, cfg Config) *Engine {
	t.Helper()
	n := notify.New(nil)
	n.SubscribeAll(f.events.record)

	eng, err := New(cfg, Deps{Store: db, Remote: f.remote, Monitor: f.monitor, Notifier: n})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Stop() })
	return eng
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Start(context.Background()))
}

func TestNewValidatesDeps(t *testing.T) {
	f := setup(t, true)

	_, err := New(testConfig(), Deps{Remote: f.remote})
	assert.Error(t, err)

	_, err = New(testConfig(), Deps{Store: f.db})
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Collections = nil
	_, err = New(cfg, Deps{Store: f.db, Remote: f.remote})
	assert.Error(t, err)
}

func TestUpdateDataAppliesOptimistically(t *testing.T) {
	for _, online := range []bool{false, true} {
		t.Run(map[bool]string{false: "offline", true: "online"}[online], func(t *testing.T) {
			f := setup(t, online)
			ctx := context.Background()

			stored, err := f.engine.UpdateData(ctx, "users", record.New("u1", map[string]any{"name": "Ada"}))
			require.NoError(t, err)
			assert.Equal(t, record.StatusPending, stored.SyncStatus)

			all, err := f.engine.GetData(ctx, "users")
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, "Ada", all[0].Fields["name"])
			assert.Equal(t, record.StatusPending, all[0].SyncStatus)

			n, err := f.engine.Queue().Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			assert.Equal(t, 1, f.events.count(record.Added, notify.OriginLocal))
		})
	}
}

func TestUpdateDataAssignsID(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	a, err := f.engine.UpdateData(ctx, "users", record.New("", map[string]any{"name": "Ada"}))
	require.NoError(t, err)
	b, err := f.engine.UpdateData(ctx, "users", record.New("", nil))
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotNil(t, b.Fields)

	got, err := f.engine.Get(ctx, "users", a.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Ada", got.Fields["name"])
}

func TestUpdateDataDoesNotAliasInput(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	fields := map[string]any{"name": "Ada"}
	_, err := f.engine.UpdateData(ctx, "users", record.New("u1", fields))
	require.NoError(t, err)
	fields["name"] = "Grace"

	entries, err := f.engine.Queue().List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Ada", entries[0].Payload.Fields["name"])
}

func TestUnknownCollection(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	_, err := f.engine.GetData(ctx, "orders")
	assert.ErrorIs(t, err, syncerr.ErrUnknownCollection)

	_, err = f.engine.Get(ctx, "orders", "o1")
	assert.ErrorIs(t, err, syncerr.ErrUnknownCollection)

	_, err = f.engine.UpdateData(ctx, "orders", record.New("o1", nil))
	assert.ErrorIs(t, err, syncerr.ErrUnknownCollection)

	assert.ErrorIs(t, f.engine.DeleteData(ctx, "orders", "o1"), syncerr.ErrUnknownCollection)
}

func TestInvalidRecordRejected(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	_, err := f.engine.UpdateData(ctx, "users", record.New("has space", nil))
	assert.ErrorIs(t, err, syncerr.ErrInvalidRecord)

	assert.ErrorIs(t, f.engine.DeleteData(ctx, "users", ""), syncerr.ErrInvalidRecord)

	n, err := f.engine.Queue().Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainMarksSynced(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	_, err := f.engine.UpdateData(ctx, "users", record.New("u1", map[string]any{"name": "Ada"}))
	require.NoError(t, err)
	require.NoError(t, f.engine.Drain(ctx))

	got, err := f.engine.Get(ctx, "users", "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, record.StatusSynced, got.SyncStatus)

	remoteRec, err := f.remote.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, remoteRec.LastModified, got.LastModified)

	n, err := f.engine.Queue().Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, f.engine.SyncStatus().LastSyncTimestamp.IsZero())
}

func TestDrainOfflineIsNoop(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	_, err := f.engine.UpdateData(ctx, "users", record.New("u1", nil))
	require.NoError(t, err)
	require.NoError(t, f.engine.Drain(ctx))

	n, err := f.engine.Queue().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDrainRetriesFailedWrite(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	f.remote.down.Store(true)
	_, err := f.engine.UpdateData(ctx, "users", record.New("u1", map[string]any{"name": "Ada"}))
	require.NoError(t, err)
	require.NoError(t, f.engine.Drain(ctx), "remote failures do not fail the drain")

	entries, err := f.engine.Queue().List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Contains(t, entries[0].LastError, "503")

	got, err := f.engine.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusPending, got.SyncStatus)

	f.remote.down.Store(false)
	require.NoError(t, f.engine.Drain(ctx))

	got, err = f.engine.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusSynced, got.SyncStatus)
}

func TestDrainSendsLatestEditOnly(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	_, err := f.engine.UpdateData(ctx, "users", record.New("u1", map[string]any{"v": 1}))
	require.NoError(t, err)
	_, err = f.engine.UpdateData(ctx, "users", record.New("u1", map[string]any{"v": 2}))
	require.NoError(t, err)
	require.NoError(t, f.engine.Drain(ctx))

	remoteRec, err := f.remote.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, remoteRec.Fields["v"])

	head, err := f.remote.Head(ctx, "users")
	require.NoError(t, err)
	assert.EqualValues(t, 1, head, "superseded edit was never sent")
}

func requireConverged(t *testing.T, f *fixture, id string, want any) {
	t.Helper()
	ctx := context.Background()

	remoteRec, err := f.remote.Get(ctx, "users", id)
	require.NoError(t, err)
	assert.EqualValues(t, want, remoteRec.Fields["v"], "remote")

	local, err := f.engine.Get(ctx, "users", id)
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.EqualValues(t, want, local.Fields["v"], "local")
	assert.Equal(t, record.StatusSynced, local.SyncStatus)

	n, err := f.engine.Queue().Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// A failed send re-edited before the retry must not overwrite the newer
// edit, even though the fresh entry drains ahead of the retried one.
func TestDrainRetriedEditDoesNotOverwriteNewer(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	f.remote.down.Store(true)
	_, err := f.engine.UpdateData(ctx, "users", record.New("u1", map[string]any{"v": "v1"}))
	require.NoError(t, err)
	require.NoError(t, f.engine.Drain(ctx))

	f.remote.down.Store(false)
	_, err = f.engine.UpdateData(ctx, "users", record.New("u1", map[string]any{"v": "v2"}))
	require.NoError(t, err)

	batch, err := f.engine.Queue().DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Zero(t, batch[0].RetryCount, "fresh entry drains first")

	require.NoError(t, f.engine.Drain(ctx))
	requireConverged(t, f, "u1", "v2")

	head, err := f.remote.Head(ctx, "users")
	require.NoError(t, err)
	assert.EqualValues(t, 1, head, "stale edit was never sent")
}

func TestDrainParkedEditYieldsToNewer(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	cfg := testConfig()
	cfg.RetryPolicy = queue.RetryPolicy{MaxRetries: 1}
	f.engine = f.newEngine(t, f.db, cfg)

	f.remote.down.Store(true)
	_, err := f.engine.UpdateData(ctx, "users", record.New("u1", map[string]any{"v": "v1"}))
	require.NoError(t, err)
	require.NoError(t, f.engine.Drain(ctx))

	stats, err := f.engine.Queue().Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Parked)

	f.remote.down.Store(false)
	_, err = f.engine.UpdateData(ctx, "users", record.New("u1", map[string]any{"v": "v2"}))
	require.NoError(t, err)
	require.NoError(t, f.engine.Drain(ctx))

	requireConverged(t, f, "u1", "v2")
}

// A newer remote version applied by the feed while a send is in flight
// is kept over the version that send returned.
func TestDrainKeepsNewerFeedVersion(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	var once sync.Once
	var newer record.Record
	f.remote.afterWrite = func(collection string, stored record.Record) {
		once.Do(func() {
			other := record.New(stored.ID, map[string]any{"v": "other"})
			var err error
			newer, err = f.remote.Store.Write(ctx, collection, other)
			require.NoError(t, err)
			_, err = f.db.Put(ctx, collection, newer.WithStatus(record.StatusSynced))
			require.NoError(t, err)
		})
	}

	_, err := f.engine.UpdateData(ctx, "users", record.New("u1", map[string]any{"v": "mine"}))
	require.NoError(t, err)
	require.NoError(t, f.engine.Drain(ctx))

	requireConverged(t, f, "u1", "other")
	local, err := f.engine.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, newer.LastModified, local.LastModified)
}

func TestDeleteData(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	_, err := f.engine.UpdateData(ctx, "users", record.New("u1", nil))
	require.NoError(t, err)
	require.NoError(t, f.engine.Drain(ctx))

	require.NoError(t, f.engine.DeleteData(ctx, "users", "u1"))
	got, err := f.engine.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, f.events.count(record.Removed, notify.OriginLocal))

	require.NoError(t, f.engine.Drain(ctx))
	_, err = f.remote.Get(ctx, "users", "u1")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	// Deleting an id that was never cached still reaches the remote.
	require.NoError(t, f.engine.DeleteData(ctx, "users", "ghost"))
	assert.Equal(t, 1, f.events.count(record.Removed, notify.OriginLocal))
	n, err := f.engine.Queue().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueueSurvivesRestart(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	_, err := f.engine.UpdateData(ctx, "users", record.New("u1", map[string]any{"name": "Ada"}))
	require.NoError(t, err)
	require.NoError(t, f.engine.Stop())
	require.NoError(t, f.db.Close())

	db := openLocal(t, f.dir)
	f.monitor.Set(true)
	eng := f.newEngine(t, db, testConfig())

	got, err := eng.Get(ctx, "users", "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, record.StatusPending, got.SyncStatus)
	assert.Equal(t, 1, eng.SyncStatus().Pending)

	require.NoError(t, eng.Drain(ctx))
	got, err = eng.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, record.StatusSynced, got.SyncStatus)
}

func TestOfflineWriteSyncsOnReconnect(t *testing.T) {
	f := setup(t, false)
	f.start(t)
	ctx := context.Background()

	_, err := f.engine.UpdateData(ctx, "users", record.New("u1", map[string]any{"name": "Ada"}))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.engine.SyncStatus().Pending, "nothing is sent while offline")

	f.engine.SetOnline(true)

	require.Eventually(t, func() bool {
		got, err := f.engine.Get(ctx, "users", "u1")
		return err == nil && got != nil && got.SyncStatus == record.StatusSynced &&
			f.engine.SyncStatus().Pending == 0
	}, 5*time.Second, 10*time.Millisecond)

	remoteRec, err := f.remote.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", remoteRec.Fields["name"])
}

func TestRemoteRemoveNotifiesOnce(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	_, err := f.remote.Store.Write(ctx, "users", record.New("u2", map[string]any{"name": "Bob"}))
	require.NoError(t, err)
	f.start(t)

	require.Eventually(t, func() bool {
		got, err := f.engine.Get(ctx, "users", "u2")
		return err == nil && got != nil
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.remote.Store.Delete(ctx, "users", "u2"))

	require.Eventually(t, func() bool {
		got, err := f.engine.Get(ctx, "users", "u2")
		return err == nil && got == nil
	}, 5*time.Second, 10*time.Millisecond)

	// A later full pass must not report the removal again.
	_, err = f.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.events.count(record.Removed, notify.OriginRemote))
}

func TestReconcileConverges(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := f.remote.Store.Write(ctx, "users", record.New(id, map[string]any{"id": id}))
		require.NoError(t, err)
	}
	stale := record.New("c", nil).WithStatus(record.StatusSynced)
	_, err := f.db.Put(ctx, "users", stale)
	require.NoError(t, err)

	results, err := f.engine.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Applied)
	assert.Equal(t, 1, results[0].Deleted)

	local, err := f.engine.GetData(ctx, "users")
	require.NoError(t, err)
	snapshot, err := f.remote.Snapshot(ctx, "users")
	require.NoError(t, err)
	require.Len(t, local, len(snapshot))
	for i := range local {
		assert.Equal(t, snapshot[i].ID, local[i].ID)
		assert.Equal(t, record.StatusSynced, local[i].SyncStatus)
	}
}

func TestSyncStatus(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	status := f.engine.SyncStatus()
	assert.False(t, status.IsOnline)
	assert.True(t, status.Leader)
	assert.False(t, status.SyncInProgress)
	assert.Zero(t, status.Pending)
	assert.True(t, status.LastSyncTimestamp.IsZero())

	_, err := f.engine.UpdateData(ctx, "users", record.New("u1", nil))
	require.NoError(t, err)
	f.engine.SetOnline(true)

	status = f.engine.SyncStatus()
	assert.True(t, status.IsOnline)
	assert.Equal(t, 1, status.Pending)
}

func TestStartTwice(t *testing.T) {
	f := setup(t, true)
	f.start(t)
	assert.Error(t, f.engine.Start(context.Background()))
	assert.NoError(t, f.engine.Stop())
	assert.NoError(t, f.engine.Stop())
}

func TestRestartAfterStop(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	f.start(t)
	require.NoError(t, f.engine.Stop())
	f.start(t)

	_, err := f.engine.UpdateData(ctx, "users", record.New("u1", map[string]any{"v": 1}))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, err := f.remote.Get(ctx, "users", "u1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "restarted engine drains")
	require.NoError(t, f.engine.Stop())
}

func TestSecondProcessFollows(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	cfg := testConfig()
	cfg.MultiProcess = true
	cfg.LeaderRetryInterval = 20 * time.Millisecond

	leaderEvents := &eventLog{}
	leaderNotifier := notify.New(nil)
	leaderNotifier.SubscribeAll(leaderEvents.record)
	leader, err := New(cfg, Deps{Store: f.db, Remote: f.remote, Monitor: f.monitor, Notifier: leaderNotifier})
	require.NoError(t, err)
	t.Cleanup(func() { _ = leader.Stop() })
	require.NoError(t, leader.Start(ctx))
	require.Eventually(t, leader.IsLeader, 5*time.Second, 10*time.Millisecond)

	follower := f.newEngine(t, openLocal(t, f.dir), cfg)
	require.NoError(t, follower.Start(ctx))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, follower.IsLeader())
	assert.ErrorIs(t, follower.Drain(ctx), syncerr.ErrNotLeader)

	// The follower writes locally; the leader sees the peer change and pushes it.
	_, err = follower.UpdateData(ctx, "users", record.New("u1", map[string]any{"name": "Ada"}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := f.remote.Get(ctx, "users", "u1")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return leaderEvents.count(record.Added, notify.OriginPeer) == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Leadership moves when the leader stops.
	require.NoError(t, leader.Stop())
	require.Eventually(t, follower.IsLeader, 5*time.Second, 20*time.Millisecond)
}

func TestTryLead(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	cfg := testConfig()
	cfg.MultiProcess = true
	first := f.newEngine(t, f.db, cfg)
	second := f.newEngine(t, openLocal(t, f.dir), cfg)

	assert.ErrorIs(t, first.Drain(ctx), syncerr.ErrNotLeader)

	ok, err := first.TryLead()
	require.NoError(t, err)
	require.True(t, ok)
	assert.NoError(t, first.Drain(ctx))

	ok, err = second.TryLead()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Resign())
	ok, err = second.TryLead()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Resign())
}
