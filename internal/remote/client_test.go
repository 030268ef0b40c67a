package remote

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironwolf/localsync/internal/record"
	"github.com/ironwolf/localsync/internal/syncerr"
)

func setupServer(t *testing.T) (*Store, *Client) {
	t.Helper()
	store := setupStore(t)
	srv := NewServer(store, &ServerConfig{Addr: "127.0.0.1:0"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop()
		ts.Close()
	})

	client, err := NewClient(ts.URL, nil)
	require.NoError(t, err)
	return store, client
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("ftp://example.com", nil)
	assert.Error(t, err)
	_, err = NewClient("://", nil)
	assert.Error(t, err)
}

func TestClientRoundTrip(t *testing.T) {
	store, client := setupServer(t)
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))

	stored, err := client.Write(ctx, "users", record.New("u1", map[string]any{"name": "Ada"}))
	require.NoError(t, err)
	assert.Equal(t, "u1", stored.ID)
	assert.Positive(t, stored.LastModified)

	direct, err := store.Get(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, stored.LastModified, direct.LastModified)

	recs, err := client.Snapshot(ctx, "users")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Ada", recs[0].Fields["name"])

	require.NoError(t, client.Delete(ctx, "users", "u1"))
	require.NoError(t, client.Delete(ctx, "users", "u1"))

	recs, err = client.Snapshot(ctx, "users")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestClientWriteInvalidRecord(t *testing.T) {
	_, client := setupServer(t)

	_, err := client.Write(context.Background(), "users", record.New("bad id", nil))
	assert.ErrorIs(t, err, syncerr.ErrInvalidRecord)
}

func TestClientFeed(t *testing.T) {
	store, client := setupServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := store.Write(ctx, "users", record.New("a", nil))
	require.NoError(t, err)

	sub, err := client.Subscribe(ctx, "users", 0)
	require.NoError(t, err)
	defer sub.Close()

	first, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, record.Added, first.Type)
	assert.Equal(t, "a", first.Record.ID)

	require.NoError(t, store.Delete(ctx, "users", "a"))
	second, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, record.Removed, second.Type)
	assert.Equal(t, "users", second.Collection)
}

// flakyChannel fails the first subscribe attempts.
type flakyChannel struct {
	Channel
	mu       sync.Mutex
	failures int
	cursors  []int64
}

func (f *flakyChannel) Subscribe(ctx context.Context, collection string, cursor int64) (Subscription, error) {
	f.mu.Lock()
	f.cursors = append(f.cursors, cursor)
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	f.mu.Unlock()
	return f.Channel.Subscribe(ctx, collection, cursor)
}

func TestFollowResubscribesFromSavedCursor(t *testing.T) {
	store := setupStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := store.Write(ctx, "users", record.New("a", nil))
	require.NoError(t, err)

	ch := &flakyChannel{Channel: store, failures: 2}

	var (
		mu      sync.Mutex
		cursor  int64
		applied []string
		subErrs int
	)
	failNext := true
	seen := make(chan struct{}, 10)

	go Follow(ctx, FollowConfig{
		Channel:    ch,
		Collection: "users",
		Handle: func(ctx context.Context, c Change) error {
			mu.Lock()
			defer mu.Unlock()
			if c.Record.ID == "b" && failNext {
				failNext = false
				return errors.New("disk busy")
			}
			applied = append(applied, c.Record.ID)
			seen <- struct{}{}
			return nil
		},
		LoadCursor: func(context.Context) (int64, error) {
			mu.Lock()
			defer mu.Unlock()
			return cursor, nil
		},
		SaveCursor: func(_ context.Context, c int64) error {
			mu.Lock()
			defer mu.Unlock()
			cursor = c
			return nil
		},
		OnError: func(err error) {
			assert.ErrorIs(t, err, syncerr.ErrRemoteSubscription)
			mu.Lock()
			subErrs++
			mu.Unlock()
		},
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})

	<-seen // snapshot "a"
	_, err = store.Write(ctx, "users", record.New("b", nil))
	require.NoError(t, err)
	<-seen // "b" after one failed delivery

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, applied)
	assert.Equal(t, 3, subErrs, "two dial failures and one handler failure")

	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Len(t, ch.cursors, 4)
	assert.Equal(t, []int64{0, 0, 0}, ch.cursors[:3])
	assert.Positive(t, ch.cursors[3], "resubscribe resumes from the saved cursor")
}
