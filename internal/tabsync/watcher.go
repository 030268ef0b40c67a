package tabsync

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ironwolf/localsync/internal/localstore"
	"github.com/ironwolf/localsync/internal/notify"
	"github.com/ironwolf/localsync/internal/record"
)

// WatcherConfig holds configuration for the journal watcher.
type WatcherConfig struct {
	// DebounceInterval is how long the database must be quiet before the
	// journal is read. This batches rapid writes together.
	DebounceInterval time.Duration

	// BatchSize caps journal rows read per query (default: 500).
	BatchSize int

	// OnPeerChange runs after a poll that found writes by other processes.
	OnPeerChange func()

	// Logger for watcher activity
	Logger *log.Logger
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig() *WatcherConfig {
	return &WatcherConfig{
		DebounceInterval: 50 * time.Millisecond,
		BatchSize:        500,
		Logger:           log.New(os.Stderr, "[tabsync] ", log.LstdFlags),
	}
}

// JournalWatcher republishes journal rows written by other processes.
type JournalWatcher struct {
	store    *localstore.DB
	notifier *notify.Notifier
	config   *WatcherConfig
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	cursor  int64
	dirtyAt time.Time
}

// NewJournalWatcher creates a watcher starting at the current journal head,
// so only writes made after this call are republished.
func NewJournalWatcher(store *localstore.DB, notifier *notify.Notifier, config *WatcherConfig) (*JournalWatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	defaults := DefaultWatcherConfig()
	if config == nil {
		config = defaults
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	head, err := store.JournalHead(context.Background())
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &JournalWatcher{
		store:    store,
		notifier: notifier,
		config:   config,
		watcher:  watcher,
		cursor:   head,
	}, nil
}

// Cursor returns the last journal sequence examined.
func (w *JournalWatcher) Cursor() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// Run watches the database directory until ctx is cancelled.
func (w *JournalWatcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	dir := filepath.Dir(w.store.Path())
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	ticker := time.NewTicker(w.config.DebounceInterval)
	defer ticker.Stop()

	base := filepath.Base(w.store.Path())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			// Only writes to the database or its WAL matter.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			w.mu.Lock()
			w.dirtyAt = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.config.Logger.Printf("Watcher error: %v", err)

		case <-ticker.C:
			w.mu.Lock()
			due := !w.dirtyAt.IsZero() && time.Since(w.dirtyAt) >= w.config.DebounceInterval
			if due {
				w.dirtyAt = time.Time{}
			}
			w.mu.Unlock()
			if !due {
				continue
			}
			if _, err := w.Poll(ctx); err != nil {
				w.config.Logger.Printf("Error reading journal: %v", err)
			}
		}
	}
}

// Poll reads journal rows past the cursor and republishes foreign ones.
// It returns how many foreign rows were found.
func (w *JournalWatcher) Poll(ctx context.Context) (int, error) {
	w.mu.Lock()
	cursor := w.cursor
	w.mu.Unlock()

	foreign := 0
	for {
		entries, err := w.store.JournalSince(ctx, cursor, w.config.BatchSize)
		if err != nil {
			return foreign, err
		}
		if len(entries) == 0 {
			break
		}
		for _, e := range entries {
			cursor = e.Seq
			if e.Origin == w.store.Origin() {
				continue
			}
			foreign++
			if err := w.publish(ctx, e); err != nil {
				w.config.Logger.Printf("WARNING: failed to republish %s/%s: %v", e.Collection, e.RecordID, err)
			}
		}
		w.mu.Lock()
		w.cursor = cursor
		w.mu.Unlock()
		if len(entries) < w.config.BatchSize {
			break
		}
	}

	if foreign > 0 && w.config.OnPeerChange != nil {
		w.config.OnPeerChange()
	}
	return foreign, nil
}

func (w *JournalWatcher) publish(ctx context.Context, e localstore.JournalEntry) error {
	if w.notifier == nil {
		return nil
	}
	ev := notify.Event{Collection: e.Collection, Type: e.Change, Origin: notify.OriginPeer}
	if e.Change == record.Removed {
		ev.Record = record.Record{ID: e.RecordID}
	} else {
		rec, err := w.store.Get(ctx, e.Collection, e.RecordID)
		if err != nil {
			return err
		}
		if rec == nil {
			// Removed again since; its removal row follows.
			return nil
		}
		ev.Record = *rec
	}
	w.notifier.Notify(ev)
	return nil
}
