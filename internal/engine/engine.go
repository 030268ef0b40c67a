package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ironwolf/localsync/internal/connectivity"
	"github.com/ironwolf/localsync/internal/localstore"
	"github.com/ironwolf/localsync/internal/notify"
	"github.com/ironwolf/localsync/internal/queue"
	"github.com/ironwolf/localsync/internal/reconcile"
	"github.com/ironwolf/localsync/internal/record"
	"github.com/ironwolf/localsync/internal/remote"
	"github.com/ironwolf/localsync/internal/syncerr"
	"github.com/ironwolf/localsync/internal/tabsync"
)

// Config holds configuration for the engine.
type Config struct {
	// Collections the engine synchronizes. Operations on any other
	// collection fail with syncerr.ErrUnknownCollection.
	Collections []string

	// RetryPolicy for failed outbound entries.
	RetryPolicy queue.RetryPolicy

	// BatchSize is how many queue entries are read per drain pass.
	BatchSize int

	// DrainInterval is the minimum wait between drain passes while failed
	// entries remain due.
	DrainInterval time.Duration

	// ProtectPending keeps full reconciliation away from records with
	// queued outbound work.
	ProtectPending bool

	// FeedInitialBackoff and FeedMaxBackoff bound feed resubscribe delays.
	FeedInitialBackoff time.Duration
	FeedMaxBackoff     time.Duration

	// MultiProcess enables leader election and peer change notifications
	// for processes sharing the data directory.
	MultiProcess bool

	// LeaderRetryInterval is how often a follower process retries the lock.
	LeaderRetryInterval time.Duration

	// JournalRetention is how long journal rows are kept (default: 24h).
	JournalRetention time.Duration

	// OnReconcile is called with the results of every background full
	// pass. Optional.
	OnReconcile func(results []*reconcile.Result)

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Collections:         []string{"users"},
		RetryPolicy:         queue.RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute},
		BatchSize:           50,
		DrainInterval:       time.Second,
		ProtectPending:      true,
		FeedInitialBackoff:  500 * time.Millisecond,
		FeedMaxBackoff:      30 * time.Second,
		LeaderRetryInterval: time.Second,
		JournalRetention:    24 * time.Hour,
	}
}

// Deps are the collaborators the engine is built from.
type Deps struct {
	// Store is the local cache. Required. The engine never closes it.
	Store *localstore.DB

	// Remote is the authoritative store. Required.
	Remote remote.Channel

	// Monitor is the connectivity signal (default: a monitor that starts
	// online and is driven only by SetOnline).
	Monitor *connectivity.Monitor

	// Notifier receives every cache change (default: a new notifier).
	Notifier *notify.Notifier
}

// Engine synchronizes a local cache with a remote store.
type Engine struct {
	config      Config
	collections map[string]struct{}

	store      *localstore.DB
	remote     remote.Channel
	queue      *queue.Queue
	monitor    *connectivity.Monitor
	notifier   *notify.Notifier
	reconciler reconcile.Reconciler
	leader     *tabsync.Leader
	watcher    *tabsync.JournalWatcher
	logger     *log.Logger

	drainMu   sync.Mutex
	draining  atomic.Bool
	lastDrain atomic.Int64
	reconnect chan struct{}

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine. Call Start to begin synchronizing.
func New(config Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if deps.Remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if len(config.Collections) == 0 {
		return nil, fmt.Errorf("at least one collection is required")
	}

	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = defaults.DrainInterval
	}
	if config.LeaderRetryInterval <= 0 {
		config.LeaderRetryInterval = defaults.LeaderRetryInterval
	}
	if config.JournalRetention <= 0 {
		config.JournalRetention = defaults.JournalRetention
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if deps.Monitor == nil {
		deps.Monitor = connectivity.NewMonitor(true, config.Logger)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.New(config.Logger)
	}

	e := &Engine{
		config:      config,
		collections: make(map[string]struct{}, len(config.Collections)),
		store:       deps.Store,
		remote:      deps.Remote,
		queue:       queue.New(deps.Store, config.RetryPolicy, config.Logger),
		monitor:     deps.Monitor,
		notifier:    deps.Notifier,
		logger:      config.Logger,
		reconnect:   make(chan struct{}, 1),
	}
	for _, c := range config.Collections {
		e.collections[c] = struct{}{}
	}

	rc := reconcile.DefaultConfig()
	rc.Store = deps.Store
	rc.Remote = deps.Remote
	rc.Pending = e.queue
	rc.Notifier = deps.Notifier
	rc.ProtectPending = config.ProtectPending
	rc.Logger = config.Logger
	e.reconciler = reconcile.New(rc)

	if config.MultiProcess {
		e.leader = tabsync.NewLeader(filepath.Dir(deps.Store.Path()), tabsync.LeaderConfig{
			RetryInterval: config.LeaderRetryInterval,
			Logger:        config.Logger,
		})
	}

	e.monitor.OnChange(func(online bool) {
		if online {
			e.triggerReconnect()
		}
	})
	return e, nil
}

// Queue returns the outbound queue.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// Monitor returns the connectivity monitor.
func (e *Engine) Monitor() *connectivity.Monitor {
	return e.monitor
}

// Collections returns the configured collections.
func (e *Engine) Collections() []string {
	return append([]string(nil), e.config.Collections...)
}

func (e *Engine) checkCollection(collection string) error {
	if _, ok := e.collections[collection]; !ok {
		return fmt.Errorf("%w: %q", syncerr.ErrUnknownCollection, collection)
	}
	return nil
}

// GetData returns every cached record of collection.
func (e *Engine) GetData(ctx context.Context, collection string) ([]record.Record, error) {
	if err := e.checkCollection(collection); err != nil {
		return nil, err
	}
	return e.store.GetAll(ctx, collection)
}

// Get returns one cached record, or nil if it is not cached.
func (e *Engine) Get(ctx context.Context, collection, id string) (*record.Record, error) {
	if err := e.checkCollection(collection); err != nil {
		return nil, err
	}
	return e.store.Get(ctx, collection, id)
}

// UpdateData writes rec optimistically. An empty id gets a fresh uuid. The
// record is stored as pending and queued for the remote in one
// transaction. It returns the record as stored locally.
func (e *Engine) UpdateData(ctx context.Context, collection string, rec record.Record) (record.Record, error) {
	if err := e.checkCollection(collection); err != nil {
		return record.Record{}, err
	}
	rec = rec.Clone()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	rec.SyncStatus = record.StatusPending
	if err := rec.Validate(); err != nil {
		return record.Record{}, fmt.Errorf("%w: %v", syncerr.ErrInvalidRecord, err)
	}

	var change record.ChangeType
	err := e.store.Update(ctx, func(tx *localstore.Tx) error {
		existing, err := tx.Get(collection, rec.ID)
		if err != nil {
			return err
		}
		// Keep the last authoritative timestamp until the remote stamps a new one.
		rec.LastModified = 0
		if existing != nil {
			rec.LastModified = existing.LastModified
		}
		if change, err = tx.Put(collection, rec); err != nil {
			return err
		}
		_, err = e.queue.EnqueueTx(tx, queue.Put(collection, rec))
		return err
	})
	if err != nil {
		return record.Record{}, err
	}

	e.queue.Signal()
	e.notifier.Notify(notify.Event{Collection: collection, Type: change, Record: rec, Origin: notify.OriginLocal})
	return rec, nil
}

// DeleteData removes id locally and queues the remote delete. Deleting an
// id that is not cached still queues the delete.
func (e *Engine) DeleteData(ctx context.Context, collection, id string) error {
	if err := e.checkCollection(collection); err != nil {
		return err
	}
	if err := record.ValidateID(id); err != nil {
		return fmt.Errorf("%w: %v", syncerr.ErrInvalidRecord, err)
	}

	var prior *record.Record
	err := e.store.Update(ctx, func(tx *localstore.Tx) error {
		var err error
		if prior, err = tx.Get(collection, id); err != nil {
			return err
		}
		if _, err := tx.Delete(collection, id); err != nil {
			return err
		}
		_, err = e.queue.EnqueueTx(tx, queue.Delete(collection, id))
		return err
	})
	if err != nil {
		return err
	}

	e.queue.Signal()
	if prior != nil {
		e.notifier.Notify(notify.Event{Collection: collection, Type: record.Removed, Record: *prior, Origin: notify.OriginLocal})
	}
	return nil
}

// Subscribe registers cb for changes to collection.
func (e *Engine) Subscribe(collection string, cb notify.Callback) notify.Handle {
	return e.notifier.Subscribe(collection, cb)
}

// SubscribeAll registers cb for changes to every collection.
func (e *Engine) SubscribeAll(cb notify.Callback) notify.Handle {
	return e.notifier.SubscribeAll(cb)
}

// Unsubscribe removes a subscription.
func (e *Engine) Unsubscribe(h notify.Handle) {
	e.notifier.Unsubscribe(h)
}

// OnReconcile replaces Config.OnReconcile.
func (e *Engine) OnReconcile(fn func(results []*reconcile.Result)) {
	e.mu.Lock()
	e.config.OnReconcile = fn
	e.mu.Unlock()
}

// SetOnline reports connectivity to the engine.
func (e *Engine) SetOnline(online bool) {
	e.monitor.Set(online)
}

// Start begins background synchronization. It returns immediately; work
// runs until ctx is done or Stop is called. A stopped engine may be
// started again.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}
	if e.config.MultiProcess {
		w, err := tabsync.NewJournalWatcher(e.store, e.notifier, &tabsync.WatcherConfig{
			OnPeerChange: e.queue.Signal,
			Logger:       e.logger,
		})
		if err != nil {
			return err
		}
		e.watcher = w
	}
	e.started = true

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if w := e.watcher; w != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Printf("Journal watcher stopped: %v", err)
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if e.leader != nil {
			if err := e.leader.Acquire(ctx); err != nil {
				return
			}
			defer func() {
				if err := e.leader.Release(); err != nil {
					e.logger.Printf("WARNING: %v", err)
				}
			}()
		}
		e.runLeader(ctx)
	}()

	e.logger.Printf("Engine started (collections=%v, multi_process=%v)", e.config.Collections, e.config.MultiProcess)
	return nil
}

// Stop halts background work and waits for it to finish. The store stays
// open and local reads and writes keep working.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	e.wg.Wait()

	e.mu.Lock()
	e.started = false
	e.watcher = nil
	e.mu.Unlock()
	e.logger.Println("Engine stopped")
	return nil
}

// IsLeader reports whether this process may talk to the remote. Without
// MultiProcess it always may.
func (e *Engine) IsLeader() bool {
	return e.leader == nil || e.leader.IsLeader()
}

// TryLead takes sync leadership without blocking, for one-shot commands
// that call Drain and Reconcile without Start. It reports whether this
// process now leads. Without MultiProcess it always does.
func (e *Engine) TryLead() (bool, error) {
	if e.leader == nil {
		return true, nil
	}
	return e.leader.TryAcquire()
}

// Resign gives up leadership taken with TryLead.
func (e *Engine) Resign() error {
	if e.leader == nil {
		return nil
	}
	return e.leader.Release()
}

// runLeader runs every remote-facing task until ctx is done.
func (e *Engine) runLeader(ctx context.Context) {
	var wg sync.WaitGroup

	for _, collection := range e.config.Collections {
		wg.Add(1)
		go func(collection string) {
			defer wg.Done()
			e.follow(ctx, collection)
		}(collection)
	}

	wg.Add(3)
	go func() { defer wg.Done(); e.drainLoop(ctx) }()
	go func() { defer wg.Done(); e.reconnectLoop(ctx) }()
	go func() { defer wg.Done(); e.pruneLoop(ctx) }()

	// Starting up online counts as a reconnect.
	if e.monitor.Online() {
		e.triggerReconnect()
	}
	wg.Wait()
}

func cursorKey(collection string) string {
	return "cursor:" + collection
}

func (e *Engine) follow(ctx context.Context, collection string) {
	_ = remote.Follow(ctx, remote.FollowConfig{
		Channel:    e.remote,
		Collection: collection,
		Handle:     e.reconciler.ApplyChange,
		LoadCursor: func(ctx context.Context) (int64, error) {
			v, ok, err := e.store.GetMeta(ctx, cursorKey(collection))
			if err != nil || !ok {
				return 0, err
			}
			return strconv.ParseInt(v, 10, 64)
		},
		SaveCursor: func(ctx context.Context, cursor int64) error {
			return e.store.SetMeta(ctx, cursorKey(collection), strconv.FormatInt(cursor, 10))
		},
		Gate:           e.monitor.OnlineContext,
		InitialBackoff: e.config.FeedInitialBackoff,
		MaxBackoff:     e.config.FeedMaxBackoff,
		Logger:         e.logger,
	})
}

func (e *Engine) triggerReconnect() {
	select {
	case e.reconnect <- struct{}{}:
	default:
	}
}

// reconnectLoop drains and then reconciles after every reconnect.
func (e *Engine) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.reconnect:
		}
		if !e.monitor.Online() {
			continue
		}
		if err := e.Drain(ctx); err != nil && ctx.Err() == nil {
			e.logger.Printf("WARNING: drain after reconnect failed: %v", err)
		}
		if ctx.Err() != nil {
			return
		}
		results, err := e.Reconcile(ctx)
		if err != nil && ctx.Err() == nil {
			e.logger.Printf("WARNING: reconciliation after reconnect failed: %v", err)
		}
		e.mu.Lock()
		hook := e.config.OnReconcile
		e.mu.Unlock()
		if hook != nil {
			hook(results)
		}
	}
}

// Reconcile runs a full pass over every collection. Errors from individual
// collections are joined; the other collections still run.
func (e *Engine) Reconcile(ctx context.Context) ([]*reconcile.Result, error) {
	var (
		results []*reconcile.Result
		errs    []error
	)
	for _, collection := range e.config.Collections {
		res, err := e.reconciler.FullSync(ctx, collection)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return results, errors.Join(errs...)
}

func (e *Engine) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.store.PruneJournal(ctx, e.config.JournalRetention); err != nil {
				e.logger.Printf("WARNING: %v", err)
			} else if n > 0 {
				e.logger.Printf("Pruned %d journal entries", n)
			}
		}
	}
}
