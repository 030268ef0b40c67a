package reconcile

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ironwolf/localsync/internal/localstore"
	"github.com/ironwolf/localsync/internal/notify"
	"github.com/ironwolf/localsync/internal/record"
	"github.com/ironwolf/localsync/internal/remote"
	"github.com/ironwolf/localsync/internal/syncerr"
)

// MetaLastSync is the meta key holding the last sync time in unix ms.
const MetaLastSync = "last_sync"

// Snapshotter returns the authoritative records of a collection.
type Snapshotter interface {
	Snapshot(ctx context.Context, collection string) ([]record.Record, error)
}

// PendingSource reports which records still have outbound work queued.
// HasPendingTx answers inside the transaction that would overwrite the
// record, so an edit queued after PendingIDs is still seen.
type PendingSource interface {
	PendingIDs(ctx context.Context, collection string) (map[string]struct{}, error)
	HasPendingTx(tx *localstore.Tx, collection, id string) (bool, error)
}

// outcome is what a single apply did to the cache.
type outcome int

const (
	unchanged outcome = iota
	applied
	protected
)

// Config holds reconciler dependencies and options.
type Config struct {
	Store    *localstore.DB
	Remote   Snapshotter
	Pending  PendingSource
	Notifier *notify.Notifier

	// ProtectPending skips records with queued outbound entries during a
	// full pass (default: true).
	ProtectPending bool

	// Logger (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns a config with ProtectPending enabled.
func DefaultConfig() *Config {
	return &Config{ProtectPending: true}
}

// reconciler implements the Reconciler interface.
type reconciler struct {
	store    *localstore.DB
	remote   Snapshotter
	pending  PendingSource
	notifier *notify.Notifier
	protect  bool
	logger   *log.Logger

	running  atomic.Bool
	lastSync atomic.Int64
}

// New creates a new Reconciler. Store and Remote are required; a nil
// Notifier drops events and a nil Pending disables ProtectPending.
func New(cfg *Config) Reconciler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	r := &reconciler{
		store:    cfg.Store,
		remote:   cfg.Remote,
		pending:  cfg.Pending,
		notifier: cfg.Notifier,
		protect:  cfg.ProtectPending && cfg.Pending != nil,
		logger:   logger,
	}
	if v, ok, err := cfg.Store.GetMeta(context.Background(), MetaLastSync); err == nil && ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			r.lastSync.Store(ms)
		}
	}
	return r
}

// InProgress implements Reconciler.InProgress.
func (r *reconciler) InProgress() bool {
	return r.running.Load()
}

// LastSync implements Reconciler.LastSync.
func (r *reconciler) LastSync() time.Time {
	ms := r.lastSync.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ApplyChange implements Reconciler.ApplyChange.
func (r *reconciler) ApplyChange(ctx context.Context, change remote.Change) error {
	switch change.Type {
	case record.Added, record.Modified:
		if _, err := r.upsert(ctx, change.Collection, change.Record, false); err != nil {
			return err
		}
	case record.Removed:
		if _, err := r.remove(ctx, change.Collection, change.Record.ID, false); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown change type %q for %s", change.Type, change.Record.ID)
	}
	r.touch(ctx)
	return nil
}

// upsert stores rec as synced. With guard set, a record with queued
// outbound work is left alone.
func (r *reconciler) upsert(ctx context.Context, collection string, rec record.Record, guard bool) (outcome, error) {
	rec = rec.WithStatus(record.StatusSynced)

	var change record.ChangeType
	skip := false
	err := r.store.Update(ctx, func(tx *localstore.Tx) error {
		if guard {
			pending, err := r.pending.HasPendingTx(tx, collection, rec.ID)
			if err != nil || pending {
				skip = pending
				return err
			}
		}
		existing, err := tx.Get(collection, rec.ID)
		if err != nil {
			return err
		}
		if existing != nil && record.Equal(*existing, rec) {
			return nil
		}
		change, err = tx.Put(collection, rec)
		return err
	})
	switch {
	case err != nil:
		return unchanged, err
	case skip:
		return protected, nil
	case change == "":
		return unchanged, nil
	}

	r.notify(notify.Event{Collection: collection, Type: change, Record: rec, Origin: notify.OriginRemote})
	return applied, nil
}

// remove deletes id, with the same guard as upsert. It reports applied only
// if the record existed.
func (r *reconciler) remove(ctx context.Context, collection, id string, guard bool) (outcome, error) {
	var prior *record.Record
	skip := false
	err := r.store.Update(ctx, func(tx *localstore.Tx) error {
		if guard {
			pending, err := r.pending.HasPendingTx(tx, collection, id)
			if err != nil || pending {
				skip = pending
				return err
			}
		}
		var err error
		prior, err = tx.Get(collection, id)
		if err != nil || prior == nil {
			return err
		}
		_, err = tx.Delete(collection, id)
		return err
	})
	switch {
	case err != nil:
		return unchanged, err
	case skip:
		return protected, nil
	case prior == nil:
		return unchanged, nil
	}

	r.notify(notify.Event{Collection: collection, Type: record.Removed, Record: *prior, Origin: notify.OriginRemote})
	return applied, nil
}

// FullSync implements Reconciler.FullSync.
func (r *reconciler) FullSync(ctx context.Context, collection string) (*Result, error) {
	result := &Result{Collection: collection}
	if !r.running.CompareAndSwap(false, true) {
		result.Skipped = true
		return result, nil
	}
	defer r.running.Store(false)

	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	r.logger.Printf("Starting full sync of %s", collection)

	remoteRecs, err := r.remote.Snapshot(ctx, collection)
	if err != nil {
		return result, syncerr.Reconciliation(collection, fmt.Errorf("failed to fetch snapshot: %w", err))
	}

	localRecs, err := r.store.GetAll(ctx, collection)
	if err != nil {
		return result, syncerr.Reconciliation(collection, err)
	}
	local := make(map[string]record.Record, len(localRecs))
	for _, rec := range localRecs {
		local[rec.ID] = rec
	}

	pending := map[string]struct{}{}
	if r.protect {
		if pending, err = r.pending.PendingIDs(ctx, collection); err != nil {
			return result, syncerr.Reconciliation(collection, err)
		}
	}

	seen := make(map[string]struct{}, len(remoteRecs))
	for _, rec := range remoteRecs {
		seen[rec.ID] = struct{}{}
		if _, ok := pending[rec.ID]; ok {
			result.SkippedPending++
			continue
		}

		cached, ok := local[rec.ID]
		if ok && rec.LastModified <= cached.LastModified {
			result.Unchanged++
			continue
		}
		out, err := r.upsert(ctx, collection, rec, r.protect)
		if err != nil {
			return result, syncerr.Reconciliation(collection, fmt.Errorf("failed to apply %s: %w", rec.ID, err))
		}
		switch out {
		case applied:
			result.Applied++
		case protected:
			result.SkippedPending++
		default:
			result.Unchanged++
		}
	}

	for _, rec := range localRecs {
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		if _, ok := pending[rec.ID]; ok {
			result.SkippedPending++
			continue
		}
		out, err := r.remove(ctx, collection, rec.ID, r.protect)
		if err != nil {
			return result, syncerr.Reconciliation(collection, fmt.Errorf("failed to delete %s: %w", rec.ID, err))
		}
		switch out {
		case applied:
			result.Deleted++
		case protected:
			result.SkippedPending++
		}
	}

	r.touch(ctx)
	r.logger.Printf("Full sync of %s complete: applied=%d deleted=%d unchanged=%d pending=%d (%s)",
		collection, result.Applied, result.Deleted, result.Unchanged, result.SkippedPending,
		time.Since(start).Round(time.Millisecond))
	return result, nil
}

func (r *reconciler) touch(ctx context.Context) {
	now := time.Now().UnixMilli()
	r.lastSync.Store(now)
	if err := r.store.SetMeta(ctx, MetaLastSync, strconv.FormatInt(now, 10)); err != nil {
		r.logger.Printf("WARNING: failed to record last sync: %v", err)
	}
}

func (r *reconciler) notify(ev notify.Event) {
	if r.notifier != nil {
		r.notifier.Notify(ev)
	}
}
