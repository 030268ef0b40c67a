package engine

import (
	"context"
	"time"

	"github.com/ironwolf/localsync/internal/localstore"
	"github.com/ironwolf/localsync/internal/notify"
	"github.com/ironwolf/localsync/internal/queue"
	"github.com/ironwolf/localsync/internal/record"
	"github.com/ironwolf/localsync/internal/syncerr"
)

// drainLoop sends queued entries whenever the queue is signalled or a
// failed entry becomes due again.
func (e *Engine) drainLoop(ctx context.Context) {
	timer := time.NewTimer(e.config.DrainInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.queue.Signals():
		case <-timer.C:
		}

		if e.monitor.Online() {
			if err := e.Drain(ctx); err != nil && ctx.Err() == nil {
				e.logger.Printf("WARNING: drain failed: %v", err)
			}
		}
		timer.Reset(e.nextDrain(ctx))
	}
}

// nextDrain returns how long to sleep before the next timed pass.
func (e *Engine) nextDrain(ctx context.Context) time.Duration {
	next, ok, err := e.queue.NextAttempt(ctx)
	if err != nil || !ok {
		// Nothing queued; new writes signal the loop directly.
		return time.Minute
	}
	wait := time.Until(next)
	if wait < e.config.DrainInterval {
		wait = e.config.DrainInterval
	}
	return wait
}

// Drain sends every due queue entry to the remote. It stops early when the
// engine goes offline or a pass makes no progress. Remote failures only
// reschedule entries; the returned error is a storage failure, a context
// error, or syncerr.ErrNotLeader.
func (e *Engine) Drain(ctx context.Context) error {
	if !e.IsLeader() {
		return syncerr.ErrNotLeader
	}

	e.drainMu.Lock()
	defer e.drainMu.Unlock()
	e.draining.Store(true)
	defer e.draining.Store(false)

	for {
		if err := ctx.Err(); err != nil || !e.monitor.Online() {
			return err
		}

		batch, err := e.queue.DequeueBatch(ctx, e.config.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		progress := false
		for _, entry := range batch {
			if err := ctx.Err(); err != nil || !e.monitor.Online() {
				return err
			}
			sent, err := e.send(ctx, entry)
			if err != nil {
				return err
			}
			progress = progress || sent
		}
		if !progress {
			return nil
		}
	}
}

// send pushes one entry. It reports whether the entry left the queue.
func (e *Engine) send(ctx context.Context, entry queue.Entry) (bool, error) {
	superseded, err := e.queue.Superseded(ctx, entry)
	if err != nil {
		return false, err
	}
	if superseded {
		return true, e.queue.Acknowledge(ctx, entry)
	}

	switch entry.Operation {
	case queue.OpPut:
		stored, err := e.remote.Write(ctx, entry.Collection, *entry.Payload)
		if err != nil {
			return false, e.fail(ctx, entry, syncerr.RemoteWrite("write", entry.Collection, entry.RecordID, err))
		}
		if err := e.queue.Acknowledge(ctx, entry); err != nil {
			return false, err
		}
		if err := e.markSynced(ctx, entry.Collection, stored); err != nil {
			return true, err
		}

	case queue.OpDelete:
		if err := e.remote.Delete(ctx, entry.Collection, entry.RecordID); err != nil {
			return false, e.fail(ctx, entry, syncerr.RemoteWrite("delete", entry.Collection, entry.RecordID, err))
		}
		if err := e.queue.Acknowledge(ctx, entry); err != nil {
			return false, err
		}
	}

	e.lastDrain.Store(time.Now().UnixMilli())
	return true, nil
}

func (e *Engine) fail(ctx context.Context, entry queue.Entry, cause error) error {
	failed, err := e.queue.MarkFailed(ctx, entry.ID, cause)
	if err != nil {
		return err
	}
	e.logger.Printf("Send of %s %s/%s failed (attempt %d): %v",
		entry.Operation, entry.Collection, entry.RecordID, failed.RetryCount, cause)
	return nil
}

// markSynced stores the remote's accepted version locally unless a newer
// local edit is already queued for the record, or the feed already applied
// a newer remote version.
func (e *Engine) markSynced(ctx context.Context, collection string, stored record.Record) error {
	synced := stored.WithStatus(record.StatusSynced)
	var changed bool
	err := e.store.Update(ctx, func(tx *localstore.Tx) error {
		pending, err := e.queue.HasPendingTx(tx, collection, synced.ID)
		if err != nil || pending {
			return err
		}
		current, err := tx.Get(collection, synced.ID)
		if err != nil || current == nil {
			return err
		}
		if current.LastModified > synced.LastModified || record.Equal(*current, synced) {
			return nil
		}
		if _, err := tx.Put(collection, synced); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		e.notifier.Notify(notify.Event{Collection: collection, Type: record.Modified, Record: synced, Origin: notify.OriginRemote})
	}
	return nil
}
