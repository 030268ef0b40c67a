package engine

import (
	"context"
	"time"
)

// Status is a snapshot of the engine's synchronization state.
type Status struct {
	IsOnline          bool      `json:"is_online"`
	LastSyncTimestamp time.Time `json:"last_sync_timestamp"`
	SyncInProgress    bool      `json:"sync_in_progress"`
	Pending           int       `json:"pending"`
	Leader            bool      `json:"leader"`
}

// SyncStatus reports connectivity, the most recent successful sync (a
// completed full pass or an acknowledged send) and queued work. Pending is
// -1 when the queue cannot be read.
func (e *Engine) SyncStatus() Status {
	last := e.reconciler.LastSync()
	if ms := e.lastDrain.Load(); ms > 0 {
		if t := time.UnixMilli(ms); t.After(last) {
			last = t
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pending, err := e.queue.Len(ctx)
	if err != nil {
		e.logger.Printf("WARNING: failed to count queue: %v", err)
		pending = -1
	}

	return Status{
		IsOnline:          e.monitor.Online(),
		LastSyncTimestamp: last,
		SyncInProgress:    e.draining.Load() || e.reconciler.InProgress(),
		Pending:           pending,
		Leader:            e.IsLeader(),
	}
}
