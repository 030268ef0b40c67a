// Package remote provides the authoritative store and the channel the sync
// engine uses to reach it.
//
// A Channel abstracts subscribing to a collection's change feed and writing
// to it. Store is the authoritative implementation backed by SQLite; Server
// exposes a Store over HTTP and WebSocket, and Client implements Channel
// against a Server.
//
// Change feed semantics:
//
//   - Changes carry a Seq assigned in remote commit order.
//   - Subscribing with cursor 0 first replays every current record as an
//     added change, then continues with live changes.
//   - Subscribing with cursor n > 0 yields only changes with Seq > n.
//   - The store stamps LastModified as max(now, previous+1) in unix
//     milliseconds, so it strictly increases per record.
package remote

import (
	"context"

	"github.com/ironwolf/localsync/internal/record"
)

// Change is one remote mutation.
type Change struct {
	Seq        int64             `json:"seq"`
	Collection string            `json:"collection"`
	Type       record.ChangeType `json:"type"`
	Record     record.Record     `json:"record"`
}

// Subscription is a live change feed. Next blocks until a change is
// available, the context is done or the feed fails.
type Subscription interface {
	Next(ctx context.Context) (Change, error)
	Close() error
}

// Channel is the engine's view of the authoritative store.
type Channel interface {
	// Subscribe opens the change feed of collection after cursor.
	Subscribe(ctx context.Context, collection string, cursor int64) (Subscription, error)

	// Write upserts rec and returns it as stored, with the authoritative
	// LastModified.
	Write(ctx context.Context, collection string, rec record.Record) (record.Record, error)

	// Delete removes id. Deleting an absent id succeeds.
	Delete(ctx context.Context, collection, id string) error

	// Snapshot returns every record of collection.
	Snapshot(ctx context.Context, collection string) ([]record.Record, error)
}
