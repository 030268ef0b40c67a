// Package record defines the synchronized record and its change events.
//
// # Overview
//
// A Record is an application entity identified by a stable string key that
// is identical in the local cache and the authoritative remote store. Its
// body is an open field map; the engine never interprets fields.
//
//	{
//	  "id": "u1",
//	  "fields": {"name": "Alice"},
//	  "last_modified": 1767225600000,
//	  "sync_status": "pending"
//	}
//
// # Ordering
//
// LastModified is a unix millisecond timestamp assigned by the remote store
// on every write. It is the last-writer-wins authority: the client clock is
// never used to order two versions of a record. A record written locally
// but not yet confirmed keeps the last authoritative value it had (zero for
// a new record) and carries SyncStatus "pending".
//
// # Sync Status
//
//   - pending  - local write issued, queue entry outstanding
//   - synced   - confirmed applied remotely or seen back on the change feed
//   - conflict - reserved for field-level merge, never produced
//
// # Files
//
// Records can be written to and read from {id}.json files, which is how
// fixtures and seed data are kept on disk:
//
//	rec := record.New("u1", map[string]any{"name": "Alice"})
//	if err := record.WriteFile("seed/users", rec); err != nil {
//	    return err
//	}
package record
