// Package tabsync coordinates several local processes sharing one cache.
//
// Every process may read and write the local cache. Exactly one of them,
// the leader, talks to the remote store: it drains the outbound queue,
// follows the change feed and runs full reconciliation.
//
// Leadership
//
// Leadership is an advisory file lock on <data-dir>/localsync.lock taken
// with gofrs/flock. The operating system releases it when the holder exits,
// so a crashed leader is replaced by the next process that retries.
//
// Peer changes
//
// A JournalWatcher watches the data directory with fsnotify. Every committed
// write touches the database or its WAL file; after a short debounce the
// watcher reads journal rows newer than its cursor and republishes the ones
// written by other processes:
//
//	process A: UpdateData ──► records + journal (origin A)
//	                                 │
//	                      fsnotify (localsync.db-wal)
//	                                 ▼
//	process B: JournalWatcher ──► Notifier (Origin peer) ──► subscribers
//	                          └─► OnPeerChange (leader wakes its drain loop)
package tabsync
