// Package reconcile applies authoritative state to the local cache.
//
// Overview
//
// Two paths bring remote state into the local cache:
//
//	remote change feed ──► ApplyChange ──► local cache ──► subscribers
//	remote snapshot    ──► FullSync    ──► local cache ──► subscribers
//
// ApplyChange is incremental and unconditional: an added or modified
// change overwrites the cached record and marks it synced, a removed change
// deletes it. Applying the same change twice leaves the cache unchanged and
// notifies nobody the second time.
//
// FullSync diffs a full remote snapshot against the cache:
//
//   - present remotely, missing locally or strictly newer remotely: apply
//   - present locally, missing remotely: delete locally
//   - otherwise: leave the local record alone
//
// Pending writes
//
// With ProtectPending set, FullSync leaves alone every record that still
// has an outbound queue entry, in both directions. This keeps a queued
// local delete from being resurrected and a queued local create from being
// deleted before it reaches the remote.
//
// Concurrency
//
// Only one FullSync runs at a time. A call made while a pass is running
// returns immediately with Result.Skipped set; the trigger is dropped, not
// queued. ApplyChange may run concurrently with FullSync; every record
// write is its own transaction.
package reconcile
