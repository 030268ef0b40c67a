// Package engine is the application-facing sync engine.
//
// Overview
//
// An Engine owns the sync machinery for one local cache. Application code
// reads and writes through it at all times, regardless of connectivity:
//
//	UpdateData/DeleteData ──► one transaction: records + outbound queue
//	                               │
//	               (online, leader) drain loop ──► remote Write/Delete
//	                                                    │
//	remote feed ──► Follow ──► Reconciler.ApplyChange ◄─┘ (echo)
//	                               │
//	                          local cache ──► Notifier ──► subscribers
//
// Writes are optimistic: the record is stored as pending and visible to
// GetData before the remote has seen it. When the remote confirms the write
// the record becomes synced with the authoritative LastModified.
//
// Reconnect
//
// On every offline to online transition the leader drains the queue and then
// runs a full reconciliation of every collection, in that order.
//
// Multiple processes
//
// With MultiProcess set, processes sharing a data directory elect one
// leader (see package tabsync). Only the leader contacts the remote; every
// process receives the others' changes as peer events.
//
// Usage
//
//	eng, err := engine.New(cfg, engine.Deps{Store: db, Remote: client, Monitor: monitor})
//	if err != nil {
//	    return err
//	}
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Stop()
//
//	rec, err := eng.UpdateData(ctx, "users", record.New("", map[string]any{"name": "Ada"}))
package engine
