// Package syncerr defines the error taxonomy shared by the sync engine.
//
// Errors carry a Kind so callers can decide between surfacing a failure
// and retrying later:
//
//	if errors.Is(err, syncerr.ErrStorage) {
//	    // local database unavailable, fail the operation
//	}
//	if syncerr.IsRetryable(err) {
//	    // remote failure, the queue or follower will retry
//	}
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a sync failure.
type Kind int

const (
	// KindStorage is a local durable store failure. Fatal to the issuing call.
	KindStorage Kind = iota + 1
	// KindRemoteWrite is a failed write or delete against the remote store.
	KindRemoteWrite
	// KindRemoteSubscription is a change feed disconnect.
	KindRemoteSubscription
	// KindReconciliation is a full reconciliation pass that failed partway.
	KindReconciliation
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "storage"
	case KindRemoteWrite:
		return "remote write"
	case KindRemoteSubscription:
		return "remote subscription"
	case KindReconciliation:
		return "reconciliation"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is checks. A *Error matches the sentinel of its Kind.
var (
	ErrStorage            = errors.New("storage error")
	ErrRemoteWrite        = errors.New("remote write error")
	ErrRemoteSubscription = errors.New("remote subscription error")
	ErrReconciliation     = errors.New("reconciliation error")

	// ErrNotFound is returned by remote lookups for an absent record.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidRecord is returned when a record fails validation.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrUnknownCollection is returned for a collection the engine was not configured with.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrClosed is returned when using a component after Close or Stop.
	ErrClosed = errors.New("closed")

	// ErrNotLeader is returned when an operation needs the cross-process
	// sync lock and another process holds it.
	ErrNotLeader = errors.New("another process owns synchronization")
)

// Error is a classified sync failure.
type Error struct {
	Kind       Kind
	Op         string
	Collection string
	ID         string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	target := e.Collection
	if e.ID != "" {
		target = e.Collection + "/" + e.ID
	}
	switch {
	case target != "" && e.Err != nil:
		return fmt.Sprintf("%s %s %s: %v", e.Kind, e.Op, target, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
	case target != "":
		return fmt.Sprintf("%s %s %s", e.Kind, e.Op, target)
	default:
		return fmt.Sprintf("%s %s", e.Kind, e.Op)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return sentinel(e.Kind) == target
}

func sentinel(k Kind) error {
	switch k {
	case KindStorage:
		return ErrStorage
	case KindRemoteWrite:
		return ErrRemoteWrite
	case KindRemoteSubscription:
		return ErrRemoteSubscription
	case KindReconciliation:
		return ErrReconciliation
	}
	return nil
}

// Storage wraps err as a storage failure of op.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// RemoteWrite wraps err as a remote write failure for collection/id.
func RemoteWrite(op, collection, id string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindRemoteWrite, Op: op, Collection: collection, ID: id, Err: err}
}

// RemoteSubscription wraps err as a feed failure for collection.
func RemoteSubscription(collection string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindRemoteSubscription, Op: "subscribe", Collection: collection, Err: err}
}

// Reconciliation wraps err as a failed full pass over collection.
func Reconciliation(collection string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindReconciliation, Op: "full sync", Collection: collection, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsRetryable returns true if the error is a remote-facing failure that
// degrades to "retry later" rather than failing the caller.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindRemoteWrite, KindRemoteSubscription, KindReconciliation:
		return true
	}
	return false
}
