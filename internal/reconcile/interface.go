package reconcile

import (
	"context"
	"time"

	"github.com/ironwolf/localsync/internal/remote"
)

// Reconciler keeps the local cache consistent with the authoritative store.
type Reconciler interface {
	// ApplyChange applies one change from the remote feed.
	//
	// Returns an error only if the local cache cannot be updated.
	ApplyChange(ctx context.Context, change remote.Change) error

	// FullSync fetches a snapshot of collection and converges the cache
	// to it. Partial progress stands if the pass fails.
	//
	// Example:
	//   res, err := r.FullSync(ctx, "users")
	FullSync(ctx context.Context, collection string) (*Result, error)

	// InProgress reports whether a full pass is running.
	InProgress() bool

	// LastSync returns when remote state was last applied, or the zero
	// time if never.
	LastSync() time.Time
}

// Result summarizes one full reconciliation pass.
type Result struct {
	Collection     string        `json:"collection"`
	Applied        int           `json:"applied"`
	Deleted        int           `json:"deleted"`
	Unchanged      int           `json:"unchanged"`
	SkippedPending int           `json:"skipped_pending"`
	Skipped        bool          `json:"skipped"`
	Duration       time.Duration `json:"duration"`
}
