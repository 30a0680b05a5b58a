package syncqueue

import (
	"context"
	"time"
)

// Store is the durable operation log. Every method is scoped to one owner;
// an id belonging to another owner behaves as if it did not exist.
type Store interface {
	// Append stores items as pending operations stamped with at and returns
	// them in the given order. Items are assumed well formed.
	Append(ctx context.Context, ownerID int64, items []Item, at time.Time) ([]Operation, error)

	// ListPending returns up to limit pending operations, oldest first.
	ListPending(ctx context.Context, ownerID int64, limit int) ([]Operation, error)

	// Apply runs fn and marks op synced at the given time as one unit:
	// if fn or the status update fails, neither takes effect.
	Apply(ctx context.Context, op Operation, at time.Time, fn func(ctx context.Context, q Querier) error) error

	// RecordFailure moves op to status (failed or conflict), increments its
	// retry count and stamps the attempt time and error text.
	RecordFailure(ctx context.Context, op Operation, status Status, at time.Time, cause string) error

	// CountByStatus returns the number of operations per status.
	CountByStatus(ctx context.Context, ownerID int64) (map[Status]int, error)

	// LastSynced returns the most recent attempt time among synced
	// operations, or nil.
	LastSynced(ctx context.Context, ownerID int64) (*time.Time, error)

	// ListByStatus returns up to limit operations in status, oldest first.
	ListByStatus(ctx context.Context, ownerID int64, status Status, limit int) ([]Operation, error)

	// ResolveConflict applies update to operation id only if it is
	// currently in conflict. Returns ErrNotFound otherwise.
	ResolveConflict(ctx context.Context, ownerID, id int64, update ResolveUpdate) (Operation, error)

	// RetryFailed moves operation id back to pending only if it is
	// currently failed, keeping its retry count and last error. Returns
	// ErrNotFound otherwise.
	RetryFailed(ctx context.Context, ownerID, id int64) (Operation, error)

	// DeleteSynced removes synced operations last attempted before cutoff
	// and returns how many were removed.
	DeleteSynced(ctx context.Context, ownerID int64, cutoff time.Time) (int64, error)
}
