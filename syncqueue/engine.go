package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// Defaults taken from the mobile client's sync contract.
const (
	DefaultBatchSize         = 50
	DefaultConflictListLimit = 10
	DefaultCleanupDays       = 7
)

func logf(format string, args ...any) {
	log.Printf("[syncqueue] "+format, args...)
}

// Engine is the sync queue state machine. It owns no connections: the store,
// registry and locker are built by the caller and injected.
type Engine struct {
	store         Store
	registry      *Registry
	locker        Locker
	batchSize     int
	batchTimeout  time.Duration
	conflictLimit int
	now           func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize caps how many pending operations one replay call handles.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithBatchTimeout bounds the wall time of one replay call. Zero means the
// caller's context is the only bound.
func WithBatchTimeout(d time.Duration) Option {
	return func(e *Engine) { e.batchTimeout = d }
}

// WithConflictListLimit caps the conflicts returned by Status.
func WithConflictListLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.conflictLimit = n
		}
	}
}

// WithLocker replaces the default in-process owner lock.
func WithLocker(l Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithClock overrides time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine returns an engine over store and registry.
func NewEngine(store Store, registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		registry:      registry,
		locker:        NewLocalLocker(),
		batchSize:     DefaultBatchSize,
		conflictLimit: DefaultConflictListLimit,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

/* ─── Enqueue ─────────────────────────────────────────────────────────── */

// Enqueue stores the well-formed items as pending operations for ownerID.
// Malformed items are not stored; each is reported in Rejected with its
// index in items. Well-formed items of the same batch are still created.
func (e *Engine) Enqueue(ctx context.Context, ownerID int64, items []Item) (EnqueueResult, error) {
	result := EnqueueResult{Created: []Operation{}, Rejected: []Rejection{}}

	accepted := make([]Item, 0, len(items))
	for i, item := range items {
		item.ResourceType = strings.TrimSpace(item.ResourceType)
		item.OperationKind = strings.TrimSpace(item.OperationKind)
		if reason := checkItem(item); reason != "" {
			result.Rejected = append(result.Rejected, Rejection{Index: i, Reason: reason})
			continue
		}
		accepted = append(accepted, item)
	}
	if len(accepted) == 0 {
		return result, nil
	}

	created, err := e.store.Append(ctx, ownerID, accepted, e.now())
	if err != nil {
		return EnqueueResult{}, err
	}
	result.Created = created
	return result, nil
}

// checkItem returns why item cannot be queued, or "" if it can. Names are
// expected to be trimmed already.
func checkItem(item Item) string {
	switch {
	case item.ResourceType == "":
		return "resource_type is required"
	case item.OperationKind == "":
		return "operation_kind is required"
	case isMissingJSON(item.Payload):
		return "payload is required"
	case !isJSONObject(item.Payload):
		return "payload must be a JSON object"
	}
	return ""
}

func isMissingJSON(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "" || trimmed == "null"
}

func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}

/* ─── Replay ──────────────────────────────────────────────────────────── */

// ProcessPending replays ownerID's oldest pending operations, up to the
// batch size, strictly one after another. Each operation's outcome is
// recorded independently; a failing operation never aborts the batch. Only
// failing to read the queue (or to take the owner lock) is returned as an
// error. When ctx ends the batch stops and the remaining operations stay
// pending.
func (e *Engine) ProcessPending(ctx context.Context, ownerID int64) (Summary, error) {
	unlock, err := e.locker.TryLock(ctx, ownerID)
	if err != nil {
		return Summary{}, err
	}
	defer unlock()

	if e.batchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.batchTimeout)
		defer cancel()
	}

	pending, err := e.store.ListPending(ctx, ownerID, e.batchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("read pending operations: %w", err)
	}

	summary := Summary{Total: len(pending)}
	for _, op := range pending {
		if ctx.Err() != nil {
			logf("owner %d: batch interrupted after %d/%d operations: %v",
				ownerID, summary.Processed, summary.Total, ctx.Err())
			break
		}

		status, applyErr := e.replayOne(ctx, op)
		if status == StatusPending {
			// Interrupted mid-apply; the transaction rolled back.
			logf("owner %d: operation %d interrupted: %v", ownerID, op.ID, applyErr)
			break
		}

		summary.Processed++
		switch status {
		case StatusSynced:
			summary.Succeeded++
		case StatusConflict:
			summary.Failed++
			summary.Conflicts++
		default:
			summary.Failed++
		}
	}

	logf("owner %d: processed=%d succeeded=%d failed=%d conflicts=%d total=%d",
		ownerID, summary.Processed, summary.Succeeded, summary.Failed, summary.Conflicts, summary.Total)
	return summary, nil
}

// replayOne applies op and records the outcome. It returns StatusPending
// when the attempt was cut off by ctx and nothing was recorded.
func (e *Engine) replayOne(ctx context.Context, op Operation) (Status, error) {
	at := e.now()

	applier, err := e.registry.Lookup(op.ResourceType, op.Kind)
	if err == nil {
		err = e.store.Apply(ctx, op, at, func(ctx context.Context, q Querier) error {
			return applier(ctx, q, op.OwnerID, op.Payload)
		})
	}
	if err != nil && ctx.Err() != nil {
		return StatusPending, err
	}

	status := classify(err)
	if status == StatusSynced {
		return status, nil
	}

	logf("owner %d: operation %d (%s %s) -> %s: %v",
		op.OwnerID, op.ID, op.Kind, op.ResourceType, status, err)
	if recErr := e.store.RecordFailure(ctx, op, status, at, err.Error()); recErr != nil {
		// The operation stays pending and is retried on the next call.
		logf("owner %d: could not record %s for operation %d: %v", op.OwnerID, status, op.ID, recErr)
	}
	return status, err
}

/* ─── Status ──────────────────────────────────────────────────────────── */

// Status reports per-status counts, the oldest conflicts and the time of the
// most recent successful replay.
func (e *Engine) Status(ctx context.Context, ownerID int64) (StatusReport, error) {
	counts, err := e.store.CountByStatus(ctx, ownerID)
	if err != nil {
		return StatusReport{}, err
	}
	report := StatusReport{StatusCounts: make(map[Status]int, len(AllStatuses))}
	for _, s := range AllStatuses {
		report.StatusCounts[s] = counts[s]
	}

	conflicts, err := e.store.ListByStatus(ctx, ownerID, StatusConflict, e.conflictLimit)
	if err != nil {
		return StatusReport{}, err
	}
	if conflicts == nil {
		conflicts = []Operation{}
	}
	report.Conflicts = conflicts

	report.LastSync, err = e.store.LastSynced(ctx, ownerID)
	if err != nil {
		return StatusReport{}, err
	}
	return report, nil
}

/* ─── Conflict resolution ─────────────────────────────────────────────── */

// Resolve settles conflicting operation id. use_local and merge re-queue it
// with a reset retry count (merge also swaps in data); use_server marks it
// synced without applying it. An id that is missing, owned by someone else
// or not in conflict yields ErrNotFound and changes nothing.
func (e *Engine) Resolve(ctx context.Context, ownerID, id int64, resolution Resolution, data json.RawMessage) (Operation, error) {
	var update ResolveUpdate
	switch resolution {
	case ResolutionUseLocal:
		update = ResolveUpdate{Status: StatusPending, ResetRetries: true}
	case ResolutionUseServer:
		update = ResolveUpdate{Status: StatusSynced}
	case ResolutionMerge:
		if isMissingJSON(data) {
			return Operation{}, fmt.Errorf("%w: resolved_data is required for merge", ErrValidation)
		}
		if !isJSONObject(data) {
			return Operation{}, fmt.Errorf("%w: resolved_data must be a JSON object", ErrValidation)
		}
		update = ResolveUpdate{Status: StatusPending, ResetRetries: true, Payload: data}
	default:
		return Operation{}, fmt.Errorf("%w: resolution must be one of use_local, use_server, merge", ErrValidation)
	}

	op, err := e.store.ResolveConflict(ctx, ownerID, id, update)
	if err != nil {
		return Operation{}, err
	}
	logf("owner %d: conflict %d resolved with %s -> %s", ownerID, id, resolution, op.Status)
	return op, nil
}

// Retry re-queues failed operation id with its payload unchanged. The retry
// count is kept; only conflict resolution resets it. An id that is missing,
// owned by someone else or not failed yields ErrNotFound.
func (e *Engine) Retry(ctx context.Context, ownerID, id int64) (Operation, error) {
	op, err := e.store.RetryFailed(ctx, ownerID, id)
	if err != nil {
		return Operation{}, err
	}
	logf("owner %d: failed operation %d re-queued", ownerID, id)
	return op, nil
}

/* ─── Cleanup ─────────────────────────────────────────────────────────── */

// Cleanup deletes ownerID's synced operations last attempted more than
// olderThanDays days ago. Other statuses are never deleted.
func (e *Engine) Cleanup(ctx context.Context, ownerID int64, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, fmt.Errorf("%w: older_than_days must not be negative", ErrValidation)
	}
	cutoff := e.now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	n, err := e.store.DeleteSynced(ctx, ownerID, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logf("owner %d: cleaned %d synced operations older than %d days", ownerID, n, olderThanDays)
	}
	return n, nil
}
