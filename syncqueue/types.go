// Package syncqueue replays client-side offline mutations against the
// system of record. Operations are enqueued per owner, applied in creation
// order by a registered applier, and classified as synced, failed or
// conflicting. Conflicts wait for an explicit resolution before retry.
package syncqueue

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the replay state of an operation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
	StatusConflict Status = "conflict"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{StatusPending, StatusSynced, StatusFailed, StatusConflict}

// Kind is the mutation an operation performs on its resource.
type Kind string

const (
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
)

// ParseKind normalises s to a known Kind. Matching is case-insensitive,
// mirroring what mobile clients send ("insert", "INSERT").
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(s))); k {
	case KindInsert, KindUpdate, KindDelete:
		return k, true
	default:
		return k, false
	}
}

// Resolution is how a client settles a conflicting operation.
type Resolution string

const (
	// ResolutionUseLocal re-queues the operation with its original payload.
	ResolutionUseLocal Resolution = "use_local"
	// ResolutionUseServer accepts the server state and discards the operation.
	ResolutionUseServer Resolution = "use_server"
	// ResolutionMerge re-queues the operation with a replacement payload.
	ResolutionMerge Resolution = "merge"
)

// Operation is one client-originated mutation in the offline queue.
type Operation struct {
	ID            int64           `json:"id"`
	OwnerID       int64           `json:"owner_id"`
	ResourceType  string          `json:"resource_type"`
	Kind          Kind            `json:"operation_kind"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	LastAttemptAt *time.Time      `json:"last_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Item is one mutation submitted for enqueueing. Fields are raw client input;
// Enqueue decides whether the item is well formed.
type Item struct {
	ResourceType  string          `json:"resource_type"`
	OperationKind string          `json:"operation_kind"`
	Payload       json.RawMessage `json:"payload"`
}

// Rejection reports an enqueue item that was not stored.
type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// EnqueueResult holds the operations created from a batch, in submission
// order, and the items that were rejected.
type EnqueueResult struct {
	Created  []Operation `json:"created"`
	Rejected []Rejection `json:"rejected"`
}

// Summary counts the outcomes of one replay batch. Failed includes
// conflicting operations; Conflicts is that subset. Processed can be lower
// than Total when the batch was cut short by cancellation.
type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
	Total     int `json:"total"`
}

// StatusReport is the owner-facing view of the queue.
type StatusReport struct {
	StatusCounts map[Status]int `json:"status_counts"`
	Conflicts    []Operation    `json:"conflicts"`
	LastSync     *time.Time     `json:"last_sync"`
}

// ResolveUpdate is the state a conflicting operation moves to.
// A nil Payload keeps the stored payload.
type ResolveUpdate struct {
	Status       Status
	ResetRetries bool
	Payload      json.RawMessage
}
