package syncqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Appliers run against it receive a nil
// Querier, so it is only useful with appliers that do not touch a database.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	ops    map[int64]*Operation
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[int64]*Operation)}
}

func (s *MemoryStore) Append(_ context.Context, ownerID int64, items []Item, at time.Time) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := make([]Operation, 0, len(items))
	for _, item := range items {
		kind, _ := ParseKind(item.OperationKind)
		s.nextID++
		op := &Operation{
			ID:           s.nextID,
			OwnerID:      ownerID,
			ResourceType: item.ResourceType,
			Kind:         kind,
			Payload:      append([]byte(nil), item.Payload...),
			Status:       StatusPending,
			CreatedAt:    at,
		}
		s.ops[op.ID] = op
		created = append(created, copyOperation(op))
	}
	return created, nil
}

func (s *MemoryStore) ListPending(ctx context.Context, ownerID int64, limit int) ([]Operation, error) {
	return s.ListByStatus(ctx, ownerID, StatusPending, limit)
}

// Apply holds no lock while fn runs; the engine's owner lock keeps replays
// of one owner sequential.
func (s *MemoryStore) Apply(ctx context.Context, op Operation, at time.Time, fn func(ctx context.Context, q Querier) error) error {
	if err := fn(ctx, nil); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.owned(op.OwnerID, op.ID)
	if !ok {
		return fmt.Errorf("mark operation %d synced: %w", op.ID, ErrNotFound)
	}
	stored.Status = StatusSynced
	stored.LastAttemptAt = timePtr(at)
	stored.LastError = ""
	return nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, op Operation, status Status, at time.Time, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.owned(op.OwnerID, op.ID)
	if !ok {
		return fmt.Errorf("record failure for operation %d: %w", op.ID, ErrNotFound)
	}
	stored.Status = status
	stored.RetryCount++
	stored.LastAttemptAt = timePtr(at)
	stored.LastError = cause
	return nil
}

func (s *MemoryStore) CountByStatus(_ context.Context, ownerID int64) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Status]int)
	for _, op := range s.ops {
		if op.OwnerID == ownerID {
			counts[op.Status]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) LastSynced(_ context.Context, ownerID int64) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last *time.Time
	for _, op := range s.ops {
		if op.OwnerID != ownerID || op.Status != StatusSynced || op.LastAttemptAt == nil {
			continue
		}
		if last == nil || op.LastAttemptAt.After(*last) {
			last = timePtr(*op.LastAttemptAt)
		}
	}
	return last, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, ownerID int64, status Status, limit int) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Operation
	for _, op := range s.ops {
		if op.OwnerID == ownerID && op.Status == status {
			out = append(out, copyOperation(op))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ResolveConflict(_ context.Context, ownerID, id int64, update ResolveUpdate) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.owned(ownerID, id)
	if !ok || stored.Status != StatusConflict {
		return Operation{}, fmt.Errorf("conflict %d: %w", id, ErrNotFound)
	}
	stored.Status = update.Status
	if update.ResetRetries {
		stored.RetryCount = 0
		stored.LastError = ""
	}
	if update.Payload != nil {
		stored.Payload = append([]byte(nil), update.Payload...)
	}
	return copyOperation(stored), nil
}

func (s *MemoryStore) RetryFailed(_ context.Context, ownerID, id int64) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.owned(ownerID, id)
	if !ok || stored.Status != StatusFailed {
		return Operation{}, fmt.Errorf("failed operation %d: %w", id, ErrNotFound)
	}
	stored.Status = StatusPending
	return copyOperation(stored), nil
}

func (s *MemoryStore) DeleteSynced(_ context.Context, ownerID int64, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, op := range s.ops {
		if op.OwnerID != ownerID || op.Status != StatusSynced || op.LastAttemptAt == nil {
			continue
		}
		if op.LastAttemptAt.Before(cutoff) {
			delete(s.ops, id)
			n++
		}
	}
	return n, nil
}

// Get returns a copy of operation id regardless of owner. Test helper.
func (s *MemoryStore) Get(id int64) (Operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return Operation{}, false
	}
	return copyOperation(op), true
}

func (s *MemoryStore) owned(ownerID, id int64) (*Operation, bool) {
	op, ok := s.ops[id]
	if !ok || op.OwnerID != ownerID {
		return nil, false
	}
	return op, true
}

func copyOperation(op *Operation) Operation {
	c := *op
	c.Payload = append([]byte(nil), op.Payload...)
	if op.LastAttemptAt != nil {
		c.LastAttemptAt = timePtr(*op.LastAttemptAt)
	}
	return c
}

func timePtr(t time.Time) *time.Time { return &t }
