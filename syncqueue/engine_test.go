package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

/* ─── Helpers ─────────────────────────────────────────────────────────── */

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// spyApplier records every payload it is called with and returns err.
type spyApplier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *spyApplier) apply(_ context.Context, _ Querier, _ int64, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, string(payload))
	return s.err
}

func (s *spyApplier) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *spyApplier) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestEngine(t *testing.T, reg *Registry, opts ...Option) (*Engine, *MemoryStore, *fakeClock) {
	t.Helper()
	store := NewMemoryStore()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewEngine(store, reg, opts...), store, clock
}

func item(resource, kind, payload string) Item {
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	return Item{ResourceType: resource, OperationKind: kind, Payload: raw}
}

func mustGet(t *testing.T, store *MemoryStore, id int64) Operation {
	t.Helper()
	op, ok := store.Get(id)
	require.True(t, ok, "operation %d should exist", id)
	return op
}

/* ─── Enqueue ─────────────────────────────────────────────────────────── */

func TestEnqueue_CreatesPendingOperationsInOrder(t *testing.T) {
	engine, _, clock := newTestEngine(t, NewRegistry())

	res, err := engine.Enqueue(context.Background(), 1, []Item{
		item("trainings", "INSERT", `{"nom":"Leg Day"}`),
		item("sets", "INSERT", `{"reps":10}`),
		item("nutrition_entries", "DELETE", `{"id":4}`),
	})
	require.NoError(t, err)
	require.Len(t, res.Created, 3)
	assert.Empty(t, res.Rejected)

	seen := map[int64]bool{}
	for i, op := range res.Created {
		assert.Equal(t, StatusPending, op.Status)
		assert.Equal(t, int64(1), op.OwnerID)
		assert.Zero(t, op.RetryCount)
		assert.Nil(t, op.LastAttemptAt)
		assert.Equal(t, clock.Now(), op.CreatedAt)
		assert.False(t, seen[op.ID], "duplicate id %d", op.ID)
		seen[op.ID] = true
		if i > 0 {
			assert.Greater(t, op.ID, res.Created[i-1].ID, "ids are assigned in submission order")
		}
	}
	assert.Equal(t, "trainings", res.Created[0].ResourceType)
	assert.Equal(t, KindDelete, res.Created[2].Kind)
}

func TestEnqueue_RejectsMalformedItemsButKeepsTheRest(t *testing.T) {
	engine, store, _ := newTestEngine(t, NewRegistry())

	res, err := engine.Enqueue(context.Background(), 1, []Item{
		item("trainings", "INSERT", `{"nom":"A"}`),
		item("", "INSERT", `{"nom":"B"}`),
		item("trainings", "", `{"nom":"C"}`),
		item("trainings", "INSERT", ""),
		item("trainings", "INSERT", "null"),
		item("trainings", "INSERT", "42"),
		item("trainings", "UPDATE", `{"id":1,"nom":"D"}`),
	})
	require.NoError(t, err)

	require.Len(t, res.Created, 2)
	assert.JSONEq(t, `{"nom":"A"}`, string(res.Created[0].Payload))
	assert.JSONEq(t, `{"id":1,"nom":"D"}`, string(res.Created[1].Payload))

	require.Len(t, res.Rejected, 5)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, []int{
		res.Rejected[0].Index, res.Rejected[1].Index, res.Rejected[2].Index,
		res.Rejected[3].Index, res.Rejected[4].Index,
	})
	assert.Equal(t, "resource_type is required", res.Rejected[0].Reason)
	assert.Equal(t, "operation_kind is required", res.Rejected[1].Reason)
	assert.Equal(t, "payload is required", res.Rejected[2].Reason)
	assert.Equal(t, "payload is required", res.Rejected[3].Reason)
	assert.Equal(t, "payload must be a JSON object", res.Rejected[4].Reason)

	counts, err := store.CountByStatus(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusPending])
}

func TestEnqueue_AllRejectedStoresNothing(t *testing.T) {
	engine, store, _ := newTestEngine(t, NewRegistry())

	res, err := engine.Enqueue(context.Background(), 1, []Item{item("", "", "")})
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Len(t, res.Rejected, 1)

	counts, err := store.CountByStatus(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestEnqueue_NormalisesOperationKind(t *testing.T) {
	engine, _, _ := newTestEngine(t, NewRegistry())

	res, err := engine.Enqueue(context.Background(), 1, []Item{item("trainings", " insert ", `{}`)})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, KindInsert, res.Created[0].Kind)
}

func TestEnqueue_BlankNamesAreRejected(t *testing.T) {
	engine, store, _ := newTestEngine(t, NewRegistry())

	res, err := engine.Enqueue(context.Background(), 1, []Item{
		item("trainings", "   ", `{"nom":"A"}`),
		item(" \t", "INSERT", `{"nom":"B"}`),
		item(" trainings ", "INSERT", `{"nom":"C"}`),
	})
	require.NoError(t, err)

	require.Len(t, res.Rejected, 2)
	assert.Equal(t, Rejection{Index: 0, Reason: "operation_kind is required"}, res.Rejected[0])
	assert.Equal(t, Rejection{Index: 1, Reason: "resource_type is required"}, res.Rejected[1])

	require.Len(t, res.Created, 1)
	assert.Equal(t, "trainings", mustGet(t, store, res.Created[0].ID).ResourceType)
}

// Unknown names of any length are stored so the rest of the batch survives;
// they fail when replayed.
func TestEnqueue_StoresLongUnknownNamesAndFailsThemAtReplay(t *testing.T) {
	spy := &spyApplier{}
	reg := NewRegistry()
	reg.MustRegister("trainings", KindInsert, spy.apply)
	engine, store, _ := newTestEngine(t, reg)
	ctx := context.Background()

	longResource := strings.Repeat("workout_template_", 8)
	res, err := engine.Enqueue(ctx, 1, []Item{
		item("trainings", "insert_or_update_if_exists", `{"nom":"A"}`),
		item(longResource, "INSERT", `{"nom":"B"}`),
		item("trainings", "INSERT", `{"nom":"C"}`),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Rejected)
	require.Len(t, res.Created, 3)
	assert.Equal(t, Kind("INSERT_OR_UPDATE_IF_EXISTS"), res.Created[0].Kind)
	assert.Equal(t, longResource, res.Created[1].ResourceType)

	summary, err := engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 3, Succeeded: 1, Failed: 2, Total: 3}, summary)
	assert.Equal(t, StatusFailed, mustGet(t, store, res.Created[0].ID).Status)
	assert.Equal(t, StatusFailed, mustGet(t, store, res.Created[1].ID).Status)
	assert.Equal(t, StatusSynced, mustGet(t, store, res.Created[2].ID).Status)
}

/* ─── Replay ──────────────────────────────────────────────────────────── */

func TestProcessPending_SuccessMarksSynced(t *testing.T) {
	spy := &spyApplier{}
	reg := NewRegistry()
	reg.MustRegister("trainings", KindInsert, spy.apply)
	engine, store, clock := newTestEngine(t, reg)
	ctx := context.Background()

	res, err := engine.Enqueue(ctx, 1, []Item{item("trainings", "INSERT", `{"nom":"Leg Day"}`)})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, StatusPending, res.Created[0].Status)

	clock.Advance(time.Minute)
	summary, err := engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Succeeded: 1, Failed: 0, Conflicts: 0, Total: 1}, summary)

	op := mustGet(t, store, res.Created[0].ID)
	assert.Equal(t, StatusSynced, op.Status)
	assert.Zero(t, op.RetryCount)
	require.NotNil(t, op.LastAttemptAt)
	assert.Equal(t, clock.Now(), *op.LastAttemptAt)
	assert.Equal(t, []string{`{"nom":"Leg Day"}`}, spy.calls)
}

// A set's applier needs its training to exist already; replay must apply the
// training first even though both were queued in the same batch.
func TestProcessPending_AppliesInCreationOrder(t *testing.T) {
	var (
		mu        sync.Mutex
		trainings = map[string]bool{}
		applied   []string
	)
	reg := NewRegistry()
	reg.MustRegister("trainings", KindInsert, func(_ context.Context, _ Querier, _ int64, payload json.RawMessage) error {
		var p struct {
			ClientID string `json:"client_id"`
		}
		require.NoError(t, json.Unmarshal(payload, &p))
		mu.Lock()
		defer mu.Unlock()
		trainings[p.ClientID] = true
		applied = append(applied, "training:"+p.ClientID)
		return nil
	})
	reg.MustRegister("sets", KindInsert, func(_ context.Context, _ Querier, _ int64, payload json.RawMessage) error {
		var p struct {
			TrainingClientID string `json:"training_client_id"`
		}
		require.NoError(t, json.Unmarshal(payload, &p))
		mu.Lock()
		defer mu.Unlock()
		if !trainings[p.TrainingClientID] {
			return ErrNotOwned
		}
		applied = append(applied, "set:"+p.TrainingClientID)
		return nil
	})
	engine, _, clock := newTestEngine(t, reg)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, 1, []Item{
		item("trainings", "INSERT", `{"client_id":"a"}`),
		item("sets", "INSERT", `{"training_client_id":"a"}`),
	})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = engine.Enqueue(ctx, 1, []Item{
		item("trainings", "INSERT", `{"client_id":"b"}`),
		item("sets", "INSERT", `{"training_client_id":"b"}`),
	})
	require.NoError(t, err)

	summary, err := engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, []string{"training:a", "set:a", "training:b", "set:b"}, applied)
}

func TestProcessPending_UniqueViolationMarksConflict(t *testing.T) {
	spy := &spyApplier{err: fmt.Errorf("insert nutrition entry: %w", ErrUniqueViolation)}
	reg := NewRegistry()
	reg.MustRegister("nutrition_entries", KindInsert, spy.apply)
	engine, store, _ := newTestEngine(t, reg)
	ctx := context.Background()

	res, err := engine.Enqueue(ctx, 1, []Item{item("nutrition_entries", "INSERT", `{"food_id":3}`)})
	require.NoError(t, err)

	summary, err := engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Succeeded: 0, Failed: 1, Conflicts: 1, Total: 1}, summary)

	op := mustGet(t, store, res.Created[0].ID)
	assert.Equal(t, StatusConflict, op.Status)
	assert.Equal(t, 1, op.RetryCount)
	assert.NotNil(t, op.LastAttemptAt)
	assert.Contains(t, op.LastError, "uniqueness violation")
}

func TestProcessPending_OtherErrorsMarkFailed(t *testing.T) {
	cases := []struct {
		name     string
		resource string
		err      error
	}{
		{"applier error", "trainings", errors.New("connection reset")},
		{"ownership mismatch", "trainings", fmt.Errorf("update training 9: %w", ErrNotOwned)},
		{"invalid payload", "trainings", fmt.Errorf("%w: nom is required", ErrInvalidPayload)},
		{"unsupported resource", "wearable_samples", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spy := &spyApplier{err: tc.err}
			reg := NewRegistry()
			reg.MustRegister("trainings", KindUpdate, spy.apply)
			engine, store, _ := newTestEngine(t, reg)
			ctx := context.Background()

			res, err := engine.Enqueue(ctx, 1, []Item{item(tc.resource, "UPDATE", `{"id":9}`)})
			require.NoError(t, err)

			summary, err := engine.ProcessPending(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, Summary{Processed: 1, Failed: 1, Total: 1}, summary)

			op := mustGet(t, store, res.Created[0].ID)
			assert.Equal(t, StatusFailed, op.Status)
			assert.Equal(t, 1, op.RetryCount)
			assert.NotEmpty(t, op.LastError)
		})
	}
}

func TestProcessPending_UnknownKindFails(t *testing.T) {
	spy := &spyApplier{}
	reg := NewRegistry()
	reg.MustRegister("trainings", KindInsert, spy.apply)
	engine, store, _ := newTestEngine(t, reg)
	ctx := context.Background()

	res, err := engine.Enqueue(ctx, 1, []Item{item("trainings", "UPSERT", `{"nom":"x"}`)})
	require.NoError(t, err)

	_, err = engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, mustGet(t, store, res.Created[0].ID).Status)
	assert.Zero(t, spy.count())
}

func TestProcessPending_OneFailureDoesNotAbortBatch(t *testing.T) {
	failing := &spyApplier{err: errors.New("boom")}
	ok := &spyApplier{}
	reg := NewRegistry()
	reg.MustRegister("trainings", KindDelete, failing.apply)
	reg.MustRegister("trainings", KindInsert, ok.apply)
	engine, _, _ := newTestEngine(t, reg)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, 1, []Item{
		item("trainings", "DELETE", `{"id":1}`),
		item("trainings", "INSERT", `{"nom":"after"}`),
	})
	require.NoError(t, err)

	summary, err := engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 2, Succeeded: 1, Failed: 1, Total: 2}, summary)
	assert.Equal(t, 1, ok.count())
}

func TestProcessPending_LeavesOtherOwnersAlone(t *testing.T) {
	spy := &spyApplier{}
	reg := NewRegistry()
	reg.MustRegister("trainings", KindInsert, spy.apply)
	engine, store, _ := newTestEngine(t, reg)
	ctx := context.Background()

	mine, err := engine.Enqueue(ctx, 1, []Item{item("trainings", "INSERT", `{"nom":"mine"}`)})
	require.NoError(t, err)
	theirs, err := engine.Enqueue(ctx, 2, []Item{item("trainings", "INSERT", `{"nom":"theirs"}`)})
	require.NoError(t, err)

	summary, err := engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)

	assert.Equal(t, StatusSynced, mustGet(t, store, mine.Created[0].ID).Status)
	assert.Equal(t, StatusPending, mustGet(t, store, theirs.Created[0].ID).Status)
	assert.Equal(t, []string{`{"nom":"mine"}`}, spy.calls)
}

func TestProcessPending_RespectsBatchSize(t *testing.T) {
	spy := &spyApplier{}
	reg := NewRegistry()
	reg.MustRegister("trainings", KindInsert, spy.apply)
	engine, store, _ := newTestEngine(t, reg, WithBatchSize(2))
	ctx := context.Background()

	res, err := engine.Enqueue(ctx, 1, []Item{
		item("trainings", "INSERT", `{"n":1}`),
		item("trainings", "INSERT", `{"n":2}`),
		item("trainings", "INSERT", `{"n":3}`),
	})
	require.NoError(t, err)

	summary, err := engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, StatusPending, mustGet(t, store, res.Created[2].ID).Status)

	summary, err = engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 3, spy.count())
}

func TestProcessPending_DoesNotRetryFailuresAutomatically(t *testing.T) {
	spy := &spyApplier{err: errors.New("boom")}
	reg := NewRegistry()
	reg.MustRegister("trainings", KindInsert, spy.apply)
	engine, _, _ := newTestEngine(t, reg)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, 1, []Item{item("trainings", "INSERT", `{"nom":"x"}`)})
	require.NoError(t, err)

	_, err = engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	summary, err := engine.ProcessPending(ctx, 1)
	require.NoError(t, err)

	assert.Zero(t, summary.Total)
	assert.Equal(t, 1, spy.count())
}

func TestProcessPending_CancelledMidApplyLeavesOperationPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := NewRegistry()
	reg.MustRegister("trainings", KindInsert, func(ctx context.Context, _ Querier, _ int64, _ json.RawMessage) error {
		cancel()
		return ctx.Err()
	})
	engine, store, _ := newTestEngine(t, reg)

	res, err := engine.Enqueue(context.Background(), 1, []Item{
		item("trainings", "INSERT", `{"n":1}`),
		item("trainings", "INSERT", `{"n":2}`),
	})
	require.NoError(t, err)

	summary, err := engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 2}, summary)

	for _, created := range res.Created {
		op := mustGet(t, store, created.ID)
		assert.Equal(t, StatusPending, op.Status)
		assert.Zero(t, op.RetryCount)
		assert.Nil(t, op.LastAttemptAt)
	}
}

func TestProcessPending_CancelledBetweenOperationsKeepsRestPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := NewRegistry()
	reg.MustRegister("trainings", KindInsert, func(context.Context, Querier, int64, json.RawMessage) error {
		cancel()
		return nil
	})
	engine, store, _ := newTestEngine(t, reg)

	res, err := engine.Enqueue(context.Background(), 1, []Item{
		item("trainings", "INSERT", `{"n":1}`),
		item("trainings", "INSERT", `{"n":2}`),
	})
	require.NoError(t, err)

	summary, err := engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Succeeded: 1, Total: 2}, summary)
	assert.Equal(t, StatusSynced, mustGet(t, store, res.Created[0].ID).Status)
	assert.Equal(t, StatusPending, mustGet(t, store, res.Created[1].ID).Status)
}

func TestProcessPending_RejectsConcurrentReplayForSameOwner(t *testing.T) {
	locker := NewLocalLocker()
	engine, _, _ := newTestEngine(t, NewRegistry(), WithLocker(locker))
	ctx := context.Background()

	unlock, err := locker.TryLock(ctx, 1)
	require.NoError(t, err)

	_, err = engine.ProcessPending(ctx, 1)
	assert.ErrorIs(t, err, ErrReplayInProgress)

	// Other owners are independent.
	_, err = engine.ProcessPending(ctx, 2)
	assert.NoError(t, err)

	unlock()
	_, err = engine.ProcessPending(ctx, 1)
	assert.NoError(t, err)
}

/* ─── Status ──────────────────────────────────────────────────────────── */

func TestStatus_ReportsCountsConflictsAndLastSync(t *testing.T) {
	okSpy := &spyApplier{}
	dupSpy := &spyApplier{err: ErrUniqueViolation}
	reg := NewRegistry()
	reg.MustRegister("trainings", KindInsert, okSpy.apply)
	reg.MustRegister("nutrition_entries", KindInsert, dupSpy.apply)
	engine, _, clock := newTestEngine(t, reg, WithConflictListLimit(2))
	ctx := context.Background()

	empty, err := engine.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusPending: 0, StatusSynced: 0, StatusFailed: 0, StatusConflict: 0}, empty.StatusCounts)
	assert.Empty(t, empty.Conflicts)
	assert.Nil(t, empty.LastSync)

	for i := 0; i < 3; i++ {
		_, err := engine.Enqueue(ctx, 1, []Item{item("nutrition_entries", "INSERT", fmt.Sprintf(`{"n":%d}`, i))})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	_, err = engine.Enqueue(ctx, 1, []Item{item("trainings", "INSERT", `{"nom":"x"}`)})
	require.NoError(t, err)
	clock.Advance(time.Minute)

	_, err = engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	syncedAt := clock.Now()

	_, err = engine.Enqueue(ctx, 1, []Item{item("trainings", "INSERT", `{"nom":"later"}`)})
	require.NoError(t, err)

	report, err := engine.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusPending: 1, StatusSynced: 1, StatusFailed: 0, StatusConflict: 3}, report.StatusCounts)
	require.Len(t, report.Conflicts, 2)
	assert.JSONEq(t, `{"n":0}`, string(report.Conflicts[0].Payload))
	assert.JSONEq(t, `{"n":1}`, string(report.Conflicts[1].Payload))
	require.NotNil(t, report.LastSync)
	assert.Equal(t, syncedAt, *report.LastSync)
}

/* ─── Conflict resolution ─────────────────────────────────────────────── */

// conflictFixture queues one nutrition insert whose applier reports a
// duplicate key and replays it into the conflict state.
func conflictFixture(t *testing.T) (*Engine, *MemoryStore, *spyApplier, Operation) {
	t.Helper()
	spy := &spyApplier{err: fmt.Errorf("duplicate key: %w", ErrUniqueViolation)}
	reg := NewRegistry()
	reg.MustRegister("nutrition_entries", KindInsert, spy.apply)
	engine, store, _ := newTestEngine(t, reg)
	ctx := context.Background()

	res, err := engine.Enqueue(ctx, 1, []Item{item("nutrition_entries", "INSERT", `{"food_id":3,"quantity_g":120}`)})
	require.NoError(t, err)
	_, err = engine.ProcessPending(ctx, 1)
	require.NoError(t, err)

	op := mustGet(t, store, res.Created[0].ID)
	require.Equal(t, StatusConflict, op.Status)
	require.Equal(t, 1, op.RetryCount)
	return engine, store, spy, op
}

func TestResolve_UseServerMarksSyncedWithoutApplying(t *testing.T) {
	engine, store, spy, op := conflictFixture(t)
	ctx := context.Background()

	report, err := engine.Status(ctx, 1)
	require.NoError(t, err)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, op.ID, report.Conflicts[0].ID)

	resolved, err := engine.Resolve(ctx, 1, op.ID, ResolutionUseServer, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, resolved.Status)
	assert.Equal(t, 1, spy.count(), "use_server must not invoke the applier")

	_, err = engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, spy.count())
	assert.Equal(t, StatusSynced, mustGet(t, store, op.ID).Status)
}

func TestResolve_UseLocalRequeuesOriginalPayload(t *testing.T) {
	engine, store, spy, op := conflictFixture(t)
	ctx := context.Background()

	resolved, err := engine.Resolve(ctx, 1, op.ID, ResolutionUseLocal, json.RawMessage(`{"ignored":true}`))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, resolved.Status)
	assert.Zero(t, resolved.RetryCount)
	assert.JSONEq(t, `{"food_id":3,"quantity_g":120}`, string(resolved.Payload))

	spy.setErr(nil)
	summary, err := engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, StatusSynced, mustGet(t, store, op.ID).Status)
}

func TestResolve_MergeReplacesPayload(t *testing.T) {
	engine, store, spy, op := conflictFixture(t)
	ctx := context.Background()

	resolved, err := engine.Resolve(ctx, 1, op.ID, ResolutionMerge, json.RawMessage(`{"food_id":3,"quantity_g":200}`))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, resolved.Status)
	assert.Zero(t, resolved.RetryCount)
	assert.Empty(t, resolved.LastError)

	stored := mustGet(t, store, op.ID)
	assert.JSONEq(t, `{"food_id":3,"quantity_g":200}`, string(stored.Payload))

	spy.setErr(nil)
	_, err = engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"food_id":3,"quantity_g":200}`, spy.calls[len(spy.calls)-1])
}

func TestResolve_ValidationErrorsLeaveRecordUnchanged(t *testing.T) {
	cases := []struct {
		name       string
		resolution Resolution
		data       json.RawMessage
	}{
		{"merge without data", ResolutionMerge, nil},
		{"merge with null", ResolutionMerge, json.RawMessage(`null`)},
		{"merge with array", ResolutionMerge, json.RawMessage(`[1,2]`)},
		{"unknown resolution", Resolution("discard"), nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, store, _, op := conflictFixture(t)

			_, err := engine.Resolve(context.Background(), 1, op.ID, tc.resolution, tc.data)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, op, mustGet(t, store, op.ID))
		})
	}
}

func TestResolve_NotInConflictIsNotFound(t *testing.T) {
	failing := &spyApplier{err: errors.New("boom")}
	reg := NewRegistry()
	reg.MustRegister("trainings", KindInsert, failing.apply)
	engine, store, _ := newTestEngine(t, reg)
	ctx := context.Background()

	res, err := engine.Enqueue(ctx, 1, []Item{
		item("trainings", "INSERT", `{"nom":"will fail"}`),
	})
	require.NoError(t, err)
	_, err = engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	failed := mustGet(t, store, res.Created[0].ID)
	require.Equal(t, StatusFailed, failed.Status)

	pendingRes, err := engine.Enqueue(ctx, 1, []Item{item("trainings", "INSERT", `{"nom":"pending"}`)})
	require.NoError(t, err)
	pending := mustGet(t, store, pendingRes.Created[0].ID)

	for _, op := range []Operation{failed, pending} {
		_, err := engine.Resolve(ctx, 1, op.ID, ResolutionUseLocal, nil)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, op, mustGet(t, store, op.ID))
	}

	_, err = engine.Resolve(ctx, 1, 9999, ResolutionUseServer, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_OtherOwnersConflictIsNotFound(t *testing.T) {
	engine, store, _, op := conflictFixture(t)

	_, err := engine.Resolve(context.Background(), 2, op.ID, ResolutionUseServer, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, StatusConflict, mustGet(t, store, op.ID).Status)
}

/* ─── Retry ───────────────────────────────────────────────────────────── */

func TestRetry_RequeuesFailedOperationAsIs(t *testing.T) {
	spy := &spyApplier{err: errors.New("connection reset")}
	reg := NewRegistry()
	reg.MustRegister("trainings", KindInsert, spy.apply)
	engine, store, _ := newTestEngine(t, reg)
	ctx := context.Background()

	res, err := engine.Enqueue(ctx, 1, []Item{item("trainings", "INSERT", `{"nom":"Leg Day"}`)})
	require.NoError(t, err)
	_, err = engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, mustGet(t, store, res.Created[0].ID).Status)

	retried, err := engine.Retry(ctx, 1, res.Created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount, "only conflict resolution resets the count")
	assert.JSONEq(t, `{"nom":"Leg Day"}`, string(retried.Payload))

	spy.setErr(nil)
	summary, err := engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, StatusSynced, mustGet(t, store, res.Created[0].ID).Status)
	assert.Equal(t, 2, spy.count())
}

func TestRetry_OnlyFailedOperationsOfTheOwner(t *testing.T) {
	engine, store, _, conflict := conflictFixture(t)
	ctx := context.Background()

	pendingRes, err := engine.Enqueue(ctx, 1, []Item{item("nutrition_entries", "INSERT", `{"food_id":4}`)})
	require.NoError(t, err)
	pending := mustGet(t, store, pendingRes.Created[0].ID)

	for _, op := range []Operation{conflict, pending} {
		_, err := engine.Retry(ctx, 1, op.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, op, mustGet(t, store, op.ID))
	}

	unsupported, err := engine.Enqueue(ctx, 1, []Item{item("trainings", "DELETE", `{"id":1}`)})
	require.NoError(t, err)
	_, err = engine.ProcessPending(ctx, 1)
	require.NoError(t, err)
	failed := mustGet(t, store, unsupported.Created[0].ID)
	require.Equal(t, StatusFailed, failed.Status)

	_, err = engine.Retry(ctx, 2, failed.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, failed, mustGet(t, store, failed.ID))

	_, err = engine.Retry(ctx, 1, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

/* ─── Cleanup ─────────────────────────────────────────────────────────── */

func TestCleanup_DeletesOnlyOldSyncedOperations(t *testing.T) {
	okSpy := &spyApplier{}
	failSpy := &spyApplier{err: errors.New("boom")}
	dupSpy := &spyApplier{err: ErrUniqueViolation}
	reg := NewRegistry()
	reg.MustRegister("trainings", KindInsert, okSpy.apply)
	reg.MustRegister("trainings", KindDelete, failSpy.apply)
	reg.MustRegister("nutrition_entries", KindInsert, dupSpy.apply)
	engine, store, clock := newTestEngine(t, reg)
	ctx := context.Background()

	old, err := engine.Enqueue(ctx, 1, []Item{
		item("trainings", "INSERT", `{"nom":"old synced"}`),
		item("trainings", "DELETE", `{"id":1}`),
		item("nutrition_entries", "INSERT", `{"food_id":1}`),
	})
	require.NoError(t, err)
	_, err = engine.ProcessPending(ctx, 1)
	require.NoError(t, err)

	otherOwner, err := engine.Enqueue(ctx, 2, []Item{item("trainings", "INSERT", `{"nom":"theirs"}`)})
	require.NoError(t, err)
	_, err = engine.ProcessPending(ctx, 2)
	require.NoError(t, err)

	stalePending, err := engine.Enqueue(ctx, 1, []Item{item("sets", "INSERT", `{"reps":5}`)})
	require.NoError(t, err)

	clock.Advance(9 * 24 * time.Hour)
	recent, err := engine.Enqueue(ctx, 1, []Item{item("trainings", "INSERT", `{"nom":"recent"}`)})
	require.NoError(t, err)
	// The stale "sets" insert has no applier and fails; failed operations are
	// never cleaned up.
	_, err = engine.ProcessPending(ctx, 1)
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	n, err := engine.Cleanup(ctx, 1, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok := store.Get(old.Created[0].ID)
	assert.False(t, ok, "old synced operation should be deleted")
	assert.Equal(t, StatusFailed, mustGet(t, store, old.Created[1].ID).Status)
	assert.Equal(t, StatusConflict, mustGet(t, store, old.Created[2].ID).Status)
	assert.Equal(t, StatusFailed, mustGet(t, store, stalePending.Created[0].ID).Status)
	assert.Equal(t, StatusSynced, mustGet(t, store, recent.Created[0].ID).Status)
	assert.Equal(t, StatusSynced, mustGet(t, store, otherOwner.Created[0].ID).Status)
}

func TestCleanup_NeverDeletesPendingOperations(t *testing.T) {
	engine, store, clock := newTestEngine(t, NewRegistry())
	ctx := context.Background()

	res, err := engine.Enqueue(ctx, 1, []Item{item("trainings", "INSERT", `{"nom":"x"}`)})
	require.NoError(t, err)

	clock.Advance(365 * 24 * time.Hour)
	n, err := engine.Cleanup(ctx, 1, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, StatusPending, mustGet(t, store, res.Created[0].ID).Status)
}

func TestCleanup_RejectsNegativeThreshold(t *testing.T) {
	engine, _, _ := newTestEngine(t, NewRegistry())

	_, err := engine.Cleanup(context.Background(), 1, -1)
	assert.ErrorIs(t, err, ErrValidation)
}
