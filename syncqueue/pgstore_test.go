package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslatePgError(t *testing.T) {
	unique := &pgconn.PgError{Code: "23505", ConstraintName: "nutrition_entries_user_client_key"}
	err := translatePgError(fmt.Errorf("insert: %w", unique))
	assert.ErrorIs(t, err, ErrUniqueViolation)

	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr), "original error stays in the chain")
	assert.Equal(t, "nutrition_entries_user_client_key", pgErr.ConstraintName)

	fk := &pgconn.PgError{Code: "23503"}
	assert.NotErrorIs(t, translatePgError(fk), ErrUniqueViolation)
	assert.Nil(t, translatePgError(nil))
}

func TestLimitArg(t *testing.T) {
	assert.Nil(t, limitArg(0))
	assert.Nil(t, limitArg(-3))
	assert.Equal(t, 50, limitArg(50))
}

// testPool connects to TEST_DB_URL, a database migrated with db/, or skips.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DB_URL")
	if url == "" {
		t.Skip("TEST_DB_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

// testUser inserts a throwaway user and removes it (and its queue) afterwards.
func testUser(t *testing.T, pool *pgxpool.Pool) int64 {
	t.Helper()
	ctx := context.Background()
	var id int64
	email := fmt.Sprintf("syncqueue-%d@example.test", time.Now().UnixNano())
	require.NoError(t, pool.QueryRow(ctx,
		`INSERT INTO users (email, password_hash, nom) VALUES ($1, 'x', 'test') RETURNING id`,
		email).Scan(&id))
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DELETE FROM users WHERE id = $1`, id)
	})
	return id
}

func TestPgStore_Lifecycle(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	owner := testUser(t, pool)
	store := NewPgStore(pool)
	at := time.Now().UTC().Truncate(time.Microsecond)

	created, err := store.Append(ctx, owner, []Item{
		{ResourceType: "trainings", OperationKind: "insert", Payload: json.RawMessage(`{"nom":"Leg Day"}`)},
		{ResourceType: "nutrition_entries", OperationKind: "INSERT", Payload: json.RawMessage(`{"food_id":1}`)},
	}, at)
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, KindInsert, created[0].Kind)
	assert.Equal(t, StatusPending, created[0].Status)
	assert.Less(t, created[0].ID, created[1].ID)

	pending, err := store.ListPending(ctx, owner, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, created[0].ID, pending[0].ID)

	applied := false
	require.NoError(t, store.Apply(ctx, created[0], at, func(ctx context.Context, q Querier) error {
		applied = q != nil
		return nil
	}))
	assert.True(t, applied)

	dup := store.Apply(ctx, created[1], at, func(ctx context.Context, q Querier) error {
		return &pgconn.PgError{Code: "23505"}
	})
	require.ErrorIs(t, dup, ErrUniqueViolation)
	require.NoError(t, store.RecordFailure(ctx, created[1], StatusConflict, at, dup.Error()))

	counts, err := store.CountByStatus(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusSynced])
	assert.Equal(t, 1, counts[StatusConflict])

	last, err := store.LastSynced(ctx, owner)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, at.Equal(*last))

	_, err = store.ResolveConflict(ctx, owner, created[0].ID, ResolveUpdate{Status: StatusPending})
	assert.ErrorIs(t, err, ErrNotFound, "synced operations cannot be resolved")

	merged, err := store.ResolveConflict(ctx, owner, created[1].ID, ResolveUpdate{
		Status: StatusPending, ResetRetries: true, Payload: json.RawMessage(`{"food_id":2}`),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, merged.Status)
	assert.Zero(t, merged.RetryCount)
	assert.JSONEq(t, `{"food_id":2}`, string(merged.Payload))

	n, err := store.DeleteSynced(ctx, owner, at.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPgStore_AppendKeepsLongUnknownNames(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	owner := testUser(t, pool)
	store := NewPgStore(pool)

	longResource := strings.Repeat("workout_template_", 8)
	created, err := store.Append(ctx, owner, []Item{
		{ResourceType: "trainings", OperationKind: "insert_or_update_if_exists", Payload: json.RawMessage(`{"nom":"A"}`)},
		{ResourceType: longResource, OperationKind: "INSERT", Payload: json.RawMessage(`{"nom":"B"}`)},
	}, time.Now())
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, Kind("INSERT_OR_UPDATE_IF_EXISTS"), created[0].Kind)
	assert.Equal(t, longResource, created[1].ResourceType)
}

func TestPgStore_RetryFailed(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	owner := testUser(t, pool)
	store := NewPgStore(pool)
	at := time.Now().UTC()

	created, err := store.Append(ctx, owner, []Item{
		{ResourceType: "trainings", OperationKind: "DELETE", Payload: json.RawMessage(`{"id":1}`)},
	}, at)
	require.NoError(t, err)

	_, err = store.RetryFailed(ctx, owner, created[0].ID)
	assert.ErrorIs(t, err, ErrNotFound, "pending operations cannot be retried")

	require.NoError(t, store.RecordFailure(ctx, created[0], StatusFailed, at, "unsupported"))

	_, err = store.RetryFailed(ctx, owner+1, created[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)

	retried, err := store.RetryFailed(ctx, owner, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
}
