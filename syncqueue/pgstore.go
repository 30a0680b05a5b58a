package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolationCode is the SQLSTATE Postgres raises for unique_violation.
const uniqueViolationCode = "23505"

const operationColumns = `id, user_id, table_name, operation, data, sync_status,
	retry_count, last_attempt, last_error, created_at`

// PgStore keeps the operation log in the offline_data_queue table.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore returns a store backed by pool. The pool's lifecycle belongs to
// the caller.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// operationRow maps to offline_data_queue.
type operationRow struct {
	ID          int64           `db:"id"`
	UserID      int64           `db:"user_id"`
	TableName   string          `db:"table_name"`
	Operation   string          `db:"operation"`
	Data        json.RawMessage `db:"data"`
	SyncStatus  string          `db:"sync_status"`
	RetryCount  int             `db:"retry_count"`
	LastAttempt *time.Time      `db:"last_attempt"`
	LastError   *string         `db:"last_error"`
	CreatedAt   time.Time       `db:"created_at"`
}

func (r operationRow) toOperation() Operation {
	op := Operation{
		ID:            r.ID,
		OwnerID:       r.UserID,
		ResourceType:  r.TableName,
		Kind:          Kind(r.Operation),
		Payload:       r.Data,
		Status:        Status(r.SyncStatus),
		RetryCount:    r.RetryCount,
		LastAttemptAt: r.LastAttempt,
		CreatedAt:     r.CreatedAt,
	}
	if r.LastError != nil {
		op.LastError = *r.LastError
	}
	return op
}

func toOperations(rows []operationRow) []Operation {
	out := make([]Operation, len(rows))
	for i, r := range rows {
		out[i] = r.toOperation()
	}
	return out
}

/* ─── Database helpers ────────────────────────────────────────────────── */

// queryOne runs a query and scans the first row into T using RowToStructByName.
func queryOne[T any](ctx context.Context, q Querier, sql string, args pgx.NamedArgs) (T, error) {
	rows, err := q.Query(ctx, sql, args)
	if err != nil {
		var zero T
		return zero, err
	}
	result, err := pgx.CollectOneRow(rows, pgx.RowToStructByName[T])
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		log.Printf("[queryOne] Scan error: %v", err)
	}
	return result, err
}

// queryMany runs a query and scans all rows into []T using RowToStructByName.
func queryMany[T any](ctx context.Context, q Querier, sql string, args pgx.NamedArgs) ([]T, error) {
	rows, err := q.Query(ctx, sql, args)
	if err != nil {
		return nil, err
	}
	results, err := pgx.CollectRows(rows, pgx.RowToStructByName[T])
	if err != nil {
		log.Printf("[queryMany] Scan error: %v", err)
	}
	return results, err
}

// translatePgError turns a Postgres unique_violation into ErrUniqueViolation,
// keeping the original error in the chain.
func translatePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

// limitArg returns nil (LIMIT NULL, i.e. unbounded) for non-positive limits.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

/* ─── Store implementation ────────────────────────────────────────────── */

// Append inserts all items in one transaction so a batch is stored whole or
// not at all.
func (s *PgStore) Append(ctx context.Context, ownerID int64, items []Item, at time.Time) ([]Operation, error) {
	created := make([]Operation, 0, len(items))
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, item := range items {
			kind, _ := ParseKind(item.OperationKind)
			row, err := queryOne[operationRow](ctx, tx,
				`INSERT INTO offline_data_queue (user_id, table_name, operation, data, sync_status, created_at)
				 VALUES (@userID, @tableName, @operation, @data::jsonb, 'pending', @createdAt)
				 RETURNING `+operationColumns,
				pgx.NamedArgs{
					"userID": ownerID, "tableName": item.ResourceType,
					"operation": string(kind), "data": string(item.Payload),
					"createdAt": at,
				})
			if err != nil {
				return err
			}
			created = append(created, row.toOperation())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append operations: %w", err)
	}
	return created, nil
}

func (s *PgStore) ListPending(ctx context.Context, ownerID int64, limit int) ([]Operation, error) {
	return s.ListByStatus(ctx, ownerID, StatusPending, limit)
}

// Apply runs fn inside a transaction that also marks op synced. A failing
// applier rolls back both; its error is returned with unique violations
// translated.
func (s *PgStore) Apply(ctx context.Context, op Operation, at time.Time, fn func(ctx context.Context, q Querier) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx,
			`UPDATE offline_data_queue
			 SET sync_status = 'synced', last_attempt = @at, last_error = NULL
			 WHERE id = @id AND user_id = @userID AND sync_status = 'pending'`,
			pgx.NamedArgs{"at": at, "id": op.ID, "userID": op.OwnerID})
		if err != nil {
			return fmt.Errorf("mark operation %d synced: %w", op.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("mark operation %d synced: %w", op.ID, ErrNotFound)
		}
		return nil
	})
	return translatePgError(err)
}

func (s *PgStore) RecordFailure(ctx context.Context, op Operation, status Status, at time.Time, cause string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE offline_data_queue
		 SET sync_status = @status, retry_count = retry_count + 1,
		     last_attempt = @at, last_error = @cause
		 WHERE id = @id AND user_id = @userID`,
		pgx.NamedArgs{
			"status": string(status), "at": at, "cause": cause,
			"id": op.ID, "userID": op.OwnerID,
		})
	if err != nil {
		return fmt.Errorf("record failure for operation %d: %w", op.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record failure for operation %d: %w", op.ID, ErrNotFound)
	}
	return nil
}

func (s *PgStore) CountByStatus(ctx context.Context, ownerID int64) (map[Status]int, error) {
	type statusCountRow struct {
		SyncStatus string `db:"sync_status"`
		Count      int    `db:"count"`
	}
	rows, err := queryMany[statusCountRow](ctx, s.pool,
		`SELECT sync_status, COUNT(*) AS count
		 FROM offline_data_queue
		 WHERE user_id = @userID
		 GROUP BY sync_status`,
		pgx.NamedArgs{"userID": ownerID})
	if err != nil {
		return nil, fmt.Errorf("count operations: %w", err)
	}
	counts := make(map[Status]int, len(rows))
	for _, r := range rows {
		counts[Status(r.SyncStatus)] = r.Count
	}
	return counts, nil
}

func (s *PgStore) LastSynced(ctx context.Context, ownerID int64) (*time.Time, error) {
	var last *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(last_attempt) FROM offline_data_queue
		 WHERE user_id = @userID AND sync_status = 'synced'`,
		pgx.NamedArgs{"userID": ownerID}).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("last sync time: %w", err)
	}
	return last, nil
}

func (s *PgStore) ListByStatus(ctx context.Context, ownerID int64, status Status, limit int) ([]Operation, error) {
	rows, err := queryMany[operationRow](ctx, s.pool,
		`SELECT `+operationColumns+`
		 FROM offline_data_queue
		 WHERE user_id = @userID AND sync_status = @status
		 ORDER BY created_at ASC, id ASC
		 LIMIT @limit`,
		pgx.NamedArgs{"userID": ownerID, "status": string(status), "limit": limitArg(limit)})
	if err != nil {
		return nil, fmt.Errorf("list %s operations: %w", status, err)
	}
	return toOperations(rows), nil
}

// ResolveConflict checks the conflict state and applies the update in one
// statement so a concurrent replay cannot interleave.
func (s *PgStore) ResolveConflict(ctx context.Context, ownerID, id int64, update ResolveUpdate) (Operation, error) {
	var data any
	if update.Payload != nil {
		data = string(update.Payload)
	}
	row, err := queryOne[operationRow](ctx, s.pool,
		`UPDATE offline_data_queue SET
			sync_status = @status,
			retry_count = CASE WHEN @reset::boolean THEN 0 ELSE retry_count END,
			last_error  = CASE WHEN @reset::boolean THEN NULL ELSE last_error END,
			data        = COALESCE(@data::jsonb, data)
		 WHERE id = @id AND user_id = @userID AND sync_status = 'conflict'
		 RETURNING `+operationColumns,
		pgx.NamedArgs{
			"status": string(update.Status), "reset": update.ResetRetries,
			"data": data, "id": id, "userID": ownerID,
		})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Operation{}, fmt.Errorf("conflict %d: %w", id, ErrNotFound)
		}
		return Operation{}, fmt.Errorf("resolve conflict %d: %w", id, err)
	}
	return row.toOperation(), nil
}

func (s *PgStore) RetryFailed(ctx context.Context, ownerID, id int64) (Operation, error) {
	row, err := queryOne[operationRow](ctx, s.pool,
		`UPDATE offline_data_queue SET sync_status = 'pending'
		 WHERE id = @id AND user_id = @userID AND sync_status = 'failed'
		 RETURNING `+operationColumns,
		pgx.NamedArgs{"id": id, "userID": ownerID})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Operation{}, fmt.Errorf("failed operation %d: %w", id, ErrNotFound)
		}
		return Operation{}, fmt.Errorf("retry operation %d: %w", id, err)
	}
	return row.toOperation(), nil
}

func (s *PgStore) DeleteSynced(ctx context.Context, ownerID int64, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM offline_data_queue
		 WHERE user_id = @userID AND sync_status = 'synced' AND last_attempt < @cutoff`,
		pgx.NamedArgs{"userID": ownerID, "cutoff": cutoff})
	if err != nil {
		return 0, fmt.Errorf("delete synced operations: %w", err)
	}
	return tag.RowsAffected(), nil
}
