// Package resources applies replayed offline mutations to SportApp's
// owner-scoped tables. Each applier is registered with the sync queue under
// its table name and operation kind.
package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/SebasMorneau/sport-app-sub001/syncqueue"
)

// Resource type names, matching the table each applier writes to.
const (
	Trainings        = "trainings"
	Sets             = "sets"
	NutritionEntries = "nutrition_entries"
	BodyMeasurements = "body_measurements"
	UserProfiles     = "user_profiles"
)

// Register adds every applier in this package to reg.
func Register(reg *syncqueue.Registry) {
	reg.MustRegister(Trainings, syncqueue.KindInsert, insertTraining)
	reg.MustRegister(Trainings, syncqueue.KindUpdate, updateTraining)
	reg.MustRegister(Trainings, syncqueue.KindDelete, deleteTraining)

	reg.MustRegister(Sets, syncqueue.KindInsert, insertSet)
	reg.MustRegister(Sets, syncqueue.KindUpdate, updateSet)
	reg.MustRegister(Sets, syncqueue.KindDelete, deleteSet)

	reg.MustRegister(NutritionEntries, syncqueue.KindInsert, insertNutritionEntry)
	reg.MustRegister(NutritionEntries, syncqueue.KindUpdate, updateNutritionEntry)
	reg.MustRegister(NutritionEntries, syncqueue.KindDelete, deleteNutritionEntry)

	reg.MustRegister(BodyMeasurements, syncqueue.KindInsert, insertBodyMeasurement)
	reg.MustRegister(BodyMeasurements, syncqueue.KindUpdate, updateBodyMeasurement)
	reg.MustRegister(BodyMeasurements, syncqueue.KindDelete, deleteBodyMeasurement)

	// Profiles are created with the account and never deleted by a client.
	reg.MustRegister(UserProfiles, syncqueue.KindInsert, insertUserProfile)
	reg.MustRegister(UserProfiles, syncqueue.KindUpdate, updateUserProfile)
}

// NewRegistry returns a registry holding every applier in this package.
func NewRegistry() *syncqueue.Registry {
	reg := syncqueue.NewRegistry()
	Register(reg)
	return reg
}

/* ─── Payload helpers ─────────────────────────────────────────────────── */

// decode unmarshals payload into dst. Unknown fields are ignored because
// clients send their whole local row.
func decode(payload json.RawMessage, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("%w: %v", syncqueue.ErrInvalidPayload, err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", syncqueue.ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// clientIDArg validates an optional client-generated UUID and returns it as
// a query argument (nil when absent).
func clientIDArg(field string, s *string) (any, error) {
	if s == nil {
		return nil, nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil, invalid("%s must be a UUID", field)
	}
	return id, nil
}

// target holds the two ways a client can address an existing row: the
// server id, or the client_id it generated while offline.
type target struct {
	ID       *int64  `json:"id"`
	ClientID *string `json:"client_id"`
}

// args validates the target and adds @id and @clientID to args. At least one
// of them must be present.
func (t target) args(args pgx.NamedArgs) error {
	if t.ID == nil && t.ClientID == nil {
		return invalid("id or client_id is required")
	}
	if t.ID != nil && *t.ID <= 0 {
		return invalid("id must be positive")
	}
	clientID, err := clientIDArg("client_id", t.ClientID)
	if err != nil {
		return err
	}
	args["id"] = t.ID
	args["clientID"] = clientID
	return nil
}

// targetPredicate matches a row by id or client_id; whichever is NULL never
// matches.
const targetPredicate = `(id = @id OR client_id = @clientID)`

// execOwned runs an owner-scoped statement and fails closed when it touches
// no rows.
func execOwned(ctx context.Context, q syncqueue.Querier, what, sql string, args pgx.NamedArgs) error {
	tag, err := q.Exec(ctx, sql, args)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, syncqueue.ErrNotOwned)
	}
	return nil
}

// timestamp accepts RFC 3339 or a bare YYYY-MM-DD date; mobile clients send
// both.
type timestamp struct{ time.Time }

func (t *timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("invalid time %q, expected RFC 3339 or YYYY-MM-DD", s)
}

// value returns the time as a query argument, nil when absent.
func (t *timestamp) value() *time.Time {
	if t == nil {
		return nil
	}
	return &t.Time
}

/* ─── Dynamic SET builder ─────────────────────────────────────────────── */

// setClauses collects "column = @column" clauses for the fields a client
// actually sent, so omitted fields keep their stored value.
type setClauses struct {
	clauses []string
	args    pgx.NamedArgs
}

func newSetClauses(args pgx.NamedArgs) *setClauses {
	return &setClauses{args: args}
}

// setField adds column when v is non-nil.
func setField[T any](s *setClauses, column string, v *T) {
	if v == nil {
		return
	}
	s.clauses = append(s.clauses, column+" = @"+column)
	s.args[column] = *v
}

func (s *setClauses) empty() bool { return len(s.clauses) == 0 }

func (s *setClauses) String() string { return strings.Join(s.clauses, ", ") }

func nonNegative(field string, v *float64) error {
	if v != nil && *v < 0 {
		return invalid("%s must not be negative", field)
	}
	return nil
}
