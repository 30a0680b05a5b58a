package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the database handle an applier runs against. Both pgx.Tx and
// *pgxpool.Pool satisfy it. The Postgres store passes the transaction that
// also records the operation as synced.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Applier performs one operation's effect for one resource type and kind.
// It must scope every statement to ownerID and return ErrNotOwned rather
// than mutate another owner's data.
type Applier func(ctx context.Context, q Querier, ownerID int64, payload json.RawMessage) error

type applierKey struct {
	resource string
	kind     Kind
}

// Registry maps (resource type, kind) to an Applier. It is filled at startup
// and read-only afterwards.
type Registry struct {
	appliers map[applierKey]Applier
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{appliers: make(map[applierKey]Applier)}
}

// Register adds fn for resource and kind. Registering the same combination
// twice is an error.
func (r *Registry) Register(resource string, kind Kind, fn Applier) error {
	if resource == "" {
		return fmt.Errorf("register applier: empty resource type")
	}
	if _, ok := ParseKind(string(kind)); !ok {
		return fmt.Errorf("register applier for %s: unknown kind %q", resource, kind)
	}
	if fn == nil {
		return fmt.Errorf("register applier for %s %s: nil applier", kind, resource)
	}
	key := applierKey{resource: resource, kind: kind}
	if _, exists := r.appliers[key]; exists {
		return fmt.Errorf("applier for %s %s is already registered", kind, resource)
	}
	r.appliers[key] = fn
	return nil
}

// MustRegister is Register that panics on error. Intended for startup wiring.
func (r *Registry) MustRegister(resource string, kind Kind, fn Applier) {
	if err := r.Register(resource, kind, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the applier for resource and kind, or ErrUnsupported.
func (r *Registry) Lookup(resource string, kind Kind) (Applier, error) {
	fn, ok := r.appliers[applierKey{resource: resource, kind: kind}]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %q", ErrUnsupported, kind, resource)
	}
	return fn, nil
}

// Enable returns a registry holding only the listed combinations. Every
// listed combination must already be registered; a missing one is a
// configuration error. An empty map enables everything.
func (r *Registry) Enable(enabled map[string][]string) (*Registry, error) {
	if len(enabled) == 0 {
		return r, nil
	}
	out := NewRegistry()
	for resource, kinds := range enabled {
		for _, raw := range kinds {
			kind, ok := ParseKind(raw)
			if !ok {
				return nil, fmt.Errorf("%w: resource %q lists unknown kind %q", ErrValidation, resource, raw)
			}
			fn, err := r.Lookup(resource, kind)
			if err != nil {
				return nil, fmt.Errorf("enable %s %s: %w", kind, resource, err)
			}
			if err := out.Register(resource, kind, fn); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// Combinations lists the registered combinations as "resource:KIND",
// sorted. Used for startup logging.
func (r *Registry) Combinations() []string {
	out := make([]string, 0, len(r.appliers))
	for key := range r.appliers {
		out = append(out, key.resource+":"+string(key.kind))
	}
	sort.Strings(out)
	return out
}
