package syncqueue

import "errors"

// Errors returned by the engine, stores and appliers. Callers compare with
// errors.Is; implementations wrap them with context.
var (
	// ErrValidation indicates malformed caller input (bad resolution mode,
	// missing merge payload, negative cleanup threshold).
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates the operation does not exist, belongs to another
	// owner, or is not in the state the call requires.
	ErrNotFound = errors.New("operation not found")

	// ErrUniqueViolation indicates an applier hit a uniqueness constraint.
	// The engine turns it into the conflict status.
	ErrUniqueViolation = errors.New("uniqueness violation")

	// ErrUnsupported indicates no applier is registered for a
	// resource type and kind.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrInvalidPayload indicates an applier could not use the payload.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrNotOwned indicates the targeted resource does not exist for the
	// owner. Appliers return it instead of touching another owner's rows.
	ErrNotOwned = errors.New("resource not owned by caller")

	// ErrReplayInProgress indicates another replay holds the owner's lock.
	ErrReplayInProgress = errors.New("replay already in progress")
)

// classify maps an applier error to the status the operation moves to.
func classify(err error) Status {
	switch {
	case err == nil:
		return StatusSynced
	case errors.Is(err, ErrUniqueViolation):
		return StatusConflict
	default:
		return StatusFailed
	}
}
