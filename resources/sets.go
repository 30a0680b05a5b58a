package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/SebasMorneau/sport-app-sub001/syncqueue"
)

// A set belongs to its owner through its training; sets have no user_id.
const ownedSetPredicate = `training_id IN (SELECT id FROM trainings WHERE user_id = @userID)`

type setPayload struct {
	target
	TrainingID       *int64   `json:"training_id"`
	TrainingClientID *string  `json:"training_client_id"`
	ExerciseID       *int64   `json:"exercise_id"`
	Reps             *int     `json:"reps"`
	WeightKg         *float64 `json:"weight_kg"`
	RestSeconds      *int     `json:"rest_seconds"`
	SetOrder         *int     `json:"set_order"`
	Notes            *string  `json:"notes"`
}

func (p setPayload) validate() error {
	if p.Reps != nil && *p.Reps <= 0 {
		return invalid("reps must be positive")
	}
	if p.RestSeconds != nil && *p.RestSeconds < 0 {
		return invalid("rest_seconds must not be negative")
	}
	if p.SetOrder != nil && *p.SetOrder < 0 {
		return invalid("set_order must not be negative")
	}
	return nonNegative("weight_kg", p.WeightKg)
}

// ownedTrainingID resolves the training a set refers to, by server id or by
// the client_id of a training queued earlier in the same offline session.
func ownedTrainingID(ctx context.Context, q syncqueue.Querier, ownerID int64, p setPayload) (int64, error) {
	if p.TrainingID == nil && p.TrainingClientID == nil {
		return 0, invalid("training_id or training_client_id is required")
	}
	clientID, err := clientIDArg("training_client_id", p.TrainingClientID)
	if err != nil {
		return 0, err
	}

	var id int64
	err = q.QueryRow(ctx,
		`SELECT id FROM trainings
		 WHERE user_id = @userID AND (id = @trainingID OR client_id = @trainingClientID)
		 LIMIT 1`,
		pgx.NamedArgs{"userID": ownerID, "trainingID": p.TrainingID, "trainingClientID": clientID}).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("training for set: %w", syncqueue.ErrNotOwned)
	}
	if err != nil {
		return 0, fmt.Errorf("look up training for set: %w", err)
	}
	return id, nil
}

// insertSet adds a set to one of the owner's trainings.
func insertSet(ctx context.Context, q syncqueue.Querier, ownerID int64, payload json.RawMessage) error {
	var p setPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	switch {
	case p.ExerciseID == nil:
		return invalid("exercise_id is required")
	case p.Reps == nil:
		return invalid("reps is required")
	case p.SetOrder == nil:
		return invalid("set_order is required")
	}
	if err := p.validate(); err != nil {
		return err
	}
	clientID, err := clientIDArg("client_id", p.ClientID)
	if err != nil {
		return err
	}

	trainingID, err := ownedTrainingID(ctx, q, ownerID, p)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx,
		`INSERT INTO sets (training_id, client_id, exercise_id, reps, weight_kg, rest_seconds, set_order, notes)
		 VALUES (@trainingID, @clientID, @exerciseID, @reps, @weightKg, @restSeconds, @setOrder, @notes)`,
		pgx.NamedArgs{
			"trainingID": trainingID, "clientID": clientID, "exerciseID": *p.ExerciseID,
			"reps": *p.Reps, "weightKg": p.WeightKg, "restSeconds": p.RestSeconds,
			"setOrder": *p.SetOrder, "notes": p.Notes,
		})
	if err != nil {
		return fmt.Errorf("insert set: %w", err)
	}
	return nil
}

func updateSet(ctx context.Context, q syncqueue.Querier, ownerID int64, payload json.RawMessage) error {
	var p setPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	if p.ExerciseID == nil && p.Reps == nil && p.WeightKg == nil &&
		p.RestSeconds == nil && p.SetOrder == nil && p.Notes == nil {
		return invalid("no fields to update")
	}
	args := pgx.NamedArgs{
		"userID": ownerID, "exerciseID": p.ExerciseID, "reps": p.Reps,
		"weightKg": p.WeightKg, "restSeconds": p.RestSeconds,
		"setOrder": p.SetOrder, "notes": p.Notes,
	}
	if err := p.target.args(args); err != nil {
		return err
	}

	return execOwned(ctx, q, "update set",
		`UPDATE sets SET
			exercise_id = COALESCE(@exerciseID, exercise_id),
			reps = COALESCE(@reps, reps),
			weight_kg = COALESCE(@weightKg, weight_kg),
			rest_seconds = COALESCE(@restSeconds, rest_seconds),
			set_order = COALESCE(@setOrder, set_order),
			notes = COALESCE(@notes, notes)
		 WHERE `+targetPredicate+` AND `+ownedSetPredicate, args)
}

func deleteSet(ctx context.Context, q syncqueue.Querier, ownerID int64, payload json.RawMessage) error {
	var p target
	if err := decode(payload, &p); err != nil {
		return err
	}
	args := pgx.NamedArgs{"userID": ownerID}
	if err := p.args(args); err != nil {
		return err
	}
	return execOwned(ctx, q, "delete set",
		`DELETE FROM sets WHERE `+targetPredicate+` AND `+ownedSetPredicate, args)
}
