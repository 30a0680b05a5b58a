package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/SebasMorneau/sport-app-sub001/syncqueue"
)

type trainingPayload struct {
	target
	Nom       *string    `json:"nom"`
	Date      *timestamp `json:"date"`
	Duration  *int       `json:"duration"`
	Notes     *string    `json:"notes"`
	Completed *bool      `json:"completed"`
}

func (p trainingPayload) validate() error {
	if p.Nom != nil && strings.TrimSpace(*p.Nom) == "" {
		return invalid("nom must not be empty")
	}
	if p.Duration != nil && *p.Duration < 0 {
		return invalid("duration must not be negative")
	}
	return nil
}

// insertTraining creates a workout session. date defaults to now and
// completed to false.
func insertTraining(ctx context.Context, q syncqueue.Querier, ownerID int64, payload json.RawMessage) error {
	var p trainingPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if p.Nom == nil {
		return invalid("nom is required")
	}
	if err := p.validate(); err != nil {
		return err
	}
	clientID, err := clientIDArg("client_id", p.ClientID)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx,
		`INSERT INTO trainings (user_id, client_id, nom, date, duration, notes, completed)
		 VALUES (@userID, @clientID, @nom, COALESCE(@date, now()), @duration, @notes, COALESCE(@completed, false))`,
		pgx.NamedArgs{
			"userID": ownerID, "clientID": clientID, "nom": *p.Nom,
			"date": p.Date.value(), "duration": p.Duration, "notes": p.Notes,
			"completed": p.Completed,
		})
	if err != nil {
		return fmt.Errorf("insert training: %w", err)
	}
	return nil
}

// updateTraining changes the fields present in the payload. Uses COALESCE
// so omitted fields keep their current value.
func updateTraining(ctx context.Context, q syncqueue.Querier, ownerID int64, payload json.RawMessage) error {
	var p trainingPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	if p.Nom == nil && p.Date == nil && p.Duration == nil && p.Notes == nil && p.Completed == nil {
		return invalid("no fields to update")
	}
	args := pgx.NamedArgs{
		"userID": ownerID, "nom": p.Nom, "date": p.Date.value(),
		"duration": p.Duration, "notes": p.Notes, "completed": p.Completed,
	}
	if err := p.target.args(args); err != nil {
		return err
	}

	return execOwned(ctx, q, "update training",
		`UPDATE trainings SET
			nom = COALESCE(@nom, nom),
			date = COALESCE(@date, date),
			duration = COALESCE(@duration, duration),
			notes = COALESCE(@notes, notes),
			completed = COALESCE(@completed, completed)
		 WHERE user_id = @userID AND `+targetPredicate, args)
}

// deleteTraining removes a session; its sets go with it (ON DELETE CASCADE).
func deleteTraining(ctx context.Context, q syncqueue.Querier, ownerID int64, payload json.RawMessage) error {
	var p target
	if err := decode(payload, &p); err != nil {
		return err
	}
	args := pgx.NamedArgs{"userID": ownerID}
	if err := p.args(args); err != nil {
		return err
	}
	return execOwned(ctx, q, "delete training",
		`DELETE FROM trainings WHERE user_id = @userID AND `+targetPredicate, args)
}
