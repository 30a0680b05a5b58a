package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/SebasMorneau/sport-app-sub001/syncqueue"
)

type bodyMeasurementPayload struct {
	target
	WeightKg          *float64   `json:"weight_kg"`
	HeightCm          *float64   `json:"height_cm"`
	BodyFatPercentage *float64   `json:"body_fat_percentage"`
	MuscleMassKg      *float64   `json:"muscle_mass_kg"`
	ChestCm           *float64   `json:"chest_cm"`
	WaistCm           *float64   `json:"waist_cm"`
	HipsCm            *float64   `json:"hips_cm"`
	BicepCm           *float64   `json:"bicep_cm"`
	ThighCm           *float64   `json:"thigh_cm"`
	Notes             *string    `json:"notes"`
	MeasuredAt        *timestamp `json:"measured_at"`
}

// measurements pairs each numeric column with its payload field.
func (p *bodyMeasurementPayload) measurements() []struct {
	column string
	value  *float64
} {
	return []struct {
		column string
		value  *float64
	}{
		{"weight_kg", p.WeightKg},
		{"height_cm", p.HeightCm},
		{"body_fat_percentage", p.BodyFatPercentage},
		{"muscle_mass_kg", p.MuscleMassKg},
		{"chest_cm", p.ChestCm},
		{"waist_cm", p.WaistCm},
		{"hips_cm", p.HipsCm},
		{"bicep_cm", p.BicepCm},
		{"thigh_cm", p.ThighCm},
	}
}

func (p *bodyMeasurementPayload) validate() error {
	for _, m := range p.measurements() {
		if err := nonNegative(m.column, m.value); err != nil {
			return err
		}
	}
	if p.BodyFatPercentage != nil && *p.BodyFatPercentage > 100 {
		return invalid("body_fat_percentage must be at most 100")
	}
	return nil
}

// insertBodyMeasurement records a measurement. At least one numeric field is
// required; measured_at defaults to now.
func insertBodyMeasurement(ctx context.Context, q syncqueue.Querier, ownerID int64, payload json.RawMessage) error {
	var p bodyMeasurementPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	hasValue := false
	for _, m := range p.measurements() {
		if m.value != nil {
			hasValue = true
			break
		}
	}
	if !hasValue {
		return invalid("at least one measurement is required")
	}
	clientID, err := clientIDArg("client_id", p.ClientID)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx,
		`INSERT INTO body_measurements (user_id, client_id, weight_kg, height_cm, body_fat_percentage,
			muscle_mass_kg, chest_cm, waist_cm, hips_cm, bicep_cm, thigh_cm, notes, measured_at)
		 VALUES (@userID, @clientID, @weightKg, @heightCm, @bodyFatPercentage,
			@muscleMassKg, @chestCm, @waistCm, @hipsCm, @bicepCm, @thighCm, @notes, COALESCE(@measuredAt, now()))`,
		pgx.NamedArgs{
			"userID": ownerID, "clientID": clientID,
			"weightKg": p.WeightKg, "heightCm": p.HeightCm,
			"bodyFatPercentage": p.BodyFatPercentage, "muscleMassKg": p.MuscleMassKg,
			"chestCm": p.ChestCm, "waistCm": p.WaistCm, "hipsCm": p.HipsCm,
			"bicepCm": p.BicepCm, "thighCm": p.ThighCm, "notes": p.Notes,
			"measuredAt": p.MeasuredAt.value(),
		})
	if err != nil {
		return fmt.Errorf("insert body measurement: %w", err)
	}
	return nil
}

// updateBodyMeasurement builds its SET clause from the fields present, so a
// client can correct one value without resending the rest.
func updateBodyMeasurement(ctx context.Context, q syncqueue.Querier, ownerID int64, payload json.RawMessage) error {
	var p bodyMeasurementPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}

	args := pgx.NamedArgs{"userID": ownerID}
	set := newSetClauses(args)
	for _, m := range p.measurements() {
		setField(set, m.column, m.value)
	}
	setField(set, "notes", p.Notes)
	setField(set, "measured_at", p.MeasuredAt.value())
	if set.empty() {
		return invalid("no fields to update")
	}
	if err := p.target.args(args); err != nil {
		return err
	}

	return execOwned(ctx, q, "update body measurement",
		"UPDATE body_measurements SET "+set.String()+
			" WHERE user_id = @userID AND "+targetPredicate, args)
}

func deleteBodyMeasurement(ctx context.Context, q syncqueue.Querier, ownerID int64, payload json.RawMessage) error {
	var p target
	if err := decode(payload, &p); err != nil {
		return err
	}
	args := pgx.NamedArgs{"userID": ownerID}
	if err := p.args(args); err != nil {
		return err
	}
	return execOwned(ctx, q, "delete body measurement",
		`DELETE FROM body_measurements WHERE user_id = @userID AND `+targetPredicate, args)
}
