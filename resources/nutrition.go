package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/SebasMorneau/sport-app-sub001/syncqueue"
)

// validMealTypes is the set of allowed values for nutrition_entries.meal_type.
var validMealTypes = map[string]bool{
	"breakfast": true,
	"lunch":     true,
	"dinner":    true,
	"snack":     true,
	"other":     true,
}

type nutritionPayload struct {
	target
	FoodID     *int64     `json:"food_id"`
	QuantityG  *float64   `json:"quantity_g"`
	MealType   *string    `json:"meal_type"`
	ConsumedAt *timestamp `json:"consumed_at"`
}

func (p nutritionPayload) validate() error {
	if p.QuantityG != nil && *p.QuantityG <= 0 {
		return invalid("quantity_g must be positive")
	}
	if p.MealType != nil && !validMealTypes[*p.MealType] {
		return invalid("meal_type must be one of: breakfast, lunch, dinner, snack, other")
	}
	return nil
}

// insertNutritionEntry logs a food eaten. meal_type defaults to "other" and
// consumed_at to now.
func insertNutritionEntry(ctx context.Context, q syncqueue.Querier, ownerID int64, payload json.RawMessage) error {
	var p nutritionPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	switch {
	case p.FoodID == nil:
		return invalid("food_id is required")
	case p.QuantityG == nil:
		return invalid("quantity_g is required")
	}
	if err := p.validate(); err != nil {
		return err
	}
	clientID, err := clientIDArg("client_id", p.ClientID)
	if err != nil {
		return err
	}

	_, err = q.Exec(ctx,
		`INSERT INTO nutrition_entries (user_id, client_id, food_id, quantity_g, meal_type, consumed_at)
		 VALUES (@userID, @clientID, @foodID, @quantityG, COALESCE(@mealType, 'other'), COALESCE(@consumedAt, now()))`,
		pgx.NamedArgs{
			"userID": ownerID, "clientID": clientID, "foodID": *p.FoodID,
			"quantityG": *p.QuantityG, "mealType": p.MealType,
			"consumedAt": p.ConsumedAt.value(),
		})
	if err != nil {
		return fmt.Errorf("insert nutrition entry: %w", err)
	}
	return nil
}

func updateNutritionEntry(ctx context.Context, q syncqueue.Querier, ownerID int64, payload json.RawMessage) error {
	var p nutritionPayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	if p.FoodID == nil && p.QuantityG == nil && p.MealType == nil && p.ConsumedAt == nil {
		return invalid("no fields to update")
	}
	args := pgx.NamedArgs{
		"userID": ownerID, "foodID": p.FoodID, "quantityG": p.QuantityG,
		"mealType": p.MealType, "consumedAt": p.ConsumedAt.value(),
	}
	if err := p.target.args(args); err != nil {
		return err
	}

	return execOwned(ctx, q, "update nutrition entry",
		`UPDATE nutrition_entries SET
			food_id = COALESCE(@foodID, food_id),
			quantity_g = COALESCE(@quantityG, quantity_g),
			meal_type = COALESCE(@mealType, meal_type),
			consumed_at = COALESCE(@consumedAt, consumed_at)
		 WHERE user_id = @userID AND `+targetPredicate, args)
}

func deleteNutritionEntry(ctx context.Context, q syncqueue.Querier, ownerID int64, payload json.RawMessage) error {
	var p target
	if err := decode(payload, &p); err != nil {
		return err
	}
	args := pgx.NamedArgs{"userID": ownerID}
	if err := p.args(args); err != nil {
		return err
	}
	return execOwned(ctx, q, "delete nutrition entry",
		`DELETE FROM nutrition_entries WHERE user_id = @userID AND `+targetPredicate, args)
}
