package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/SebasMorneau/sport-app-sub001/syncqueue"
)

// validPrivacyLevels is the set of allowed values for user_profiles.privacy_level.
var validPrivacyLevels = map[string]bool{
	"public":  true,
	"friends": true,
	"private": true,
}

// userProfilePayload uses pointer fields to distinguish "not provided" from
// zero; only non-nil fields are written.
type userProfilePayload struct {
	Bio             *string   `json:"bio"`
	ProfilePhotoURL *string   `json:"profile_photo_url"`
	FitnessLevel    *string   `json:"fitness_level"`
	Goals           *[]string `json:"goals"`
	PrivacyLevel    *string   `json:"privacy_level"`
	ShowProgress    *bool     `json:"show_progress"`
	ShowWorkouts    *bool     `json:"show_workouts"`
}

func (p userProfilePayload) validate() error {
	if p.PrivacyLevel != nil && !validPrivacyLevels[*p.PrivacyLevel] {
		return invalid("privacy_level must be one of: public, friends, private")
	}
	if p.FitnessLevel != nil && *p.FitnessLevel == "" {
		return invalid("fitness_level must not be empty")
	}
	return nil
}

// insertUserProfile creates the owner's profile. user_id is unique, so a
// second insert is reported as a conflict for the client to resolve.
func insertUserProfile(ctx context.Context, q syncqueue.Querier, ownerID int64, payload json.RawMessage) error {
	var p userProfilePayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}

	var goals any
	if p.Goals != nil {
		goals = *p.Goals
	}
	_, err := q.Exec(ctx,
		`INSERT INTO user_profiles (user_id, bio, profile_photo_url, fitness_level, goals,
			privacy_level, show_progress, show_workouts)
		 VALUES (@userID, @bio, @profilePhotoURL, COALESCE(@fitnessLevel, 'intermediate'), @goals,
			COALESCE(@privacyLevel, 'public'), COALESCE(@showProgress, true), COALESCE(@showWorkouts, true))`,
		pgx.NamedArgs{
			"userID": ownerID, "bio": p.Bio, "profilePhotoURL": p.ProfilePhotoURL,
			"fitnessLevel": p.FitnessLevel, "goals": goals, "privacyLevel": p.PrivacyLevel,
			"showProgress": p.ShowProgress, "showWorkouts": p.ShowWorkouts,
		})
	if err != nil {
		return fmt.Errorf("insert user profile: %w", err)
	}
	return nil
}

// updateUserProfile builds the SET clause dynamically from the fields the
// client sent. A missing profile is ErrNotOwned.
func updateUserProfile(ctx context.Context, q syncqueue.Querier, ownerID int64, payload json.RawMessage) error {
	var p userProfilePayload
	if err := decode(payload, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}

	set := newSetClauses(pgx.NamedArgs{"userID": ownerID})
	setField(set, "bio", p.Bio)
	setField(set, "profile_photo_url", p.ProfilePhotoURL)
	setField(set, "fitness_level", p.FitnessLevel)
	setField(set, "goals", p.Goals)
	setField(set, "privacy_level", p.PrivacyLevel)
	setField(set, "show_progress", p.ShowProgress)
	setField(set, "show_workouts", p.ShowWorkouts)
	if set.empty() {
		return invalid("no fields to update")
	}

	return execOwned(ctx, q, "update user profile",
		"UPDATE user_profiles SET "+set.String()+", updated_at = now() WHERE user_id = @userID",
		set.args)
}
