// CLI tool to create a user with a bcrypt-hashed password, a bearer token for
// the sync API and a default profile.
// Usage: go run ./cmd/create-user (from the repository root)
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/SebasMorneau/sport-app-sub001/internal/config"
)

type newUser struct {
	Email    string
	Nom      string
	Password string
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading .env: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, os.Getenv("DB_URL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(ctx)

	u, err := readUser(os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error hashing password: %v\n", err)
		os.Exit(1)
	}

	authToken := uuid.New().String()

	var userID int64
	err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO users (email, password_hash, nom, auth_token)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			u.Email, string(hash), u.Nom, authToken,
		).Scan(&userID)
		if err != nil {
			return fmt.Errorf("creating user: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO user_profiles (user_id) VALUES ($1)`, userID); err != nil {
			return fmt.Errorf("creating profile: %w", err)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nUser created successfully!\n")
	fmt.Printf("  ID:         %d\n", userID)
	fmt.Printf("  Email:      %s\n", u.Email)
	fmt.Printf("  Auth Token: %s\n", authToken)
}

// readUser prompts for each field on out and reads the answers from in.
// Every field is required.
func readUser(in io.Reader, out io.Writer) (newUser, error) {
	reader := bufio.NewReader(in)
	prompt := func(label string) (string, error) {
		fmt.Fprintf(out, "%s: ", label)
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return "", fmt.Errorf("%s is required", strings.ToLower(label))
		}
		return line, nil
	}

	var u newUser
	var err error
	if u.Email, err = prompt("Email"); err != nil {
		return u, err
	}
	if !strings.Contains(u.Email, "@") {
		return u, fmt.Errorf("invalid email %q", u.Email)
	}
	if u.Nom, err = prompt("Name"); err != nil {
		return u, err
	}
	if u.Password, err = prompt("Password"); err != nil {
		return u, err
	}
	return u, nil
}
