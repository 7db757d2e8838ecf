package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrUserNotFound is returned when a user does not exist
var ErrUserNotFound = errors.New("user not found")

// StarterCredits is the balance granted when a user row is first created.
const StarterCredits = 50

// User represents a user in the system
type User struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	FullName         *string   `json:"full_name,omitempty"`
	Credits          int       `json:"credits"`
	LowCreditsWarned bool      `json:"low_credits_warned"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// GetUser retrieves a user by ID
func (db *DB) GetUser(ctx context.Context, userID string) (*User, error) {
	user := &User{}

	err := db.client.QueryRowContext(ctx, `
		SELECT id, email, full_name, credits, low_credits_warned, created_at, updated_at
		FROM users
		WHERE id = $1
	`, userID).Scan(
		&user.ID, &user.Email, &user.FullName, &user.Credits,
		&user.LowCreditsWarned, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// GetOrCreateUser fetches a user row, creating it on first sight of a new
// Supabase identity. New users start with StarterCredits on their ledger;
// an existing row keeps whatever balance it has.
func (db *DB) GetOrCreateUser(ctx context.Context, userID, email string) (*User, error) {
	user := &User{}

	err := db.client.QueryRowContext(ctx, `
		INSERT INTO users (id, email, credits)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, updated_at = NOW()
		RETURNING id, email, full_name, credits, low_credits_warned, created_at, updated_at
	`, userID, email, StarterCredits).Scan(
		&user.ID, &user.Email, &user.FullName, &user.Credits,
		&user.LowCreditsWarned, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create user: %w", err)
	}

	return user, nil
}
