package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrGoogleConnectionNotFound is returned when a user has no connected
// Google account.
var ErrGoogleConnectionNotFound = errors.New("google connection not found")

// GoogleConnection represents a user's connection to their Google account,
// holding the OAuth tokens used for the Indexing and Search Console APIs.
type GoogleConnection struct {
	ID           string
	UserID       string
	GoogleEmail  string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UpsertGoogleConnection stores or replaces a user's Google connection.
func (db *DB) UpsertGoogleConnection(ctx context.Context, conn *GoogleConnection) error {
	err := db.client.QueryRowContext(ctx, `
		INSERT INTO google_connections (
			user_id, google_email, access_token, refresh_token, token_expiry
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			google_email = EXCLUDED.google_email,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expiry = EXCLUDED.token_expiry,
			updated_at = NOW()
		RETURNING id
	`,
		conn.UserID, conn.GoogleEmail, conn.AccessToken,
		conn.RefreshToken, conn.TokenExpiry,
	).Scan(&conn.ID)
	if err != nil {
		log.Error().Err(err).Str("user_id", conn.UserID).Msg("Failed to upsert Google connection")
		return fmt.Errorf("failed to upsert google connection: %w", err)
	}

	return nil
}

// GetGoogleConnection retrieves a user's Google connection.
func (db *DB) GetGoogleConnection(ctx context.Context, userID string) (*GoogleConnection, error) {
	conn := &GoogleConnection{}
	var googleEmail, accessToken, refreshToken sql.NullString
	var tokenExpiry sql.NullTime

	err := db.client.QueryRowContext(ctx, `
		SELECT id, user_id, google_email, access_token, refresh_token,
		       token_expiry, created_at, updated_at
		FROM google_connections
		WHERE user_id = $1
	`, userID).Scan(
		&conn.ID, &conn.UserID, &googleEmail, &accessToken, &refreshToken,
		&tokenExpiry, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrGoogleConnectionNotFound
		}
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to get Google connection")
		return nil, fmt.Errorf("failed to get google connection: %w", err)
	}

	if googleEmail.Valid {
		conn.GoogleEmail = googleEmail.String
	}
	if accessToken.Valid {
		conn.AccessToken = accessToken.String
	}
	if refreshToken.Valid {
		conn.RefreshToken = refreshToken.String
	}
	if tokenExpiry.Valid {
		conn.TokenExpiry = tokenExpiry.Time
	}

	return conn, nil
}

// UpdateGoogleTokens persists a refreshed access token and its new expiry.
func (db *DB) UpdateGoogleTokens(ctx context.Context, userID, accessToken string, expiry time.Time) error {
	result, err := db.client.ExecContext(ctx, `
		UPDATE google_connections
		SET access_token = $2, token_expiry = $3, updated_at = NOW()
		WHERE user_id = $1
	`, userID, accessToken, expiry)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to update Google tokens")
		return fmt.Errorf("failed to update google tokens: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrGoogleConnectionNotFound
	}

	return nil
}

// DeleteGoogleConnection removes a user's Google connection.
func (db *DB) DeleteGoogleConnection(ctx context.Context, userID string) error {
	result, err := db.client.ExecContext(ctx, `
		DELETE FROM google_connections WHERE user_id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete google connection: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrGoogleConnectionNotFound
	}

	return nil
}
