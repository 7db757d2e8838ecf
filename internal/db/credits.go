package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// LowCreditThreshold is the balance below which a one-shot low-balance
// warning should fire.
const LowCreditThreshold = 10

// ErrInsufficientCredits is returned when a deduction would drive the
// balance negative. It carries the amounts so callers can render a
// "buy more credits" response.
type ErrInsufficientCredits struct {
	Required  int
	Available int
}

func (e *ErrInsufficientCredits) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// DeductResult reports the outcome of a credit deduction.
type DeductResult struct {
	NewBalance int
	// LowBalanceWarning is true exactly once: the first deduction that
	// leaves the balance below the threshold while the warned flag is unset.
	LowBalanceWarning bool
}

// DeductCredits atomically decrements the user's balance by amount. The
// compare-and-decrement happens in a single statement, so concurrent
// deductions can never jointly overdraw the balance.
func (db *DB) DeductCredits(ctx context.Context, userID string, amount int, reason string) (*DeductResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deduction amount must be positive, got %d", amount)
	}

	var newBalance int
	err := db.client.QueryRowContext(ctx, `
		UPDATE users
		SET credits = credits - $2, updated_at = NOW()
		WHERE id = $1 AND credits >= $2
		RETURNING credits
	`, userID, amount).Scan(&newBalance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			available, balErr := db.GetCreditBalance(ctx, userID)
			if balErr != nil {
				return nil, balErr
			}
			return nil, &ErrInsufficientCredits{Required: amount, Available: available}
		}
		log.Error().Err(err).Str("user_id", userID).Int("amount", amount).Msg("Failed to deduct credits")
		return nil, fmt.Errorf("failed to deduct credits: %w", err)
	}

	result := &DeductResult{NewBalance: newBalance}

	if newBalance < LowCreditThreshold {
		warned, err := db.markLowCreditWarned(ctx, userID)
		if err != nil {
			// The deduction stands; a missed warning is recoverable.
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to set low-credit warning flag")
		} else {
			result.LowBalanceWarning = warned
		}
	}

	log.Debug().
		Str("user_id", userID).
		Int("amount", amount).
		Int("new_balance", newBalance).
		Str("reason", reason).
		Msg("Credits deducted")

	return result, nil
}

// markLowCreditWarned sets the sticky warned flag; returns true only for the
// caller that flipped it, so the notification fires exactly once.
func (db *DB) markLowCreditWarned(ctx context.Context, userID string) (bool, error) {
	result, err := db.client.ExecContext(ctx, `
		UPDATE users
		SET low_credits_warned = TRUE, updated_at = NOW()
		WHERE id = $1 AND low_credits_warned = FALSE
	`, userID)
	if err != nil {
		return false, fmt.Errorf("failed to mark low-credit warning: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// RefundCredits atomically increments the balance. Used only to reverse a
// prior deduction for URLs that failed after being pre-charged.
func (db *DB) RefundCredits(ctx context.Context, userID string, amount int, reason string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("refund amount must be positive, got %d", amount)
	}

	var newBalance int
	err := db.client.QueryRowContext(ctx, `
		UPDATE users
		SET credits = credits + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING credits
	`, userID, amount).Scan(&newBalance)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Int("amount", amount).Msg("Failed to refund credits")
		return 0, fmt.Errorf("failed to refund credits: %w", err)
	}

	log.Debug().
		Str("user_id", userID).
		Int("amount", amount).
		Int("new_balance", newBalance).
		Str("reason", reason).
		Msg("Credits refunded")

	return newBalance, nil
}

// GetCreditBalance returns the user's current balance.
func (db *DB) GetCreditBalance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := db.client.QueryRowContext(ctx, `
		SELECT credits FROM users WHERE id = $1
	`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("failed to get credit balance: %w", err)
	}
	return balance, nil
}

// ClearLowCreditWarning resets the warned flag. Invoked by the top-up
// webhook after credits are added, outside this ledger's scope.
func (db *DB) ClearLowCreditWarning(ctx context.Context, userID string) error {
	_, err := db.client.ExecContext(ctx, `
		UPDATE users
		SET low_credits_warned = FALSE, updated_at = NOW()
		WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear low-credit warning: %w", err)
	}
	return nil
}
