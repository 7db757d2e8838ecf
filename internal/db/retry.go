package db

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig holds configuration for connection retry behaviour
type RetryConfig struct {
	MaxAttempts     int           // Maximum number of connection attempts
	InitialInterval time.Duration // Initial retry interval
	MaxInterval     time.Duration // Maximum retry interval (cap for exponential backoff)
	Multiplier      float64       // Backoff multiplier (typically 2.0)
	Jitter          bool          // Add randomness to prevent thundering herd
}

// DefaultRetryConfig returns sensible defaults for database connection retries
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     10,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

// isRetryableConnError reports whether a connection failure is transient.
// Authentication and configuration errors fail fast.
func isRetryableConnError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fatal := range []string{"password authentication", "does not exist", "is required", "invalid"} {
		if strings.Contains(msg, fatal) {
			return false
		}
	}
	for _, transient := range []string{"connection refused", "timeout", "temporarily unavailable", "no such host", "reset by peer", "failed to ping"} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}

// InitFromEnvWithRetry creates a PostgreSQL connection using environment
// variables, retrying transient connection failures with backoff.
func InitFromEnvWithRetry(ctx context.Context) (*DB, error) {
	return initFromEnvWithRetryConfig(ctx, DefaultRetryConfig())
}

func initFromEnvWithRetryConfig(ctx context.Context, retryConfig RetryConfig) (*DB, error) {
	var lastErr error
	backoff := retryConfig.InitialInterval
	startTime := time.Now()

	for attempt := 1; attempt <= retryConfig.MaxAttempts; attempt++ {
		db, err := InitFromEnv()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Int("attempts", attempt).
					Dur("elapsed", time.Since(startTime)).
					Msg("Database connection established after retries")
			}
			return db, nil
		}

		lastErr = err

		if !isRetryableConnError(err) {
			log.Error().
				Err(err).
				Int("attempt", attempt).
				Msg("Database connection failed with non-retryable error")
			return nil, fmt.Errorf("database connection failed: %w", err)
		}

		if attempt >= retryConfig.MaxAttempts {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", retryConfig.MaxAttempts).
			Dur("retry_in", backoff).
			Msg("Database connection failed, retrying...")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connection retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * retryConfig.Multiplier)
		if backoff > retryConfig.MaxInterval {
			backoff = retryConfig.MaxInterval
		}
		if retryConfig.Jitter {
			backoff += time.Duration(rand.Int63n(int64(backoff) / 4))
		}
	}

	return nil, fmt.Errorf("database connection failed after %d attempts: %w", retryConfig.MaxAttempts, lastErr)
}
