package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// LockTTL is the staleness fallback: a lock older than this is considered
// abandoned by a crashed run and may be force-cleared by the next caller.
const LockTTL = 30 * time.Minute

// AcquireLock atomically takes the per-site orchestration lock. Returns
// false when another run holds it; callers skip the site rather than wait.
// A stale lock past the TTL is stolen in the same statement.
func (db *DB) AcquireLock(ctx context.Context, siteID string) (bool, error) {
	var locked string
	err := db.client.QueryRowContext(ctx, `
		INSERT INTO index_locks (site_id, locked_at)
		VALUES ($1, NOW())
		ON CONFLICT (site_id) DO UPDATE
		SET locked_at = NOW()
		WHERE index_locks.locked_at < NOW() - make_interval(secs => $2)
		RETURNING site_id
	`, siteID, LockTTL.Seconds()).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Conflict with a fresh lock: another run is in progress.
			return false, nil
		}
		log.Error().Err(err).Str("site_id", siteID).Msg("Failed to acquire site lock")
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	return true, nil
}

// ReleaseLock removes the per-site lock. Failures are logged, never
// returned: release runs on every exit path and must not mask the primary
// operation's result.
func (db *DB) ReleaseLock(ctx context.Context, siteID string) {
	_, err := db.client.ExecContext(ctx, `
		DELETE FROM index_locks WHERE site_id = $1
	`, siteID)
	if err != nil {
		log.Warn().Err(err).Str("site_id", siteID).Msg("Failed to release site lock; TTL fallback will recover it")
	}
}
