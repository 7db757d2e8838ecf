package db

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Audit log actions recorded in indexing_logs.
const (
	LogActionSubmitted        = "submitted"
	LogActionFailed           = "failed"
	LogActionRemovalRequested = "removal_requested"
	LogActionStatusChanged    = "status_changed"
	LogActionSynced           = "synced"
)

// AppendIndexingLog writes an immutable audit trail entry. Failures are
// logged and swallowed: the audit trail is best-effort and must never mask
// the primary operation's result.
func (db *DB) AppendIndexingLog(ctx context.Context, siteID, url, action, channel, detail string) {
	_, err := db.client.ExecContext(ctx, `
		INSERT INTO indexing_logs (site_id, url, action, channel, detail)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
	`, siteID, url, action, channel, detail)
	if err != nil {
		log.Warn().
			Err(err).
			Str("site_id", siteID).
			Str("url", url).
			Str("action", action).
			Msg("Failed to append indexing log entry")
	}
}
