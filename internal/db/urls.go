package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// ErrURLNotFound is returned when an indexed URL row is not found
var ErrURLNotFound = errors.New("indexed url not found")

// IndexedURL is one row of the durable URL registry: one entry per (site, URL).
type IndexedURL struct {
	ID               int        `json:"id"`
	SiteID           string     `json:"site_id"`
	URL              string     `json:"url"`
	IndexingStatus   string     `json:"indexing_status"`
	GSCStatus        *string    `json:"gsc_status,omitempty"`
	HTTPStatus       *int       `json:"http_status,omitempty"`
	SubmissionMethod *string    `json:"submission_method,omitempty"`
	IsNew            bool       `json:"is_new"`
	IsChanged        bool       `json:"is_changed"`
	NoIndex          bool       `json:"noindex"`
	RetryCount       int        `json:"retry_count"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	LastModified     *string    `json:"last_modified,omitempty"`
	SubmittedAt      *time.Time `json:"submitted_at,omitempty"`
	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Indexing status values for the URL state machine.
const (
	URLStatusNone             = "none"
	URLStatusSubmitted        = "submitted"
	URLStatusFailed           = "failed"
	URLStatusRemovalRequested = "removal_requested"
)

const urlColumns = `
	id, site_id, url, indexing_status, gsc_status, http_status,
	submission_method, is_new, is_changed, noindex, retry_count,
	error_message, last_modified, submitted_at, last_synced_at, created_at`

func scanURL(scanner interface{ Scan(...any) error }) (*IndexedURL, error) {
	u := &IndexedURL{}
	err := scanner.Scan(
		&u.ID, &u.SiteID, &u.URL, &u.IndexingStatus, &u.GSCStatus, &u.HTTPStatus,
		&u.SubmissionMethod, &u.IsNew, &u.IsChanged, &u.NoIndex, &u.RetryCount,
		&u.ErrorMessage, &u.LastModified, &u.SubmittedAt, &u.LastSyncedAt, &u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// UpsertAnalyticsIndexed records every URL the search-analytics API reports
// as appearing in search results. The analytics set is the authoritative
// "Google has this" signal, so gsc_status becomes indexed regardless of
// prior state.
func (db *DB) UpsertAnalyticsIndexed(ctx context.Context, siteID string, urls []string) error {
	if len(urls) == 0 {
		return nil
	}

	_, err := db.client.ExecContext(ctx, `
		INSERT INTO indexed_urls (site_id, url, gsc_status, last_synced_at)
		SELECT $1, u, 'indexed', NOW()
		FROM unnest($2::text[]) AS u
		ON CONFLICT (site_id, url) DO UPDATE
		SET gsc_status = 'indexed', last_synced_at = NOW()
	`, siteID, pq.Array(urls))
	if err != nil {
		log.Error().Err(err).Str("site_id", siteID).Int("url_count", len(urls)).Msg("Failed to upsert analytics-indexed URLs")
		return fmt.Errorf("failed to upsert analytics-indexed urls: %w", err)
	}

	return nil
}

// UpsertSitemapURLs applies the sitemap side of a diff in one statement:
// unknown URLs are created as new and unknown to Google, known URLs whose
// last-modified marker differs are flagged changed, and unchanged URLs just
// get their sync timestamp refreshed. Pending flags from an earlier run are
// preserved until a dispatch consumes them.
func (db *DB) UpsertSitemapURLs(ctx context.Context, siteID string, urls, lastModified []string) error {
	if len(urls) == 0 {
		return nil
	}
	if len(urls) != len(lastModified) {
		return fmt.Errorf("urls and lastModified length mismatch: %d vs %d", len(urls), len(lastModified))
	}

	_, err := db.client.ExecContext(ctx, `
		INSERT INTO indexed_urls (site_id, url, last_modified, is_new, gsc_status, last_synced_at)
		SELECT $1, t.u, NULLIF(t.lm, ''), TRUE, 'unknown to Google', NOW()
		FROM unnest($2::text[], $3::text[]) AS t(u, lm)
		ON CONFLICT (site_id, url) DO UPDATE
		SET is_changed = indexed_urls.is_changed
			OR (indexed_urls.last_modified IS DISTINCT FROM EXCLUDED.last_modified),
		    last_modified = EXCLUDED.last_modified,
		    last_synced_at = NOW()
	`, siteID, pq.Array(urls), pq.Array(lastModified))
	if err != nil {
		log.Error().Err(err).Str("site_id", siteID).Int("url_count", len(urls)).Msg("Failed to upsert sitemap URLs")
		return fmt.Errorf("failed to upsert sitemap urls: %w", err)
	}

	return nil
}

// GetURL retrieves a single registry row by ID
func (db *DB) GetURL(ctx context.Context, urlID int) (*IndexedURL, error) {
	row := db.client.QueryRowContext(ctx,
		`SELECT `+urlColumns+` FROM indexed_urls WHERE id = $1`, urlID)

	u, err := scanURL(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrURLNotFound
		}
		return nil, fmt.Errorf("failed to get url: %w", err)
	}
	return u, nil
}

// GetURLsByIDs retrieves registry rows for a site by ID list
func (db *DB) GetURLsByIDs(ctx context.Context, siteID string, ids []int) ([]*IndexedURL, error) {
	if len(ids) == 0 {
		return []*IndexedURL{}, nil
	}

	rows, err := db.client.QueryContext(ctx, `
		SELECT `+urlColumns+`
		FROM indexed_urls
		WHERE site_id = $1 AND id = ANY($2)
		ORDER BY id
	`, siteID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get urls by ids: %w", err)
	}
	defer rows.Close()

	return collectURLs(rows)
}

// GetURLsByValues retrieves registry rows for a site matching the given URL
// strings. URLs with no registry row are silently absent from the result.
func (db *DB) GetURLsByValues(ctx context.Context, siteID string, urls []string) ([]*IndexedURL, error) {
	if len(urls) == 0 {
		return []*IndexedURL{}, nil
	}

	rows, err := db.client.QueryContext(ctx, `
		SELECT `+urlColumns+`
		FROM indexed_urls
		WHERE site_id = $1 AND url = ANY($2)
		ORDER BY id
	`, siteID, pq.Array(urls))
	if err != nil {
		return nil, fmt.Errorf("failed to get urls by values: %w", err)
	}
	defer rows.Close()

	return collectURLs(rows)
}

// GetUnindexedURLs returns every URL for a site that has not been submitted
// and is not abandoned. Backs the "all not-yet-indexed" manual submit flag.
func (db *DB) GetUnindexedURLs(ctx context.Context, siteID string, maxRetries int) ([]*IndexedURL, error) {
	rows, err := db.client.QueryContext(ctx, `
		SELECT `+urlColumns+`
		FROM indexed_urls
		WHERE site_id = $1
		  AND indexing_status = 'none'
		  AND retry_count < $2
		ORDER BY id
	`, siteID, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to get unindexed urls: %w", err)
	}
	defer rows.Close()

	return collectURLs(rows)
}

// GetNewOrChangedURLs returns the auto-index candidates for a site: URLs
// flagged new or changed that are not yet submitted, plus submitted URLs
// whose sitemap last-modified marker moved since submission. Those need a
// fresh submission so the change reaches the index.
func (db *DB) GetNewOrChangedURLs(ctx context.Context, siteID string) ([]*IndexedURL, error) {
	rows, err := db.client.QueryContext(ctx, `
		SELECT `+urlColumns+`
		FROM indexed_urls
		WHERE site_id = $1
		  AND (
			((is_new OR is_changed) AND indexing_status IN ('none', 'failed'))
			OR (is_changed AND indexing_status = 'submitted')
		  )
		ORDER BY id
	`, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to get new/changed urls: %w", err)
	}
	defer rows.Close()

	return collectURLs(rows)
}

// GetFailedURLs returns retry candidates: failed URLs under the retry cap.
func (db *DB) GetFailedURLs(ctx context.Context, maxRetries int) ([]*IndexedURL, error) {
	rows, err := db.client.QueryContext(ctx, `
		SELECT `+urlColumns+`
		FROM indexed_urls
		WHERE indexing_status = 'failed' AND retry_count < $1
		ORDER BY site_id, id
	`, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed urls: %w", err)
	}
	defer rows.Close()

	return collectURLs(rows)
}

// GetSubmittedURLs returns previously-submitted URLs for a site, oldest
// sync first, capped at limit. Used by the resync engine.
func (db *DB) GetSubmittedURLs(ctx context.Context, siteID string, limit int) ([]*IndexedURL, error) {
	rows, err := db.client.QueryContext(ctx, `
		SELECT `+urlColumns+`
		FROM indexed_urls
		WHERE site_id = $1 AND indexing_status = 'submitted'
		ORDER BY last_synced_at ASC NULLS FIRST
		LIMIT $2
	`, siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get submitted urls: %w", err)
	}
	defer rows.Close()

	return collectURLs(rows)
}

func collectURLs(rows *sql.Rows) ([]*IndexedURL, error) {
	urls := make([]*IndexedURL, 0)
	for rows.Next() {
		u, err := scanURL(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan url row: %w", err)
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating url rows: %w", err)
	}
	return urls, nil
}

// UpdateURLLiveness records HTTP status and noindex detection for a batch of
// URLs in a single array-bind statement.
func (db *DB) UpdateURLLiveness(ctx context.Context, ids []int, statuses []int, noindex []bool) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(statuses) || len(ids) != len(noindex) {
		return fmt.Errorf("liveness batch length mismatch")
	}

	_, err := db.client.ExecContext(ctx, `
		UPDATE indexed_urls
		SET http_status = updates.status,
		    noindex = updates.noindex
		FROM (
			SELECT unnest($1::integer[]) AS id,
			       unnest($2::integer[]) AS status,
			       unnest($3::boolean[]) AS noindex
		) AS updates
		WHERE indexed_urls.id = updates.id
	`, pq.Array(ids), pq.Array(statuses), pq.Array(noindex))
	if err != nil {
		log.Error().Err(err).Int("count", len(ids)).Msg("Failed to update URL liveness batch")
		return fmt.Errorf("failed to update url liveness: %w", err)
	}

	return nil
}

// MarkURLSubmitted transitions a URL to submitted for the given channel.
// If it already carries a different submission method, the method becomes
// "both". New/changed flags and any stale error are cleared.
func (db *DB) MarkURLSubmitted(ctx context.Context, urlID int, method string) error {
	_, err := db.client.ExecContext(ctx, `
		UPDATE indexed_urls
		SET indexing_status = 'submitted',
		    submission_method = CASE
			WHEN submission_method IS NULL OR submission_method = $2 THEN $2
			ELSE 'both'
		    END,
		    is_new = FALSE,
		    is_changed = FALSE,
		    error_message = NULL,
		    submitted_at = NOW(),
		    last_synced_at = NOW()
		WHERE id = $1
	`, urlID, method)
	if err != nil {
		log.Error().Err(err).Int("url_id", urlID).Str("method", method).Msg("Failed to mark URL submitted")
		return fmt.Errorf("failed to mark url submitted: %w", err)
	}

	return nil
}

// MarkURLFailed transitions a URL to failed with the given reason.
func (db *DB) MarkURLFailed(ctx context.Context, urlID int, errorMessage string) error {
	_, err := db.client.ExecContext(ctx, `
		UPDATE indexed_urls
		SET indexing_status = 'failed',
		    error_message = $2,
		    last_synced_at = NOW()
		WHERE id = $1
	`, urlID, errorMessage)
	if err != nil {
		log.Error().Err(err).Int("url_id", urlID).Msg("Failed to mark URL failed")
		return fmt.Errorf("failed to mark url failed: %w", err)
	}

	return nil
}

// MarkURLRemovalRequested transitions a URL to removal_requested after the
// owner asks for the page to be dropped from the index.
func (db *DB) MarkURLRemovalRequested(ctx context.Context, urlID int) error {
	_, err := db.client.ExecContext(ctx, `
		UPDATE indexed_urls
		SET indexing_status = 'removal_requested',
		    is_new = FALSE,
		    is_changed = FALSE,
		    last_synced_at = NOW()
		WHERE id = $1
	`, urlID)
	if err != nil {
		log.Error().Err(err).Int("url_id", urlID).Msg("Failed to mark URL removal requested")
		return fmt.Errorf("failed to mark url removal requested: %w", err)
	}

	return nil
}

// IncrementRetryCount bumps the retry counter after a retry attempt,
// regardless of outcome.
func (db *DB) IncrementRetryCount(ctx context.Context, urlID int) error {
	_, err := db.client.ExecContext(ctx, `
		UPDATE indexed_urls SET retry_count = retry_count + 1 WHERE id = $1
	`, urlID)
	if err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	return nil
}

// StampRetryCount pins a URL's retry counter, used to permanently abandon
// URLs whose failure can never succeed on retry.
func (db *DB) StampRetryCount(ctx context.Context, urlID, count int) error {
	_, err := db.client.ExecContext(ctx, `
		UPDATE indexed_urls SET retry_count = $2 WHERE id = $1
	`, urlID, count)
	if err != nil {
		return fmt.Errorf("failed to stamp retry count: %w", err)
	}
	return nil
}

// UpdateGSCStatus records a coverage-state change reported by the
// inspection API and refreshes the sync timestamp.
func (db *DB) UpdateGSCStatus(ctx context.Context, urlID int, status string) error {
	_, err := db.client.ExecContext(ctx, `
		UPDATE indexed_urls
		SET gsc_status = $2, last_synced_at = NOW()
		WHERE id = $1
	`, urlID, status)
	if err != nil {
		return fmt.Errorf("failed to update gsc status: %w", err)
	}
	return nil
}

// TouchURLSynced refreshes the sync timestamp without changing state.
func (db *DB) TouchURLSynced(ctx context.Context, urlID int) error {
	_, err := db.client.ExecContext(ctx, `
		UPDATE indexed_urls SET last_synced_at = NOW() WHERE id = $1
	`, urlID)
	if err != nil {
		return fmt.Errorf("failed to touch url sync timestamp: %w", err)
	}
	return nil
}

// URLCounts summarises a site's registry for reporting.
type URLCounts struct {
	Total   int `json:"total"`
	Indexed int `json:"indexed"`
}

// CountURLs returns registry totals for a site.
func (db *DB) CountURLs(ctx context.Context, siteID string) (*URLCounts, error) {
	counts := &URLCounts{}
	err := db.client.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE gsc_status = 'indexed')
		FROM indexed_urls
		WHERE site_id = $1
	`, siteID).Scan(&counts.Total, &counts.Indexed)
	if err != nil {
		return nil, fmt.Errorf("failed to count urls: %w", err)
	}
	return counts, nil
}
