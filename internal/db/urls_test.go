package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The sitemap upsert is the differ: new rows arrive flagged new, existing
// rows flip is_changed only when the last-modified marker actually moved,
// and a pending flag from an earlier run survives an unchanged re-sync.
// Running the same sitemap twice must therefore produce no new flags on
// the second pass, only a fresh sync timestamp.
func TestUpsertSitemapURLs_ChangeDetection(t *testing.T) {
	database, mock := newMockDB(t)

	urls := []string{"https://example.com/a", "https://example.com/b"}
	lastMods := []string{"2026-08-01", ""}

	mock.ExpectExec(`(?s)INSERT INTO indexed_urls \(site_id, url, last_modified, is_new, gsc_status, last_synced_at\).*TRUE, 'unknown to Google'.*ON CONFLICT \(site_id, url\) DO UPDATE.*SET is_changed = indexed_urls\.is_changed\s+OR \(indexed_urls\.last_modified IS DISTINCT FROM EXCLUDED\.last_modified\).*last_synced_at = NOW\(\)`).
		WithArgs("site-1", pq.Array(urls), pq.Array(lastMods)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := database.UpsertSitemapURLs(context.Background(), "site-1", urls, lastMods)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSitemapURLs_LengthMismatch(t *testing.T) {
	database, mock := newMockDB(t)

	err := database.UpsertSitemapURLs(context.Background(), "site-1",
		[]string{"https://example.com/a"}, []string{"2026-08-01", "2026-08-02"})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSitemapURLs_EmptyBatchSkipsDatabase(t *testing.T) {
	database, mock := newMockDB(t)

	err := database.UpsertSitemapURLs(context.Background(), "site-1", nil, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Analytics rows always land as gsc_status = indexed, whether the URL is
// new to the registry or already tracked. Nothing else on the row moves.
func TestUpsertAnalyticsIndexed(t *testing.T) {
	database, mock := newMockDB(t)

	urls := []string{"https://example.com/ranked"}
	mock.ExpectExec(`(?s)INSERT INTO indexed_urls \(site_id, url, gsc_status, last_synced_at\).*'indexed', NOW\(\).*ON CONFLICT \(site_id, url\) DO UPDATE.*SET gsc_status = 'indexed', last_synced_at = NOW\(\)`).
		WithArgs("site-1", pq.Array(urls)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := database.UpsertAnalyticsIndexed(context.Background(), "site-1", urls)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func urlRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "site_id", "url", "indexing_status", "gsc_status", "http_status",
		"submission_method", "is_new", "is_changed", "noindex", "retry_count",
		"error_message", "last_modified", "submitted_at", "last_synced_at", "created_at",
	})
}

// Auto-index candidates include submitted URLs whose sitemap marker moved
// since submission, so a content change reaches the index again.
func TestGetNewOrChangedURLs_IncludesChangedSubmitted(t *testing.T) {
	database, mock := newMockDB(t)

	now := time.Now()
	mock.ExpectQuery(`(?s)FROM indexed_urls\s+WHERE site_id = \$1.*\(is_new OR is_changed\) AND indexing_status IN \('none', 'failed'\).*OR \(is_changed AND indexing_status = 'submitted'\)`).
		WithArgs("site-1").
		WillReturnRows(urlRows().
			AddRow(1, "site-1", "https://example.com/new", "none", nil, nil, nil, true, false, false, 0, nil, nil, nil, nil, now).
			AddRow(2, "site-1", "https://example.com/updated", "submitted", "indexed", 200, "google", false, true, false, 0, nil, "2026-08-30", now, now, now))

	urls, err := database.GetNewOrChangedURLs(context.Background(), "site-1")
	require.NoError(t, err)
	require.Len(t, urls, 2)
	assert.Equal(t, URLStatusSubmitted, urls[1].IndexingStatus)
	assert.True(t, urls[1].IsChanged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Submission consumes the pending diff flags and clears any stale error.
func TestMarkURLSubmitted_ConsumesFlags(t *testing.T) {
	database, mock := newMockDB(t)

	mock.ExpectExec(`(?s)UPDATE indexed_urls\s+SET indexing_status = 'submitted'.*is_new = FALSE.*is_changed = FALSE.*error_message = NULL`).
		WithArgs(7, "google").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := database.MarkURLSubmitted(context.Background(), 7, "google")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkURLRemovalRequested(t *testing.T) {
	database, mock := newMockDB(t)

	mock.ExpectExec(`(?s)UPDATE indexed_urls\s+SET indexing_status = 'removal_requested'.*is_new = FALSE.*is_changed = FALSE`).
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := database.MarkURLRemovalRequested(context.Background(), 7)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetURLNotFound(t *testing.T) {
	database, mock := newMockDB(t)

	mock.ExpectQuery("FROM indexed_urls WHERE id =").
		WillReturnRows(urlRows())

	_, err := database.GetURL(context.Background(), 99)
	assert.ErrorIs(t, err, ErrURLNotFound)
}
