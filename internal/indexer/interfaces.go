// Package indexer orchestrates URL discovery, submission and status
// reconciliation for a site: diffing sitemap and analytics data into the
// URL registry, dispatching submissions to Google and IndexNow under
// quota and credit limits, retrying failures, and resyncing index status.
package indexer

import (
	"context"

	"github.com/pagepulse/pagepulse/internal/db"
	"github.com/pagepulse/pagepulse/internal/google"
	"github.com/pagepulse/pagepulse/internal/liveness"
	"github.com/pagepulse/pagepulse/internal/sitemap"
)

// Store is the persistence surface the indexer drives. *db.DB satisfies it.
type Store interface {
	// Sites
	GetSite(ctx context.Context, siteID string) (*db.Site, error)
	ListAutoIndexSites(ctx context.Context) ([]*db.Site, error)
	TouchSiteSynced(ctx context.Context, siteID string) error

	// URL registry
	UpsertAnalyticsIndexed(ctx context.Context, siteID string, urls []string) error
	UpsertSitemapURLs(ctx context.Context, siteID string, urls, lastModified []string) error
	GetNewOrChangedURLs(ctx context.Context, siteID string) ([]*db.IndexedURL, error)
	GetFailedURLs(ctx context.Context, maxRetries int) ([]*db.IndexedURL, error)
	GetSubmittedURLs(ctx context.Context, siteID string, limit int) ([]*db.IndexedURL, error)
	GetURLsByValues(ctx context.Context, siteID string, urls []string) ([]*db.IndexedURL, error)
	GetURLsByIDs(ctx context.Context, siteID string, ids []int) ([]*db.IndexedURL, error)
	GetUnindexedURLs(ctx context.Context, siteID string, maxRetries int) ([]*db.IndexedURL, error)
	GetURL(ctx context.Context, urlID int) (*db.IndexedURL, error)
	UpdateURLLiveness(ctx context.Context, ids []int, statuses []int, noindex []bool) error
	MarkURLSubmitted(ctx context.Context, urlID int, method string) error
	MarkURLFailed(ctx context.Context, urlID int, errorMessage string) error
	MarkURLRemovalRequested(ctx context.Context, urlID int) error
	IncrementRetryCount(ctx context.Context, urlID int) error
	StampRetryCount(ctx context.Context, urlID, count int) error
	UpdateGSCStatus(ctx context.Context, urlID int, status string) error
	TouchURLSynced(ctx context.Context, urlID int) error
	CountURLs(ctx context.Context, siteID string) (*db.URLCounts, error)

	// Quota ledger
	ReserveSubmissionQuota(ctx context.Context, userID string, count int) (int, error)
	ReleaseSubmissionQuota(ctx context.Context, userID string, count int) error
	ReserveInspectionQuota(ctx context.Context, userID string, count int) (int, error)

	// Credit ledger
	DeductCredits(ctx context.Context, userID string, amount int, reason string) (*db.DeductResult, error)
	RefundCredits(ctx context.Context, userID string, amount int, reason string) (int, error)
	GetCreditBalance(ctx context.Context, userID string) (int, error)

	// Coordination and audit
	AcquireLock(ctx context.Context, siteID string) (bool, error)
	ReleaseLock(ctx context.Context, siteID string)
	UpsertDailyReport(ctx context.Context, delta *db.DailyReport) error
	AppendIndexingLog(ctx context.Context, siteID, url, action, channel, detail string)
	RecordJobRun(ctx context.Context, jobName, result string, summary any) error
}

// GoogleSubmitter publishes URL notifications to the Google Indexing API.
type GoogleSubmitter interface {
	PublishBatch(ctx context.Context, userID string, urls []string) ([]google.PublishResult, error)
	RequestRemoval(ctx context.Context, userID, url string) error
}

// SearchConsole reads index coverage data from Google Search Console.
type SearchConsole interface {
	AnalyticsPages(ctx context.Context, userID, domain string) ([]string, error)
	InspectURL(ctx context.Context, userID, domain, inspectURL string) (string, error)
}

// IndexNowSubmitter pushes URL batches to the IndexNow endpoint.
type IndexNowSubmitter interface {
	Submit(ctx context.Context, host, key string, urls []string) error
}

// SitemapSource fetches and flattens a site's sitemap.
type SitemapSource interface {
	Fetch(ctx context.Context, sitemapURL string) ([]sitemap.Entry, error)
}

// LivenessChecker classifies URL reachability before submission.
type LivenessChecker interface {
	CheckAll(ctx context.Context, urls []string) []liveness.Result
}

// Notifier delivers operational alerts. Implementations are best-effort;
// callers log returned errors and carry on.
type Notifier interface {
	NotifyLowCredits(ctx context.Context, userID string, balance int) error
	NotifyDeadURLs(ctx context.Context, site *db.Site, count int) error
	NotifyTokenFailure(ctx context.Context, site *db.Site, reason string) error
	NotifyJobFailure(ctx context.Context, jobName, detail string) error
}
