package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/pagepulse/pagepulse/internal/db"
	"github.com/pagepulse/pagepulse/internal/google"
	"github.com/pagepulse/pagepulse/internal/observability"
)

const (
	// MaxRetries caps submission attempts per URL before it is abandoned.
	MaxRetries = 3

	// DeadURLAlertThreshold is the number of 404/410 URLs in one site run
	// that triggers an alert to the site owner.
	DeadURLAlertThreshold = 5
)

// Job names recorded in job_runs.
const (
	JobAutoIndex   = "auto-index"
	JobRetryFailed = "retry-failed"
	JobResync      = "resync"
)

// Indexer wires the URL registry, submission channels and alerting into
// the site-level and fleet-level indexing runs.
type Indexer struct {
	store         Store
	google        GoogleSubmitter
	searchConsole SearchConsole
	indexnow      IndexNowSubmitter
	sitemaps      SitemapSource
	liveness      LivenessChecker
	notifier      Notifier
}

// New creates an Indexer. notifier may be nil, in which case alerts are
// logged and dropped.
func New(store Store, googleClient GoogleSubmitter, searchConsole SearchConsole, indexnowClient IndexNowSubmitter, sitemaps SitemapSource, livenessChecker LivenessChecker, notifier Notifier) *Indexer {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Indexer{
		store:         store,
		google:        googleClient,
		searchConsole: searchConsole,
		indexnow:      indexnowClient,
		sitemaps:      sitemaps,
		liveness:      livenessChecker,
		notifier:      notifier,
	}
}

// SiteResult summarises one indexing run over a single site.
type SiteResult struct {
	SiteID          string `json:"site_id"`
	NewPages        int    `json:"new_pages"`
	ChangedPages    int    `json:"changed_pages"`
	SubmittedGoogle int    `json:"submitted_google"`
	SubmittedBing   int    `json:"submitted_bing"`
	FailedGoogle    int    `json:"failed_google"`
	FailedBing      int    `json:"failed_bing"`
	DeadURLs        int    `json:"dead_urls"`
	SkippedQuota    int    `json:"skipped_quota"`
	CreditsUsed     int    `json:"credits_used"`
}

// RunSite performs a full indexing pass over one site: analytics sync,
// sitemap diff, liveness checks, submission dispatch and daily report
// accounting. Exactly one run per site executes at a time; a second
// caller gets ErrSiteLocked.
func (ix *Indexer) RunSite(ctx context.Context, site *db.Site) (*SiteResult, error) {
	start := time.Now()
	ctx, span := observability.StartSiteRunSpan(ctx, observability.SiteRunSpanInfo{
		SiteID: site.ID,
		Domain: site.Domain,
	})
	defer span.End()

	acquired, err := ix.store.AcquireLock(ctx, site.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire site lock: %w", err)
	}
	if !acquired {
		return nil, ErrSiteLocked
	}
	defer ix.store.ReleaseLock(ctx, site.ID)

	result := &SiteResult{SiteID: site.ID}

	analyticsPages, err := ix.searchConsole.AnalyticsPages(ctx, site.UserID, site.Domain)
	if err != nil {
		var tokenErr *google.TokenError
		if errors.As(err, &tokenErr) {
			// The run proceeds without analytics data; the owner is told
			// to reconnect their Google account.
			log.Warn().Err(err).Str("site_id", site.ID).Msg("Google token unusable, skipping analytics sync")
			if notifyErr := ix.notifier.NotifyTokenFailure(ctx, site, tokenErr.Reason); notifyErr != nil {
				log.Error().Err(notifyErr).Str("site_id", site.ID).Msg("Failed to send token failure alert")
			}
		} else {
			log.Warn().Err(err).Str("site_id", site.ID).Msg("Analytics sync failed, continuing with sitemap only")
		}
		analyticsPages = nil
	}

	candidates, err := ix.syncRegistry(ctx, site, analyticsPages)
	if err != nil {
		return nil, err
	}
	for _, u := range candidates {
		if u.IsNew {
			result.NewPages++
		} else if u.IsChanged {
			result.ChangedPages++
		}
	}

	submittable, deadCount, err := ix.checkLiveness(ctx, site, candidates)
	if err != nil {
		return nil, err
	}
	result.DeadURLs = deadCount
	if deadCount >= DeadURLAlertThreshold {
		if err := ix.notifier.NotifyDeadURLs(ctx, site, deadCount); err != nil {
			log.Error().Err(err).Str("site_id", site.ID).Msg("Failed to send dead URL alert")
		}
	}

	dispatch, err := ix.dispatch(ctx, site, submittable)
	if err != nil && !errors.Is(err, ErrNoChannels) {
		return nil, err
	}
	if dispatch != nil {
		result.SubmittedGoogle = dispatch.SubmittedGoogle
		result.SubmittedBing = dispatch.SubmittedBing
		result.FailedGoogle = dispatch.FailedGoogle
		result.FailedBing = dispatch.FailedBing
		result.SkippedQuota = dispatch.SkippedQuota
		result.CreditsUsed = dispatch.CreditsUsed

		if dispatch.LowCreditWarning {
			balance, balErr := ix.store.GetCreditBalance(ctx, site.UserID)
			if balErr != nil {
				log.Error().Err(balErr).Str("user_id", site.UserID).Msg("Failed to read credit balance for alert")
			}
			if notifyErr := ix.notifier.NotifyLowCredits(ctx, site.UserID, balance); notifyErr != nil {
				log.Error().Err(notifyErr).Str("user_id", site.UserID).Msg("Failed to send low credit alert")
			}
		}
	}

	if err := ix.recordDailyReport(ctx, site, result); err != nil {
		log.Error().Err(err).Str("site_id", site.ID).Msg("Failed to record daily report")
	}
	if err := ix.store.TouchSiteSynced(ctx, site.ID); err != nil {
		log.Error().Err(err).Str("site_id", site.ID).Msg("Failed to stamp site sync time")
	}

	observability.RecordSiteRun(ctx, observability.SiteRunMetrics{
		SiteID:          site.ID,
		SubmittedGoogle: result.SubmittedGoogle,
		SubmittedBing:   result.SubmittedBing,
		FailedGoogle:    result.FailedGoogle,
		FailedBing:      result.FailedBing,
		SkippedQuota:    result.SkippedQuota,
		CreditsUsed:     result.CreditsUsed,
		Duration:        time.Since(start),
	})

	log.Info().
		Str("site_id", site.ID).
		Str("domain", site.Domain).
		Int("new_pages", result.NewPages).
		Int("changed_pages", result.ChangedPages).
		Int("submitted_google", result.SubmittedGoogle).
		Int("submitted_bing", result.SubmittedBing).
		Int("dead_urls", result.DeadURLs).
		Msg("Site indexing run complete")

	return result, nil
}

// checkLiveness drops dead and noindex pages from the submission batch.
// Unreachable pages stay in the registry untouched and will be picked up
// by the next run.
func (ix *Indexer) checkLiveness(ctx context.Context, site *db.Site, candidates []*db.IndexedURL) ([]*db.IndexedURL, int, error) {
	if len(candidates) == 0 {
		return nil, 0, nil
	}

	urls := make([]string, len(candidates))
	for i, u := range candidates {
		urls[i] = u.URL
	}
	results := ix.liveness.CheckAll(ctx, urls)

	var (
		ids      []int
		statuses []int
		noindex  []bool
	)
	submittable := make([]*db.IndexedURL, 0, len(candidates))
	deadCount := 0

	for i, r := range results {
		u := candidates[i]
		if r.HTTPStatus > 0 {
			ids = append(ids, u.ID)
			statuses = append(statuses, r.HTTPStatus)
			noindex = append(noindex, r.NoIndex)
		}

		switch {
		case r.Dead:
			deadCount++
			// Dead pages are never auto-removed from the index; removal
			// happens only when the owner explicitly asks for it.
			if err := ix.store.MarkURLFailed(ctx, u.ID, "404/410 detected before submission"); err != nil {
				log.Error().Err(err).Int("url_id", u.ID).Msg("Failed to mark dead URL")
			}
			if err := ix.store.StampRetryCount(ctx, u.ID, MaxRetries); err != nil {
				log.Error().Err(err).Int("url_id", u.ID).Msg("Failed to stamp retry count")
			}
		case r.Alive && !r.NoIndex:
			submittable = append(submittable, u)
		case r.Alive && r.NoIndex:
			log.Debug().Str("url", u.URL).Msg("Skipping noindex page")
		default:
			log.Debug().Str("url", u.URL).Str("error", r.Error).Msg("URL unreachable, deferring to next run")
		}
	}

	if len(ids) > 0 {
		if err := ix.store.UpdateURLLiveness(ctx, ids, statuses, noindex); err != nil {
			return nil, 0, fmt.Errorf("failed to record liveness results: %w", err)
		}
	}
	return submittable, deadCount, nil
}

func (ix *Indexer) recordDailyReport(ctx context.Context, site *db.Site, result *SiteResult) error {
	counts, err := ix.store.CountURLs(ctx, site.ID)
	if err != nil {
		return err
	}
	balance, err := ix.store.GetCreditBalance(ctx, site.UserID)
	if err != nil {
		return err
	}

	return ix.store.UpsertDailyReport(ctx, &db.DailyReport{
		SiteID:           site.ID,
		NewPages:         result.NewPages,
		ChangedPages:     result.ChangedPages,
		SubmittedGoogle:  result.SubmittedGoogle,
		SubmittedBing:    result.SubmittedBing,
		FailedGoogle:     result.FailedGoogle,
		FailedBing:       result.FailedBing,
		DeadURLs:         result.DeadURLs,
		CreditsUsed:      result.CreditsUsed,
		CreditsRemaining: balance,
		TotalURLs:        counts.Total,
		TotalIndexed:     counts.Indexed,
	})
}

// RunSummary aggregates a fleet-wide run across every auto-index site.
type RunSummary struct {
	SitesProcessed       int      `json:"sites_processed"`
	SitesSkipped         int      `json:"sites_skipped"`
	TotalNewPages        int      `json:"total_new_pages"`
	TotalSubmittedGoogle int      `json:"total_submitted_google"`
	TotalSubmittedBing   int      `json:"total_submitted_bing"`
	TotalDeadURLs        int      `json:"total_dead_urls"`
	Errors               []string `json:"errors,omitempty"`
	DurationSeconds      float64  `json:"duration_seconds"`
}

// RunAll executes RunSite over every site with auto-indexing enabled.
// Sites run sequentially; one site's failure does not stop the fleet.
func (ix *Indexer) RunAll(ctx context.Context) (*RunSummary, error) {
	start := time.Now()
	summary := &RunSummary{}

	sites, err := ix.store.ListAutoIndexSites(ctx)
	if err != nil {
		ix.recordJob(ctx, JobAutoIndex, db.JobResultFail, summary)
		return nil, fmt.Errorf("failed to list auto-index sites: %w", err)
	}

	for _, site := range sites {
		if ctx.Err() != nil {
			summary.Errors = append(summary.Errors, "run cancelled: "+ctx.Err().Error())
			break
		}

		result, err := ix.RunSite(ctx, site)
		if err != nil {
			if errors.Is(err, ErrSiteLocked) {
				summary.SitesSkipped++
				continue
			}
			sentry.CaptureException(err)
			log.Error().Err(err).Str("site_id", site.ID).Str("domain", site.Domain).Msg("Site indexing run failed")
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", site.Domain, err))
			continue
		}

		summary.SitesProcessed++
		summary.TotalNewPages += result.NewPages
		summary.TotalSubmittedGoogle += result.SubmittedGoogle
		summary.TotalSubmittedBing += result.SubmittedBing
		summary.TotalDeadURLs += result.DeadURLs
	}

	summary.DurationSeconds = time.Since(start).Seconds()

	jobResult := db.JobResultSuccess
	if len(summary.Errors) > 0 {
		jobResult = db.JobResultPartial
		if summary.SitesProcessed == 0 {
			jobResult = db.JobResultFail
		}
		if err := ix.notifier.NotifyJobFailure(ctx, JobAutoIndex, fmt.Sprintf("%d site(s) failed", len(summary.Errors))); err != nil {
			log.Error().Err(err).Msg("Failed to send job failure alert")
		}
	}
	ix.recordJob(ctx, JobAutoIndex, jobResult, summary)

	return summary, nil
}

func (ix *Indexer) recordJob(ctx context.Context, name, result string, summary any) {
	if err := ix.store.RecordJobRun(ctx, name, result, summary); err != nil {
		log.Error().Err(err).Str("job", name).Msg("Failed to record job run")
	}
}

// SubmitManual registers the given URLs for a site and dispatches them
// immediately, bypassing the sitemap diff. URLs on a different host than
// the site are rejected up front.
func (ix *Indexer) SubmitManual(ctx context.Context, site *db.Site, rawURLs []string) (*DispatchResult, error) {
	urls := filterSameHost(rawURLs, site.Domain)
	if len(urls) == 0 {
		return nil, fmt.Errorf("no submitted URLs belong to %s", site.Domain)
	}

	lastMods := make([]string, len(urls))
	if err := ix.store.UpsertSitemapURLs(ctx, site.ID, urls, lastMods); err != nil {
		return nil, fmt.Errorf("failed to register urls: %w", err)
	}

	rows, err := ix.store.GetURLsByValues(ctx, site.ID, urls)
	if err != nil {
		return nil, fmt.Errorf("failed to load registered urls: %w", err)
	}

	return ix.dispatchLive(ctx, site, rows)
}

// SubmitByIDs dispatches specific registry rows. IDs that do not belong
// to the site are ignored by the lookup.
func (ix *Indexer) SubmitByIDs(ctx context.Context, site *db.Site, ids []int) (*DispatchResult, error) {
	rows, err := ix.store.GetURLsByIDs(ctx, site.ID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load urls: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no matching urls for site %s", site.ID)
	}
	return ix.dispatchLive(ctx, site, rows)
}

// SubmitAllUnindexed dispatches every registry URL that has not been
// submitted and has retry budget left.
func (ix *Indexer) SubmitAllUnindexed(ctx context.Context, site *db.Site) (*DispatchResult, error) {
	rows, err := ix.store.GetUnindexedURLs(ctx, site.ID, MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to load unindexed urls: %w", err)
	}
	return ix.dispatchLive(ctx, site, rows)
}

// dispatchLive runs the liveness gate over a manually selected batch before
// dispatching it, the same gate an auto-index run applies. Dead pages are
// excluded and reported as skipped. A Google-only batch that was entirely
// quota-blocked surfaces as ErrQuotaExhausted.
func (ix *Indexer) dispatchLive(ctx context.Context, site *db.Site, rows []*db.IndexedURL) (*DispatchResult, error) {
	submittable, deadCount, err := ix.checkLiveness(ctx, site, rows)
	if err != nil {
		return nil, err
	}

	result, err := ix.dispatch(ctx, site, submittable)
	if err != nil {
		return nil, err
	}
	result.Skipped404 = deadCount

	if result.QuotaExhausted && result.SubmittedGoogle == 0 && !site.AutoIndexBing {
		return nil, ErrQuotaExhausted
	}
	return result, nil
}

// RequestRemoval asks Google to drop a page from its index and records the
// state transition. Removal is never triggered automatically; this is the
// only path that moves a URL to removal_requested.
func (ix *Indexer) RequestRemoval(ctx context.Context, site *db.Site, urlID int) (*db.IndexedURL, error) {
	u, err := ix.store.GetURL(ctx, urlID)
	if err != nil {
		return nil, err
	}
	if u.SiteID != site.ID {
		return nil, db.ErrURLNotFound
	}

	if err := ix.google.RequestRemoval(ctx, site.UserID, u.URL); err != nil {
		return nil, fmt.Errorf("google removal failed: %w", err)
	}

	if err := ix.store.MarkURLRemovalRequested(ctx, u.ID); err != nil {
		return nil, err
	}
	ix.store.AppendIndexingLog(ctx, site.ID, u.URL, db.LogActionRemovalRequested, channelGoogle, "")

	u.IndexingStatus = db.URLStatusRemovalRequested
	log.Info().Str("site_id", site.ID).Str("url", u.URL).Msg("Index removal requested")
	return u, nil
}

type noopNotifier struct{}

func (noopNotifier) NotifyLowCredits(ctx context.Context, userID string, balance int) error {
	log.Warn().Str("user_id", userID).Int("balance", balance).Msg("Low credit balance")
	return nil
}

func (noopNotifier) NotifyDeadURLs(ctx context.Context, site *db.Site, count int) error {
	log.Warn().Str("site_id", site.ID).Int("dead_urls", count).Msg("Dead URL threshold reached")
	return nil
}

func (noopNotifier) NotifyTokenFailure(ctx context.Context, site *db.Site, reason string) error {
	log.Warn().Str("site_id", site.ID).Str("reason", reason).Msg("Google token failure")
	return nil
}

func (noopNotifier) NotifyJobFailure(ctx context.Context, jobName, detail string) error {
	log.Warn().Str("job", jobName).Str("detail", detail).Msg("Job failure")
	return nil
}
