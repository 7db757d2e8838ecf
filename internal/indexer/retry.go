package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pagepulse/pagepulse/internal/db"
	"github.com/pagepulse/pagepulse/internal/google"
)

// RetrySummary aggregates one pass of the retry engine.
type RetrySummary struct {
	Attempted       int     `json:"attempted"`
	Succeeded       int     `json:"succeeded"`
	Abandoned       int     `json:"abandoned"`
	SkippedQuota    int     `json:"skipped_quota"`
	SkippedCredits  int     `json:"skipped_credits"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// RunRetries re-attempts every failed URL still under the retry cap.
// Permanent failures are stamped to the cap and abandoned without an
// attempt. Retries route to whichever channel the stored error message
// records as having failed.
func (ix *Indexer) RunRetries(ctx context.Context) (*RetrySummary, error) {
	start := time.Now()
	summary := &RetrySummary{}

	failed, err := ix.store.GetFailedURLs(ctx, MaxRetries)
	if err != nil {
		ix.recordJob(ctx, JobRetryFailed, db.JobResultFail, summary)
		return nil, fmt.Errorf("failed to list retry candidates: %w", err)
	}

	bySite := make(map[string][]*db.IndexedURL)
	for _, u := range failed {
		message := ""
		if u.ErrorMessage != nil {
			message = *u.ErrorMessage
		}
		if IsPermanentFailure(message) {
			summary.Abandoned++
			if err := ix.store.StampRetryCount(ctx, u.ID, MaxRetries); err != nil {
				log.Error().Err(err).Int("url_id", u.ID).Msg("Failed to abandon permanently failed URL")
			}
			continue
		}
		bySite[u.SiteID] = append(bySite[u.SiteID], u)
	}

	for siteID, urls := range bySite {
		if ctx.Err() != nil {
			break
		}
		site, err := ix.store.GetSite(ctx, siteID)
		if err != nil {
			log.Error().Err(err).Str("site_id", siteID).Msg("Failed to load site for retries")
			continue
		}
		ix.retrySite(ctx, site, urls, summary)
	}

	summary.DurationSeconds = time.Since(start).Seconds()

	jobResult := db.JobResultSuccess
	if summary.Attempted > 0 && summary.Succeeded == 0 {
		jobResult = db.JobResultPartial
	}
	ix.recordJob(ctx, JobRetryFailed, jobResult, summary)

	return summary, nil
}

func (ix *Indexer) retrySite(ctx context.Context, site *db.Site, urls []*db.IndexedURL, summary *RetrySummary) {
	attempted := make(map[int]bool)
	var indexnowBatch []*db.IndexedURL

	for _, u := range urls {
		message := ""
		if u.ErrorMessage != nil {
			message = *u.ErrorMessage
		}

		if site.AutoIndexGoogle && failedOnChannel(message, channelGoogle) {
			summary.Attempted++
			ix.retryGoogle(ctx, site, u, summary, attempted)
		}
		if site.AutoIndexBing && failedOnChannel(message, channelIndexNow) {
			indexnowBatch = append(indexnowBatch, u)
		}
	}

	if len(indexnowBatch) > 0 {
		ix.retryIndexNow(ctx, site, indexnowBatch, summary, attempted)
	}

	// Every retry that actually reached a channel burns one attempt from the
	// URL's budget, whether it recovered or failed again. Quota and credit
	// skips never dispatched, so they leave the budget intact.
	for _, u := range urls {
		if !attempted[u.ID] {
			continue
		}
		if err := ix.store.IncrementRetryCount(ctx, u.ID); err != nil {
			log.Error().Err(err).Int("url_id", u.ID).Msg("Failed to increment retry count")
		}
	}
}

// retryGoogle re-submits a single URL. Quota and a credit are reserved for
// the attempt and returned if it fails. An exhausted ledger skips the URL
// without consuming retry budget.
func (ix *Indexer) retryGoogle(ctx context.Context, site *db.Site, u *db.IndexedURL, summary *RetrySummary, attempted map[int]bool) {
	granted, err := ix.store.ReserveSubmissionQuota(ctx, site.UserID, 1)
	if err != nil {
		log.Error().Err(err).Str("user_id", site.UserID).Msg("Failed to reserve quota for retry")
		return
	}
	if granted == 0 {
		summary.SkippedQuota++
		return
	}

	if _, err := ix.store.DeductCredits(ctx, site.UserID, 1, "google retry"); err != nil {
		ix.releaseGoogle(ctx, site.UserID, 1, 0)
		summary.SkippedCredits++
		return
	}

	attempted[u.ID] = true
	results, err := ix.google.PublishBatch(ctx, site.UserID, []string{u.URL})
	if err == nil && len(results) == 1 && results[0].Outcome == google.OutcomeSubmitted {
		summary.Succeeded++
		if markErr := ix.store.MarkURLSubmitted(ctx, u.ID, "google"); markErr != nil {
			log.Error().Err(markErr).Int("url_id", u.ID).Msg("Failed to mark retried URL submitted")
		}
		ix.store.AppendIndexingLog(ctx, site.ID, u.URL, db.LogActionSubmitted, channelGoogle, "retry")
		return
	}

	detail := "no result reported"
	if err != nil {
		detail = err.Error()
	} else if len(results) == 1 {
		detail = results[0].Error
	}
	ix.releaseGoogle(ctx, site.UserID, 1, 1)
	if markErr := ix.store.MarkURLFailed(ctx, u.ID, channelGoogle+": "+detail); markErr != nil {
		log.Error().Err(markErr).Int("url_id", u.ID).Msg("Failed to record retry failure")
	}
}

func (ix *Indexer) retryIndexNow(ctx context.Context, site *db.Site, urls []*db.IndexedURL, summary *RetrySummary, attempted map[int]bool) {
	summary.Attempted += len(urls)

	batch := make([]string, len(urls))
	for i, u := range urls {
		batch[i] = u.URL
	}

	for _, u := range urls {
		attempted[u.ID] = true
	}

	if err := ix.indexnow.Submit(ctx, site.Domain, site.IndexNowKey, batch); err != nil {
		log.Warn().Err(err).Str("site_id", site.ID).Int("urls", len(urls)).Msg("IndexNow retry batch rejected")
		for _, u := range urls {
			if markErr := ix.store.MarkURLFailed(ctx, u.ID, channelIndexNow+": "+err.Error()); markErr != nil {
				log.Error().Err(markErr).Int("url_id", u.ID).Msg("Failed to record retry failure")
			}
		}
		return
	}

	for _, u := range urls {
		summary.Succeeded++
		if err := ix.store.MarkURLSubmitted(ctx, u.ID, "bing"); err != nil {
			log.Error().Err(err).Int("url_id", u.ID).Msg("Failed to mark retried URL submitted")
		}
		ix.store.AppendIndexingLog(ctx, site.ID, u.URL, db.LogActionSubmitted, channelIndexNow, "retry")
	}
}
