package indexer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pagepulse/pagepulse/internal/db"
	"github.com/pagepulse/pagepulse/internal/google"
)

// DispatchResult summarises one submission pass over a batch of URLs.
type DispatchResult struct {
	SubmittedGoogle int `json:"submitted_google"`
	SubmittedBing   int `json:"submitted_bing"`
	FailedGoogle    int `json:"failed_google"`
	FailedBing      int `json:"failed_bing"`

	// Skipped404 counts URLs dropped from the batch because the liveness
	// check saw them dead before submission.
	Skipped404 int `json:"skipped_404"`

	// SkippedQuota counts URLs that were not sent to Google because the
	// daily submission quota ran out mid-batch.
	SkippedQuota int `json:"skipped_quota_full"`

	CreditsUsed      int  `json:"credits_used"`
	QuotaExhausted   bool `json:"quota_exhausted"`
	CreditsExhausted bool `json:"credits_exhausted"`
	LowCreditWarning bool `json:"-"`
}

// dispatch submits a batch of registry URLs on the site's enabled channels.
// Google submissions consume one credit and one quota unit per URL, both
// reserved up front and refunded for every URL that does not go through.
// IndexNow submissions are free and sent as a single batch.
func (ix *Indexer) dispatch(ctx context.Context, site *db.Site, urls []*db.IndexedURL) (*DispatchResult, error) {
	result := &DispatchResult{}
	if len(urls) == 0 {
		return result, nil
	}
	if !site.AutoIndexGoogle && !site.AutoIndexBing {
		return nil, ErrNoChannels
	}

	googleOK := make(map[int]bool)
	bingOK := make(map[int]bool)
	failures := make(map[int]string)

	if site.AutoIndexGoogle {
		if err := ix.dispatchGoogle(ctx, site, urls, result, googleOK, failures); err != nil {
			return result, err
		}
	}
	if site.AutoIndexBing {
		ix.dispatchIndexNow(ctx, site, urls, result, bingOK, failures)
	}

	// Reconcile registry state. Any channel success marks the URL
	// submitted; a URL is failed only when every attempted channel failed.
	for _, u := range urls {
		switch {
		case googleOK[u.ID] || bingOK[u.ID]:
			if googleOK[u.ID] {
				if err := ix.store.MarkURLSubmitted(ctx, u.ID, "google"); err != nil {
					log.Error().Err(err).Int("url_id", u.ID).Msg("Failed to mark URL submitted")
				}
				ix.store.AppendIndexingLog(ctx, site.ID, u.URL, db.LogActionSubmitted, channelGoogle, "")
			}
			if bingOK[u.ID] {
				if err := ix.store.MarkURLSubmitted(ctx, u.ID, "bing"); err != nil {
					log.Error().Err(err).Int("url_id", u.ID).Msg("Failed to mark URL submitted")
				}
				ix.store.AppendIndexingLog(ctx, site.ID, u.URL, db.LogActionSubmitted, channelIndexNow, "")
			}
		case failures[u.ID] != "":
			if err := ix.store.MarkURLFailed(ctx, u.ID, failures[u.ID]); err != nil {
				log.Error().Err(err).Int("url_id", u.ID).Msg("Failed to mark URL failed")
			}
			ix.store.AppendIndexingLog(ctx, site.ID, u.URL, db.LogActionFailed, "", failures[u.ID])
		}
	}

	return result, nil
}

// dispatchGoogle reserves quota and credits for as much of the batch as the
// user can afford, publishes, and refunds both ledgers for every URL that
// did not make it through.
func (ix *Indexer) dispatchGoogle(ctx context.Context, site *db.Site, urls []*db.IndexedURL, result *DispatchResult, ok map[int]bool, failures map[int]string) error {
	granted, err := ix.store.ReserveSubmissionQuota(ctx, site.UserID, len(urls))
	if err != nil {
		return fmt.Errorf("failed to reserve submission quota: %w", err)
	}
	if granted < len(urls) {
		result.QuotaExhausted = true
		result.SkippedQuota = len(urls) - granted
	}
	if granted == 0 {
		return nil
	}

	affordable := granted
	deduct, err := ix.store.DeductCredits(ctx, site.UserID, granted, "google submission")
	if err != nil {
		var insufficient *db.ErrInsufficientCredits
		if !errors.As(err, &insufficient) {
			ix.releaseGoogle(ctx, site.UserID, granted, 0)
			return fmt.Errorf("failed to deduct credits: %w", err)
		}
		result.CreditsExhausted = true
		affordable = insufficient.Available
		if affordable == 0 {
			ix.releaseGoogle(ctx, site.UserID, granted, 0)
			return nil
		}
		if err := ix.store.ReleaseSubmissionQuota(ctx, site.UserID, granted-affordable); err != nil {
			log.Error().Err(err).Str("user_id", site.UserID).Msg("Failed to release submission quota")
		}
		deduct, err = ix.store.DeductCredits(ctx, site.UserID, affordable, "google submission")
		if err != nil {
			ix.releaseGoogle(ctx, site.UserID, affordable, 0)
			return fmt.Errorf("failed to deduct credits: %w", err)
		}
	}
	if deduct.LowBalanceWarning {
		result.LowCreditWarning = true
	}

	batch := urls[:affordable]
	batchURLs := make([]string, len(batch))
	for i, u := range batch {
		batchURLs[i] = u.URL
	}

	results, err := ix.google.PublishBatch(ctx, site.UserID, batchURLs)
	if err != nil {
		// Token failure aborts the whole batch; nothing was sent.
		ix.releaseGoogle(ctx, site.UserID, affordable, affordable)
		return fmt.Errorf("google publish failed: %w", err)
	}

	outcomes := make(map[string]google.PublishResult, len(results))
	for _, r := range results {
		outcomes[r.URL] = r
	}

	refund := 0
	for _, u := range batch {
		outcome, reported := outcomes[u.URL]
		if reported && outcome.Outcome == google.OutcomeSubmitted {
			ok[u.ID] = true
			result.SubmittedGoogle++
			continue
		}

		// Rate limited, failed, or missing from the response: the URL was
		// not accepted, so the user gets the credit and quota back.
		refund++
		result.FailedGoogle++
		detail := "no result reported"
		if reported {
			detail = outcome.Error
		}
		appendFailure(failures, u.ID, channelGoogle+": "+detail)
	}
	result.CreditsUsed = affordable - refund

	if refund > 0 {
		ix.releaseGoogle(ctx, site.UserID, refund, refund)
	}
	return nil
}

// releaseGoogle returns quota units and credits reserved for submissions
// that did not happen.
func (ix *Indexer) releaseGoogle(ctx context.Context, userID string, quota, credits int) {
	if quota > 0 {
		if err := ix.store.ReleaseSubmissionQuota(ctx, userID, quota); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to release submission quota")
		}
	}
	if credits > 0 {
		if _, err := ix.store.RefundCredits(ctx, userID, credits, "google submission refund"); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to refund credits")
		}
	}
}

// dispatchIndexNow submits the full batch in one request. IndexNow accepts
// or rejects the batch as a whole.
func (ix *Indexer) dispatchIndexNow(ctx context.Context, site *db.Site, urls []*db.IndexedURL, result *DispatchResult, ok map[int]bool, failures map[int]string) {
	batchURLs := make([]string, len(urls))
	for i, u := range urls {
		batchURLs[i] = u.URL
	}

	if err := ix.indexnow.Submit(ctx, site.Domain, site.IndexNowKey, batchURLs); err != nil {
		log.Warn().Err(err).Str("site_id", site.ID).Int("urls", len(urls)).Msg("IndexNow batch rejected")
		result.FailedBing = len(urls)
		for _, u := range urls {
			appendFailure(failures, u.ID, channelIndexNow+": "+err.Error())
		}
		return
	}

	result.SubmittedBing = len(urls)
	for _, u := range urls {
		ok[u.ID] = true
	}
}

func appendFailure(failures map[int]string, urlID int, message string) {
	if existing := failures[urlID]; existing != "" {
		failures[urlID] = existing + "; " + message
		return
	}
	failures[urlID] = message
}
