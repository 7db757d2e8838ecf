package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pagepulse/pagepulse/internal/db"
	"github.com/pagepulse/pagepulse/internal/google"
)

// resyncBatchSize caps how many submitted URLs are re-inspected per site
// per run. The oldest-synced URLs go first, so the window rotates.
const resyncBatchSize = 200

// ResyncSummary aggregates one pass of the index status resync job.
type ResyncSummary struct {
	SitesProcessed  int     `json:"sites_processed"`
	URLsChecked     int     `json:"urls_checked"`
	StatusChanges   int     `json:"status_changes"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// RunResync refreshes the Search Console coverage state of previously
// submitted URLs. Inspection quota is reserved per URL; a site stops as
// soon as the user's inspection budget or Google's rate limit runs out.
func (ix *Indexer) RunResync(ctx context.Context) (*ResyncSummary, error) {
	start := time.Now()
	summary := &ResyncSummary{}

	sites, err := ix.store.ListAutoIndexSites(ctx)
	if err != nil {
		ix.recordJob(ctx, JobResync, db.JobResultFail, summary)
		return nil, fmt.Errorf("failed to list sites for resync: %w", err)
	}

	for _, site := range sites {
		if ctx.Err() != nil {
			break
		}
		if !site.AutoIndexGoogle {
			continue
		}
		if err := ix.resyncSite(ctx, site, summary); err != nil {
			log.Error().Err(err).Str("site_id", site.ID).Msg("Site resync failed")
			continue
		}
		summary.SitesProcessed++
	}

	summary.DurationSeconds = time.Since(start).Seconds()
	ix.recordJob(ctx, JobResync, db.JobResultSuccess, summary)

	return summary, nil
}

func (ix *Indexer) resyncSite(ctx context.Context, site *db.Site, summary *ResyncSummary) error {
	urls, err := ix.store.GetSubmittedURLs(ctx, site.ID, resyncBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list submitted urls: %w", err)
	}

	for _, u := range urls {
		granted, err := ix.store.ReserveInspectionQuota(ctx, site.UserID, 1)
		if err != nil {
			return fmt.Errorf("failed to reserve inspection quota: %w", err)
		}
		if granted == 0 {
			log.Debug().Str("site_id", site.ID).Msg("Inspection quota exhausted, stopping resync for site")
			return nil
		}

		status, err := ix.searchConsole.InspectURL(ctx, site.UserID, site.Domain, u.URL)
		if err != nil {
			if errors.Is(err, google.ErrInspectionRateLimited) {
				log.Debug().Str("site_id", site.ID).Msg("Inspection rate limited, stopping resync for site")
				return nil
			}
			var tokenErr *google.TokenError
			if errors.As(err, &tokenErr) {
				if notifyErr := ix.notifier.NotifyTokenFailure(ctx, site, tokenErr.Reason); notifyErr != nil {
					log.Error().Err(notifyErr).Str("site_id", site.ID).Msg("Failed to send token failure alert")
				}
				return fmt.Errorf("google token unusable: %w", err)
			}
			log.Warn().Err(err).Str("url", u.URL).Msg("URL inspection failed")
			continue
		}

		summary.URLsChecked++

		current := ""
		if u.GSCStatus != nil {
			current = *u.GSCStatus
		}
		if status != current {
			summary.StatusChanges++
			if err := ix.store.UpdateGSCStatus(ctx, u.ID, status); err != nil {
				log.Error().Err(err).Int("url_id", u.ID).Msg("Failed to update coverage state")
				continue
			}
			ix.store.AppendIndexingLog(ctx, site.ID, u.URL, db.LogActionStatusChanged, channelGoogle,
				fmt.Sprintf("%s -> %s", current, status))
		} else {
			if err := ix.store.TouchURLSynced(ctx, u.ID); err != nil {
				log.Error().Err(err).Int("url_id", u.ID).Msg("Failed to stamp URL sync time")
			}
		}
	}

	return nil
}
