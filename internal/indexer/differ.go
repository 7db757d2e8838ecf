package indexer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pagepulse/pagepulse/internal/db"
	"github.com/pagepulse/pagepulse/internal/util"
)

// syncRegistry reconciles the URL registry against the two sources of
// truth: Search Console analytics (pages Google already indexed) and the
// site's sitemap (pages the owner wants indexed). Returns the candidates
// that need submission after the diff.
func (ix *Indexer) syncRegistry(ctx context.Context, site *db.Site, analyticsPages []string) ([]*db.IndexedURL, error) {
	indexed := filterSameHost(analyticsPages, site.Domain)
	if len(indexed) > 0 {
		if err := ix.store.UpsertAnalyticsIndexed(ctx, site.ID, indexed); err != nil {
			return nil, fmt.Errorf("failed to record analytics pages: %w", err)
		}
	}

	entries, err := ix.sitemaps.Fetch(ctx, site.SitemapLocation())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sitemap: %w", err)
	}

	urls := make([]string, 0, len(entries))
	lastMods := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !util.SameHost(entry.Loc, site.Domain) {
			log.Debug().Str("url", entry.Loc).Str("domain", site.Domain).Msg("Skipping foreign-host sitemap entry")
			continue
		}
		urls = append(urls, entry.Loc)
		lastMods = append(lastMods, entry.LastMod)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("sitemap at %s contains no usable URLs", site.SitemapLocation())
	}

	if err := ix.store.UpsertSitemapURLs(ctx, site.ID, urls, lastMods); err != nil {
		return nil, fmt.Errorf("failed to upsert sitemap urls: %w", err)
	}

	candidates, err := ix.store.GetNewOrChangedURLs(ctx, site.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load submission candidates: %w", err)
	}
	return candidates, nil
}

func filterSameHost(urls []string, domain string) []string {
	kept := urls[:0:0]
	for _, u := range urls {
		if util.SameHost(u, domain) {
			kept = append(kept, u)
		}
	}
	return kept
}
