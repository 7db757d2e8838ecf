// Package sitemap fetches and parses XML sitemaps, including nested
// sitemap indexes, preserving each entry's last-modified marker.
package sitemap

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pagepulse/pagepulse/internal/util"
	"github.com/rs/zerolog/log"
)

const (
	fetchTimeout = 15 * time.Second

	// maxDepth bounds sitemap index recursion so a self-referencing index
	// cannot loop forever.
	maxDepth = 3
)

// Entry is one URL from a sitemap with its optional last-modified marker.
type Entry struct {
	Loc     string
	LastMod string
}

// Fetcher retrieves and parses sitemaps over HTTP.
type Fetcher struct {
	httpClient *http.Client
	userAgent  string
}

// NewFetcher creates a sitemap fetcher.
func NewFetcher(userAgent string) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: fetchTimeout},
		userAgent:  userAgent,
	}
}

type sitemapIndex struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

type urlSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []struct {
		Loc     string `xml:"loc"`
		LastMod string `xml:"lastmod"`
	} `xml:"url"`
}

// Fetch retrieves the sitemap at the given URL, following sitemap-index
// children, and returns the validated entries.
func (f *Fetcher) Fetch(ctx context.Context, sitemapURL string) ([]Entry, error) {
	return f.fetch(ctx, sitemapURL, 0)
}

func (f *Fetcher) fetch(ctx context.Context, sitemapURL string, depth int) ([]Entry, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("sitemap index nesting exceeds %d levels", maxDepth)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sitemap request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sitemap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sitemap fetch returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read sitemap body: %w", err)
	}

	// A sitemap index points at child sitemaps; recurse into each,
	// skipping children that fail rather than losing the whole set.
	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
		var entries []Entry
		for _, child := range index.Sitemaps {
			childURL := util.NormaliseURL(child.Loc)
			if childURL == "" {
				log.Warn().Str("url", child.Loc).Msg("Invalid child sitemap URL, skipping")
				continue
			}

			childEntries, err := f.fetch(ctx, childURL, depth+1)
			if err != nil {
				log.Warn().Err(err).Str("url", childURL).Msg("Failed to parse child sitemap")
				continue
			}
			entries = append(entries, childEntries...)
		}
		return entries, nil
	}

	var set urlSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("failed to parse sitemap XML: %w", err)
	}

	entries := make([]Entry, 0, len(set.URLs))
	for _, u := range set.URLs {
		loc := util.NormaliseURL(u.Loc)
		if loc == "" {
			log.Debug().Str("invalid_url", u.Loc).Msg("Skipping invalid URL from sitemap")
			continue
		}
		entries = append(entries, Entry{Loc: loc, LastMod: u.LastMod})
	}

	log.Debug().
		Str("sitemap_url", sitemapURL).
		Int("url_count", len(entries)).
		Msg("Parsed sitemap")

	return entries, nil
}
