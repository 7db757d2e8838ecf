// Package liveness classifies URL reachability ahead of submission:
// alive pages may be submitted, dead pages (404/410) are permanently
// excluded, and transiently unreachable pages are left for a later run.
package liveness

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
)

const (
	checkTimeout = 10 * time.Second

	// maxBodyBytes caps how much HTML is read for noindex detection.
	maxBodyBytes = 512 * 1024
)

// Result is the liveness classification for a single URL.
type Result struct {
	URL        string
	HTTPStatus int
	Alive      bool // 2xx/3xx terminal response
	Dead       bool // 404 or 410: permanent
	NoIndex    bool // page carries a robots noindex directive
	Error      string
}

// Checker performs bounded-timeout liveness checks.
type Checker struct {
	httpClient *http.Client
	userAgent  string
}

// NewChecker creates a liveness checker.
func NewChecker(userAgent string) *Checker {
	return &Checker{
		httpClient: &http.Client{
			Timeout: checkTimeout,
			// Redirects count as alive; follow a few to find the terminal status.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		userAgent: userAgent,
	}
}

// CheckAll classifies each URL in order. Checks run sequentially to bound
// load on the target site.
func (c *Checker) CheckAll(ctx context.Context, urls []string) []Result {
	results := make([]Result, 0, len(urls))
	for _, u := range urls {
		results = append(results, c.check(ctx, u))
	}
	return results
}

func (c *Checker) check(ctx context.Context, url string) Result {
	result := Result{URL: url}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeout or DNS failure: transiently unreachable, not dead.
		result.Error = err.Error()
		log.Debug().Err(err).Str("url", url).Msg("Liveness check unreachable")
		return result
	}
	defer resp.Body.Close()

	result.HTTPStatus = resp.StatusCode

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		result.Dead = true
	case resp.StatusCode >= 200 && resp.StatusCode < 400:
		result.Alive = true
		result.NoIndex = c.detectNoIndex(resp)
	default:
		// 5xx and other statuses: transient, eligible for a later run.
		result.Error = resp.Status
	}

	return result
}

// detectNoIndex scans an HTML response for a robots noindex meta directive.
// A page its owner excluded from indexing is pointless to submit.
func (c *Checker) detectNoIndex(resp *http.Response) bool {
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") {
		return false
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return false
	}

	noindex := false
	doc.Find(`meta[name="robots"], meta[name="googlebot"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		content, _ := s.Attr("content")
		if strings.Contains(strings.ToLower(content), "noindex") {
			noindex = true
			return false
		}
		return true
	})

	return noindex
}
