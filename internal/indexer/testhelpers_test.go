package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pagepulse/pagepulse/internal/db"
	"github.com/pagepulse/pagepulse/internal/google"
	"github.com/pagepulse/pagepulse/internal/liveness"
	"github.com/pagepulse/pagepulse/internal/sitemap"
)

// fakeStore is an in-memory Store for indexer tests. Quota and credit
// ledgers are simple counters; registry mutations are recorded for
// assertions.
type fakeStore struct {
	mu sync.Mutex

	sites         []*db.Site
	candidates    []*db.IndexedURL
	failedURLs    []*db.IndexedURL
	submittedURLs []*db.IndexedURL
	urlsByValue   []*db.IndexedURL
	urlCounts     db.URLCounts

	submissionQuota int
	inspectionQuota int
	credits         int
	lowWarned       bool

	lockDenied  bool
	lockErr     error
	locksHeld   map[string]bool
	lockReleases []string

	markedSubmitted  map[int][]string
	markedFailed     map[int]string
	removalRequested []int
	retryIncrements  map[int]int
	stampedRetries   map[int]int
	gscUpdates       map[int]string
	touchedURLs      []int
	touchedSites     []string
	reports          []*db.DailyReport
	quotaReleased    int
	refunded         int
	jobRuns          map[string]string
	logActions       []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		submissionQuota: db.DailySubmissionCap,
		inspectionQuota: db.DailyInspectionCap,
		credits:         1000,
		locksHeld:       map[string]bool{},
		markedSubmitted: map[int][]string{},
		markedFailed:    map[int]string{},
		retryIncrements: map[int]int{},
		stampedRetries:  map[int]int{},
		gscUpdates:      map[int]string{},
		jobRuns:         map[string]string{},
	}
}

func (s *fakeStore) GetSite(ctx context.Context, siteID string) (*db.Site, error) {
	for _, site := range s.sites {
		if site.ID == siteID {
			return site, nil
		}
	}
	return nil, db.ErrSiteNotFound
}

func (s *fakeStore) ListAutoIndexSites(ctx context.Context) ([]*db.Site, error) {
	return s.sites, nil
}

func (s *fakeStore) TouchSiteSynced(ctx context.Context, siteID string) error {
	s.touchedSites = append(s.touchedSites, siteID)
	return nil
}

func (s *fakeStore) UpsertAnalyticsIndexed(ctx context.Context, siteID string, urls []string) error {
	return nil
}

func (s *fakeStore) UpsertSitemapURLs(ctx context.Context, siteID string, urls, lastModified []string) error {
	return nil
}

func (s *fakeStore) GetNewOrChangedURLs(ctx context.Context, siteID string) ([]*db.IndexedURL, error) {
	return s.candidates, nil
}

func (s *fakeStore) GetFailedURLs(ctx context.Context, maxRetries int) ([]*db.IndexedURL, error) {
	return s.failedURLs, nil
}

func (s *fakeStore) GetSubmittedURLs(ctx context.Context, siteID string, limit int) ([]*db.IndexedURL, error) {
	return s.submittedURLs, nil
}

func (s *fakeStore) GetURLsByValues(ctx context.Context, siteID string, urls []string) ([]*db.IndexedURL, error) {
	return s.urlsByValue, nil
}

func (s *fakeStore) GetURLsByIDs(ctx context.Context, siteID string, ids []int) ([]*db.IndexedURL, error) {
	return s.urlsByValue, nil
}

func (s *fakeStore) GetUnindexedURLs(ctx context.Context, siteID string, maxRetries int) ([]*db.IndexedURL, error) {
	return s.urlsByValue, nil
}

func (s *fakeStore) GetURL(ctx context.Context, urlID int) (*db.IndexedURL, error) {
	for _, list := range [][]*db.IndexedURL{s.candidates, s.failedURLs, s.submittedURLs, s.urlsByValue} {
		for _, u := range list {
			if u.ID == urlID {
				return u, nil
			}
		}
	}
	return nil, db.ErrURLNotFound
}

func (s *fakeStore) UpdateURLLiveness(ctx context.Context, ids []int, statuses []int, noindex []bool) error {
	return nil
}

func (s *fakeStore) MarkURLRemovalRequested(ctx context.Context, urlID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removalRequested = append(s.removalRequested, urlID)
	return nil
}

func (s *fakeStore) MarkURLSubmitted(ctx context.Context, urlID int, method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markedSubmitted[urlID] = append(s.markedSubmitted[urlID], method)
	return nil
}

func (s *fakeStore) MarkURLFailed(ctx context.Context, urlID int, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markedFailed[urlID] = errorMessage
	return nil
}

func (s *fakeStore) IncrementRetryCount(ctx context.Context, urlID int) error {
	s.retryIncrements[urlID]++
	return nil
}

func (s *fakeStore) StampRetryCount(ctx context.Context, urlID, count int) error {
	s.stampedRetries[urlID] = count
	return nil
}

func (s *fakeStore) UpdateGSCStatus(ctx context.Context, urlID int, status string) error {
	s.gscUpdates[urlID] = status
	return nil
}

func (s *fakeStore) TouchURLSynced(ctx context.Context, urlID int) error {
	s.touchedURLs = append(s.touchedURLs, urlID)
	return nil
}

func (s *fakeStore) CountURLs(ctx context.Context, siteID string) (*db.URLCounts, error) {
	counts := s.urlCounts
	return &counts, nil
}

func (s *fakeStore) ReserveSubmissionQuota(ctx context.Context, userID string, count int) (int, error) {
	granted := count
	if granted > s.submissionQuota {
		granted = s.submissionQuota
	}
	s.submissionQuota -= granted
	return granted, nil
}

func (s *fakeStore) ReleaseSubmissionQuota(ctx context.Context, userID string, count int) error {
	s.submissionQuota += count
	s.quotaReleased += count
	return nil
}

func (s *fakeStore) ReserveInspectionQuota(ctx context.Context, userID string, count int) (int, error) {
	granted := count
	if granted > s.inspectionQuota {
		granted = s.inspectionQuota
	}
	s.inspectionQuota -= granted
	return granted, nil
}

func (s *fakeStore) DeductCredits(ctx context.Context, userID string, amount int, reason string) (*db.DeductResult, error) {
	if amount > s.credits {
		return nil, &db.ErrInsufficientCredits{Required: amount, Available: s.credits}
	}
	s.credits -= amount
	result := &db.DeductResult{NewBalance: s.credits}
	if s.credits < db.LowCreditThreshold && !s.lowWarned {
		s.lowWarned = true
		result.LowBalanceWarning = true
	}
	return result, nil
}

func (s *fakeStore) RefundCredits(ctx context.Context, userID string, amount int, reason string) (int, error) {
	s.credits += amount
	s.refunded += amount
	return s.credits, nil
}

func (s *fakeStore) GetCreditBalance(ctx context.Context, userID string) (int, error) {
	return s.credits, nil
}

func (s *fakeStore) AcquireLock(ctx context.Context, siteID string) (bool, error) {
	if s.lockErr != nil {
		return false, s.lockErr
	}
	if s.lockDenied || s.locksHeld[siteID] {
		return false, nil
	}
	s.locksHeld[siteID] = true
	return true, nil
}

func (s *fakeStore) ReleaseLock(ctx context.Context, siteID string) {
	delete(s.locksHeld, siteID)
	s.lockReleases = append(s.lockReleases, siteID)
}

func (s *fakeStore) UpsertDailyReport(ctx context.Context, delta *db.DailyReport) error {
	s.reports = append(s.reports, delta)
	return nil
}

func (s *fakeStore) AppendIndexingLog(ctx context.Context, siteID, url, action, channel, detail string) {
	s.logActions = append(s.logActions, action)
}

func (s *fakeStore) RecordJobRun(ctx context.Context, jobName, result string, summary any) error {
	s.jobRuns[jobName] = result
	return nil
}

// fakeGoogle scripts PublishBatch outcomes per URL.
type fakeGoogle struct {
	outcomes map[string]google.PublishResult
	err      error
	batches  [][]string
	removals []string
}

func (g *fakeGoogle) RequestRemoval(ctx context.Context, userID, url string) error {
	g.removals = append(g.removals, url)
	return nil
}

func (g *fakeGoogle) PublishBatch(ctx context.Context, userID string, urls []string) ([]google.PublishResult, error) {
	g.batches = append(g.batches, urls)
	if g.err != nil {
		return nil, g.err
	}
	results := make([]google.PublishResult, 0, len(urls))
	for _, u := range urls {
		if r, ok := g.outcomes[u]; ok {
			results = append(results, r)
			continue
		}
		results = append(results, google.PublishResult{URL: u, Outcome: google.OutcomeSubmitted})
	}
	return results, nil
}

type fakeSearchConsole struct {
	analytics    []string
	analyticsErr error
	statuses     map[string]string
	inspectErr   error
	inspected    []string
}

func (s *fakeSearchConsole) AnalyticsPages(ctx context.Context, userID, domain string) ([]string, error) {
	if s.analyticsErr != nil {
		return nil, s.analyticsErr
	}
	return s.analytics, nil
}

func (s *fakeSearchConsole) InspectURL(ctx context.Context, userID, domain, inspectURL string) (string, error) {
	s.inspected = append(s.inspected, inspectURL)
	if s.inspectErr != nil {
		return "", s.inspectErr
	}
	if status, ok := s.statuses[inspectURL]; ok {
		return status, nil
	}
	return "Submitted and indexed", nil
}

type fakeIndexNow struct {
	err     error
	batches [][]string
}

func (n *fakeIndexNow) Submit(ctx context.Context, host, key string, urls []string) error {
	n.batches = append(n.batches, urls)
	return n.err
}

type fakeSitemaps struct {
	entries []sitemap.Entry
	err     error
}

func (f *fakeSitemaps) Fetch(ctx context.Context, sitemapURL string) ([]sitemap.Entry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

// fakeLiveness marks every URL alive unless scripted otherwise.
type fakeLiveness struct {
	results map[string]liveness.Result
}

func (l *fakeLiveness) CheckAll(ctx context.Context, urls []string) []liveness.Result {
	out := make([]liveness.Result, 0, len(urls))
	for _, u := range urls {
		if r, ok := l.results[u]; ok {
			out = append(out, r)
			continue
		}
		out = append(out, liveness.Result{URL: u, HTTPStatus: 200, Alive: true})
	}
	return out
}

type fakeNotifier struct {
	lowCredits    []int
	deadURLSites  []string
	tokenFailures []string
	jobFailures   []string
}

func (n *fakeNotifier) NotifyLowCredits(ctx context.Context, userID string, balance int) error {
	n.lowCredits = append(n.lowCredits, balance)
	return nil
}

func (n *fakeNotifier) NotifyDeadURLs(ctx context.Context, site *db.Site, count int) error {
	n.deadURLSites = append(n.deadURLSites, site.ID)
	return nil
}

func (n *fakeNotifier) NotifyTokenFailure(ctx context.Context, site *db.Site, reason string) error {
	n.tokenFailures = append(n.tokenFailures, reason)
	return nil
}

func (n *fakeNotifier) NotifyJobFailure(ctx context.Context, jobName, detail string) error {
	n.jobFailures = append(n.jobFailures, jobName)
	return nil
}

var errBoom = errors.New("boom")

func testSite(id string) *db.Site {
	return &db.Site{
		ID:              id,
		UserID:          "user-1",
		Domain:          "example.com",
		IndexNowKey:     "abcdef0123456789",
		AutoIndexGoogle: true,
		AutoIndexBing:   true,
	}
}

func testURLs(n int) []*db.IndexedURL {
	urls := make([]*db.IndexedURL, n)
	for i := range urls {
		urls[i] = &db.IndexedURL{
			ID:     i + 1,
			SiteID: "site-1",
			URL:    fmt.Sprintf("https://example.com/page-%d", i+1),
			IsNew:  true,
		}
	}
	return urls
}
