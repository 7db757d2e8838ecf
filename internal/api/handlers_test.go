package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagepulse/pagepulse/internal/auth"
	"github.com/pagepulse/pagepulse/internal/db"
	"github.com/pagepulse/pagepulse/internal/indexer"
)

type fakeDB struct {
	pingErr      error
	user         *db.User
	sites        map[string]*db.Site
	userSites    []*db.Site
	counts       db.URLCounts
	quota        *db.DailyQuota
	balance      int
	jobRuns      map[string]*db.JobRun
	created      []*db.Site
	deleted      []string
	connection   *db.GoogleConnection
	disconnected []string
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		user:    &db.User{ID: "user-1", Email: "owner@example.com", Credits: 100},
		sites:   map[string]*db.Site{},
		quota:   &db.DailyQuota{Date: "2025-06-01", SubmissionCap: db.DailySubmissionCap, InspectionCap: db.DailyInspectionCap},
		balance: 100,
		jobRuns: map[string]*db.JobRun{},
	}
}

func (f *fakeDB) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeDB) GetOrCreateUser(ctx context.Context, userID, email string) (*db.User, error) {
	return f.user, nil
}

func (f *fakeDB) GetSite(ctx context.Context, siteID string) (*db.Site, error) {
	site, ok := f.sites[siteID]
	if !ok {
		return nil, db.ErrSiteNotFound
	}
	return site, nil
}

func (f *fakeDB) ListSites(ctx context.Context, userID string) ([]*db.Site, error) {
	return f.userSites, nil
}

func (f *fakeDB) GetSiteByKey(ctx context.Context, key string) (*db.Site, error) {
	for _, site := range f.sites {
		if site.IndexNowKey == key {
			return site, nil
		}
	}
	return nil, db.ErrSiteNotFound
}

func (f *fakeDB) CreateSite(ctx context.Context, site *db.Site) error {
	site.ID = fmt.Sprintf("site-%d", len(f.created)+1)
	f.created = append(f.created, site)
	return nil
}

func (f *fakeDB) DeleteSite(ctx context.Context, siteID, userID string) error {
	f.deleted = append(f.deleted, siteID)
	return nil
}

func (f *fakeDB) CountURLs(ctx context.Context, siteID string) (*db.URLCounts, error) {
	counts := f.counts
	return &counts, nil
}

func (f *fakeDB) GetDailyQuota(ctx context.Context, userID string) (*db.DailyQuota, error) {
	return f.quota, nil
}

func (f *fakeDB) GetCreditBalance(ctx context.Context, userID string) (int, error) {
	return f.balance, nil
}

func (f *fakeDB) GetJobRun(ctx context.Context, jobName string) (*db.JobRun, error) {
	if run, ok := f.jobRuns[jobName]; ok {
		return run, nil
	}
	return &db.JobRun{JobName: jobName, Result: db.JobResultNeverRun}, nil
}

func (f *fakeDB) GetGoogleConnection(ctx context.Context, userID string) (*db.GoogleConnection, error) {
	if f.connection == nil {
		return nil, db.ErrGoogleConnectionNotFound
	}
	return f.connection, nil
}

func (f *fakeDB) UpsertGoogleConnection(ctx context.Context, conn *db.GoogleConnection) error {
	f.connection = conn
	return nil
}

func (f *fakeDB) DeleteGoogleConnection(ctx context.Context, userID string) error {
	if f.connection == nil {
		return db.ErrGoogleConnectionNotFound
	}
	f.connection = nil
	f.disconnected = append(f.disconnected, userID)
	return nil
}

type fakeIndexerService struct {
	runAllSummary  *indexer.RunSummary
	siteResult     *indexer.SiteResult
	dispatchResult *indexer.DispatchResult
	removedURL     *db.IndexedURL
	err            error
	manualURLs     []string
	submittedIDs   []int
	allUnindexed   bool
	removalIDs     []int
}

func (f *fakeIndexerService) RunAll(ctx context.Context) (*indexer.RunSummary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.runAllSummary, nil
}

func (f *fakeIndexerService) RunRetries(ctx context.Context) (*indexer.RetrySummary, error) {
	return &indexer.RetrySummary{}, f.err
}

func (f *fakeIndexerService) RunResync(ctx context.Context) (*indexer.ResyncSummary, error) {
	return &indexer.ResyncSummary{}, f.err
}

func (f *fakeIndexerService) RunSite(ctx context.Context, site *db.Site) (*indexer.SiteResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.siteResult, nil
}

func (f *fakeIndexerService) SubmitManual(ctx context.Context, site *db.Site, urls []string) (*indexer.DispatchResult, error) {
	f.manualURLs = urls
	return f.dispatchResult, f.err
}

func (f *fakeIndexerService) SubmitByIDs(ctx context.Context, site *db.Site, ids []int) (*indexer.DispatchResult, error) {
	f.submittedIDs = ids
	return f.dispatchResult, f.err
}

func (f *fakeIndexerService) SubmitAllUnindexed(ctx context.Context, site *db.Site) (*indexer.DispatchResult, error) {
	f.allUnindexed = true
	return f.dispatchResult, f.err
}

func (f *fakeIndexerService) RequestRemoval(ctx context.Context, site *db.Site, urlID int) (*db.IndexedURL, error) {
	f.removalIDs = append(f.removalIDs, urlID)
	if f.err != nil {
		return nil, f.err
	}
	if f.removedURL == nil {
		return nil, db.ErrURLNotFound
	}
	return f.removedURL, nil
}

func newTestHandler() (*Handler, *fakeDB, *fakeIndexerService) {
	database := newFakeDB()
	service := &fakeIndexerService{
		runAllSummary:  &indexer.RunSummary{SitesProcessed: 2},
		siteResult:     &indexer.SiteResult{SubmittedGoogle: 3},
		dispatchResult: &indexer.DispatchResult{SubmittedGoogle: 1},
	}
	return NewHandler(database, service, "job-secret"), database, service
}

// authedRequest builds a request carrying authenticated user claims.
func authedRequest(method, target string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	claims := &auth.UserClaims{UserID: "user-1", Email: "owner@example.com"}
	return req.WithContext(context.WithValue(req.Context(), auth.UserKey, claims))
}

func TestHealthCheck(t *testing.T) {
	handler, _, _ := newTestHandler()

	rec := httptest.NewRecorder()
	handler.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "pagepulse", resp.Service)
}

func TestDatabaseHealthCheckUnhealthy(t *testing.T) {
	handler, database, _ := newTestHandler()
	database.pingErr = errors.New("connection refused")

	rec := httptest.NewRecorder()
	handler.DatabaseHealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health/db", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestJobRunRequiresSecret(t *testing.T) {
	handler, _, _ := newTestHandler()

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "missing header", header: "", status: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "correct secret", header: "Bearer job-secret", status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/jobs/run/auto-index", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.JobRunHandler(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestJobRunUnknownJob(t *testing.T) {
	handler, _, _ := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs/run/defrag", nil)
	req.Header.Set("Authorization", "Bearer job-secret")
	rec := httptest.NewRecorder()
	handler.JobRunHandler(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobStatusIncludesNeverRun(t *testing.T) {
	handler, _, _ := newTestHandler()

	rec := httptest.NewRecorder()
	handler.JobStatusHandler(rec, authedRequest(http.MethodGet, "/v1/jobs/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			Jobs []JobStatusResponse `json:"jobs"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Jobs, 3)
	assert.Equal(t, db.JobResultNeverRun, resp.Data.Jobs[0].Result)
}

func TestCreateSiteValidatesDomain(t *testing.T) {
	handler, database, _ := newTestHandler()

	body, _ := json.Marshal(createSiteRequest{Domain: "not a domain", AutoIndexGoogle: true})
	rec := httptest.NewRecorder()
	handler.SitesHandler(rec, authedRequest(http.MethodPost, "/v1/sites", body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, database.created)
}

func TestCreateSiteGeneratesIndexNowKey(t *testing.T) {
	handler, database, _ := newTestHandler()

	body, _ := json.Marshal(createSiteRequest{Domain: "example.com", AutoIndexBing: true})
	rec := httptest.NewRecorder()
	handler.SitesHandler(rec, authedRequest(http.MethodPost, "/v1/sites", body))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, database.created, 1)
	created := database.created[0]
	assert.Equal(t, "example.com", created.Domain)
	assert.Len(t, created.IndexNowKey, 32)
	assert.NotEmpty(t, created.ID)
}

func TestSiteHandlerHidesForeignSites(t *testing.T) {
	handler, database, _ := newTestHandler()
	database.sites["site-2"] = &db.Site{ID: "site-2", UserID: "someone-else", Domain: "other.com"}

	rec := httptest.NewRecorder()
	handler.SiteHandler(rec, authedRequest(http.MethodGet, "/v1/sites/site-2", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitURLsRequiresInput(t *testing.T) {
	handler, database, _ := newTestHandler()
	database.sites["site-1"] = &db.Site{ID: "site-1", UserID: "user-1", Domain: "example.com", AutoIndexGoogle: true}

	rec := httptest.NewRecorder()
	handler.SiteHandler(rec, authedRequest(http.MethodPost, "/v1/sites/site-1/submit", []byte(`{}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitURLsCreditPreCheck(t *testing.T) {
	handler, database, _ := newTestHandler()
	database.sites["site-1"] = &db.Site{ID: "site-1", UserID: "user-1", Domain: "example.com", AutoIndexGoogle: true}
	database.balance = 1

	body, _ := json.Marshal(submitRequest{URLs: []string{"https://example.com/a", "https://example.com/b"}})
	rec := httptest.NewRecorder()
	handler.SiteHandler(rec, authedRequest(http.MethodPost, "/v1/sites/site-1/submit", body))

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(ErrCodeInsufficientCredits), resp.Code)
	assert.Equal(t, 2, resp.Required)
	assert.Equal(t, 1, resp.Available)
}

func TestSubmitURLsDispatches(t *testing.T) {
	handler, database, service := newTestHandler()
	database.sites["site-1"] = &db.Site{ID: "site-1", UserID: "user-1", Domain: "example.com", AutoIndexGoogle: true}

	body, _ := json.Marshal(submitRequest{URLs: []string{"https://example.com/a"}})
	rec := httptest.NewRecorder()
	handler.SiteHandler(rec, authedRequest(http.MethodPost, "/v1/sites/site-1/submit", body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"https://example.com/a"}, service.manualURLs)
}

func TestSubmitURLsQuotaExhausted(t *testing.T) {
	handler, database, service := newTestHandler()
	database.sites["site-1"] = &db.Site{ID: "site-1", UserID: "user-1", Domain: "example.com", AutoIndexGoogle: true}
	service.err = indexer.ErrQuotaExhausted

	body, _ := json.Marshal(submitRequest{URLIDs: []int{42}})
	rec := httptest.NewRecorder()
	handler.SiteHandler(rec, authedRequest(http.MethodPost, "/v1/sites/site-1/submit", body))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, []int{42}, service.submittedIDs)
}

func TestSubmitURLsResponseIncludesLedgers(t *testing.T) {
	handler, database, service := newTestHandler()
	database.sites["site-1"] = &db.Site{ID: "site-1", UserID: "user-1", Domain: "example.com", AutoIndexGoogle: true}
	database.quota.SubmissionsUsed = 10
	database.quota.SubmissionsRemain = db.DailySubmissionCap - 10
	database.balance = 42
	service.dispatchResult = &indexer.DispatchResult{SubmittedGoogle: 2, Skipped404: 1, SkippedQuota: 3}

	body, _ := json.Marshal(submitRequest{URLs: []string{"https://example.com/a"}})
	rec := httptest.NewRecorder()
	handler.SiteHandler(rec, authedRequest(http.MethodPost, "/v1/sites/site-1/submit", body))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data struct {
			SubmittedGoogle      int `json:"submitted_google"`
			Skipped404           int `json:"skipped_404"`
			SkippedQuotaFull     int `json:"skipped_quota_full"`
			GoogleQuotaRemaining int `json:"google_quota_remaining"`
			CreditsRemaining     int `json:"credits_remaining"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Data.SubmittedGoogle)
	assert.Equal(t, 1, resp.Data.Skipped404)
	assert.Equal(t, 3, resp.Data.SkippedQuotaFull)
	assert.Equal(t, db.DailySubmissionCap-10, resp.Data.GoogleQuotaRemaining)
	assert.Equal(t, 42, resp.Data.CreditsRemaining)
}

func TestRemoveURL(t *testing.T) {
	handler, database, service := newTestHandler()
	database.sites["site-1"] = &db.Site{ID: "site-1", UserID: "user-1", Domain: "example.com", AutoIndexGoogle: true}
	service.removedURL = &db.IndexedURL{ID: 7, SiteID: "site-1", URL: "https://example.com/gone", IndexingStatus: db.URLStatusRemovalRequested}

	rec := httptest.NewRecorder()
	handler.SiteHandler(rec, authedRequest(http.MethodDelete, "/v1/sites/site-1/urls/7", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int{7}, service.removalIDs)
	var resp struct {
		Data db.IndexedURL `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, db.URLStatusRemovalRequested, resp.Data.IndexingStatus)
}

func TestRemoveURLUnknownID(t *testing.T) {
	handler, database, _ := newTestHandler()
	database.sites["site-1"] = &db.Site{ID: "site-1", UserID: "user-1", Domain: "example.com"}

	rec := httptest.NewRecorder()
	handler.SiteHandler(rec, authedRequest(http.MethodDelete, "/v1/sites/site-1/urls/99", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIndexNowKeyFile(t *testing.T) {
	handler, database, _ := newTestHandler()
	database.sites["site-1"] = &db.Site{ID: "site-1", UserID: "user-1", Domain: "example.com", IndexNowKey: "0123456789abcdef0123456789abcdef"}

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{name: "known key", path: "/0123456789abcdef0123456789abcdef.txt", status: http.StatusOK, body: "0123456789abcdef0123456789abcdef"},
		{name: "unknown key", path: "/ffffffffffffffffffffffffffffffff.txt", status: http.StatusNotFound},
		{name: "not a key file", path: "/robots.html", status: http.StatusNotFound},
		{name: "nested path", path: "/a/b.txt", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.IndexNowKeyFile(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestGoogleConnectionLifecycle(t *testing.T) {
	handler, database, _ := newTestHandler()

	// Nothing connected yet.
	rec := httptest.NewRecorder()
	handler.GoogleConnectionHandler(rec, authedRequest(http.MethodGet, "/v1/connections/google", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Data connectionStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Data.Connected)

	// Connect.
	body, _ := json.Marshal(connectGoogleRequest{
		GoogleEmail:  "owner@gmail.com",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresIn:    3600,
	})
	rec = httptest.NewRecorder()
	handler.GoogleConnectionHandler(rec, authedRequest(http.MethodPost, "/v1/connections/google", body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, database.connection)
	assert.Equal(t, "rt-1", database.connection.RefreshToken)

	// Disconnect.
	rec = httptest.NewRecorder()
	handler.GoogleConnectionHandler(rec, authedRequest(http.MethodDelete, "/v1/connections/google", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, database.connection)
}

func TestConnectGoogleRequiresTokens(t *testing.T) {
	handler, _, _ := newTestHandler()

	body, _ := json.Marshal(connectGoogleRequest{GoogleEmail: "owner@gmail.com"})
	rec := httptest.NewRecorder()
	handler.GoogleConnectionHandler(rec, authedRequest(http.MethodPost, "/v1/connections/google", body))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunSiteConflictWhenLocked(t *testing.T) {
	handler, database, service := newTestHandler()
	database.sites["site-1"] = &db.Site{ID: "site-1", UserID: "user-1", Domain: "example.com"}
	service.err = indexer.ErrSiteLocked

	rec := httptest.NewRecorder()
	handler.SiteHandler(rec, authedRequest(http.MethodPost, "/v1/sites/site-1/run", nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestQuotaHandler(t *testing.T) {
	handler, database, _ := newTestHandler()
	database.quota.SubmissionsUsed = 50
	database.user.Credits = 77

	rec := httptest.NewRecorder()
	handler.QuotaHandler(rec, authedRequest(http.MethodGet, "/v1/quota", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data QuotaResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 50, resp.Data.SubmissionsUsed)
	assert.Equal(t, db.DailySubmissionCap, resp.Data.SubmissionCap)
	assert.Equal(t, 77, resp.Data.Credits)
}

func TestRequestIDMiddlewarePropagates(t *testing.T) {
	var captured string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r)
	})

	rec := httptest.NewRecorder()
	RequestIDMiddleware(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/quota", nil))

	assert.NotEmpty(t, captured)
	assert.Equal(t, captured, rec.Header().Get("X-Request-ID"))
}

func TestRateLimitMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	limited := RateLimitMiddleware(1, 2)(inner)

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/sites", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		limited.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[2])
}
