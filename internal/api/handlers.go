package api

import (
	"context"
	"net/http"

	"github.com/pagepulse/pagepulse/internal/auth"
	"github.com/pagepulse/pagepulse/internal/db"
	"github.com/pagepulse/pagepulse/internal/indexer"
)

// Version is the current API version (can be set via ldflags at build time)
var Version = "0.2.0"

// DBClient is an interface for database operations
type DBClient interface {
	Ping(ctx context.Context) error
	GetOrCreateUser(ctx context.Context, userID, email string) (*db.User, error)
	GetSite(ctx context.Context, siteID string) (*db.Site, error)
	GetSiteByKey(ctx context.Context, key string) (*db.Site, error)
	ListSites(ctx context.Context, userID string) ([]*db.Site, error)
	CreateSite(ctx context.Context, site *db.Site) error
	DeleteSite(ctx context.Context, siteID, userID string) error
	CountURLs(ctx context.Context, siteID string) (*db.URLCounts, error)
	GetDailyQuota(ctx context.Context, userID string) (*db.DailyQuota, error)
	GetCreditBalance(ctx context.Context, userID string) (int, error)
	GetJobRun(ctx context.Context, jobName string) (*db.JobRun, error)
	GetGoogleConnection(ctx context.Context, userID string) (*db.GoogleConnection, error)
	UpsertGoogleConnection(ctx context.Context, conn *db.GoogleConnection) error
	DeleteGoogleConnection(ctx context.Context, userID string) error
}

// IndexerService drives indexing runs on behalf of the handlers.
type IndexerService interface {
	RunAll(ctx context.Context) (*indexer.RunSummary, error)
	RunRetries(ctx context.Context) (*indexer.RetrySummary, error)
	RunResync(ctx context.Context) (*indexer.ResyncSummary, error)
	RunSite(ctx context.Context, site *db.Site) (*indexer.SiteResult, error)
	SubmitManual(ctx context.Context, site *db.Site, urls []string) (*indexer.DispatchResult, error)
	SubmitByIDs(ctx context.Context, site *db.Site, ids []int) (*indexer.DispatchResult, error)
	SubmitAllUnindexed(ctx context.Context, site *db.Site) (*indexer.DispatchResult, error)
	RequestRemoval(ctx context.Context, site *db.Site, urlID int) (*db.IndexedURL, error)
}

// Handler holds dependencies for API handlers
type Handler struct {
	DB        DBClient
	Indexer   IndexerService
	JobSecret string
}

// NewHandler creates a new API handler with dependencies
func NewHandler(dbClient DBClient, indexerService IndexerService, jobSecret string) *Handler {
	return &Handler{
		DB:        dbClient,
		Indexer:   indexerService,
		JobSecret: jobSecret,
	}
}

// SetupRoutes configures all API routes with proper middleware
func (h *Handler) SetupRoutes(mux *http.ServeMux) {
	// Health check endpoints (no auth required)
	mux.HandleFunc("/health", h.HealthCheck)
	mux.HandleFunc("/health/db", h.DatabaseHealthCheck)

	// Scheduled job triggers (static bearer secret, for cron callers)
	mux.HandleFunc("/v1/jobs/run/", h.JobRunHandler)

	// User-facing routes (Supabase JWT)
	mux.Handle("/v1/jobs/status", auth.AuthMiddleware(http.HandlerFunc(h.JobStatusHandler)))
	mux.Handle("/v1/sites", auth.AuthMiddleware(http.HandlerFunc(h.SitesHandler)))
	mux.Handle("/v1/sites/", auth.AuthMiddleware(http.HandlerFunc(h.SiteHandler))) // /v1/sites/:id[/:action]
	mux.Handle("/v1/quota", auth.AuthMiddleware(http.HandlerFunc(h.QuotaHandler)))
	mux.Handle("/v1/connections/google", auth.AuthMiddleware(http.HandlerFunc(h.GoogleConnectionHandler)))

	// IndexNow key files are public by definition: the submission endpoint
	// fetches them to verify key ownership.
	mux.HandleFunc("/", h.IndexNowKeyFile)
}

// HealthCheck handles basic health check requests
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	WriteHealthy(w, r, "pagepulse", Version)
}

// DatabaseHealthCheck handles database health check requests
func (h *Handler) DatabaseHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	if err := h.DB.Ping(r.Context()); err != nil {
		WriteUnhealthy(w, r, "postgresql", err)
		return
	}

	WriteHealthy(w, r, "postgresql", "")
}

// requireUser extracts the authenticated user's claims, writing a 401 if
// they are missing.
func requireUser(w http.ResponseWriter, r *http.Request) (*auth.UserClaims, bool) {
	claims, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		Unauthorised(w, r, "Authentication required")
		return nil, false
	}
	return claims, true
}
