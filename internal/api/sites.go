package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/pagepulse/pagepulse/internal/db"
	"github.com/pagepulse/pagepulse/internal/indexer"
	"github.com/pagepulse/pagepulse/internal/indexnow"
	"github.com/pagepulse/pagepulse/internal/util"
)

// SitesHandler handles /v1/sites (list and create).
func (h *Handler) SitesHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.listSites(w, r, claims.UserID)
	case http.MethodPost:
		h.createSite(w, r, claims.UserID, claims.Email)
	default:
		MethodNotAllowed(w, r)
	}
}

func (h *Handler) listSites(w http.ResponseWriter, r *http.Request, userID string) {
	sites, err := h.DB.ListSites(r.Context(), userID)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]any{"sites": sites}, "")
}

type createSiteRequest struct {
	Domain          string  `json:"domain"`
	SitemapURL      *string `json:"sitemap_url,omitempty"`
	AutoIndexGoogle bool    `json:"auto_index_google"`
	AutoIndexBing   bool    `json:"auto_index_bing"`
}

func (h *Handler) createSite(w http.ResponseWriter, r *http.Request, userID, email string) {
	var req createSiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}

	domain := util.NormaliseDomain(req.Domain)
	if err := util.ValidateDomain(domain); err != nil {
		BadRequest(w, r, "Invalid domain: "+err.Error())
		return
	}

	// Ensure a user row exists before the site references it.
	if _, err := h.DB.GetOrCreateUser(r.Context(), userID, email); err != nil {
		DatabaseError(w, r, err)
		return
	}

	site := &db.Site{
		UserID:          userID,
		Domain:          domain,
		SitemapURL:      req.SitemapURL,
		IndexNowKey:     indexnow.GenerateKey(),
		AutoIndexGoogle: req.AutoIndexGoogle,
		AutoIndexBing:   req.AutoIndexBing,
	}

	if err := h.DB.CreateSite(r.Context(), site); err != nil {
		if strings.Contains(err.Error(), "duplicate") || strings.Contains(err.Error(), "unique") {
			Conflict(w, r, "Site already registered for this domain")
			return
		}
		DatabaseError(w, r, err)
		return
	}

	WriteCreated(w, r, site, "Site created")
}

// SiteHandler handles /v1/sites/:id and its sub-resources.
func (h *Handler) SiteHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireUser(w, r)
	if !ok {
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sites/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		BadRequest(w, r, "Missing site ID")
		return
	}
	siteID := parts[0]

	site, err := h.DB.GetSite(r.Context(), siteID)
	if err != nil {
		if errors.Is(err, db.ErrSiteNotFound) {
			NotFound(w, r, "Site not found")
			return
		}
		DatabaseError(w, r, err)
		return
	}
	// Existence of other users' sites is not disclosed.
	if site.UserID != claims.UserID {
		NotFound(w, r, "Site not found")
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			h.getSite(w, r, site)
		case http.MethodDelete:
			h.deleteSite(w, r, site, claims.UserID)
		default:
			MethodNotAllowed(w, r)
		}
		return
	}

	switch parts[1] {
	case "submit":
		if r.Method != http.MethodPost {
			MethodNotAllowed(w, r)
			return
		}
		h.submitURLs(w, r, site)
	case "urls":
		if len(parts) != 3 || r.Method != http.MethodDelete {
			MethodNotAllowed(w, r)
			return
		}
		h.removeURL(w, r, site, parts[2])
	case "run":
		if r.Method != http.MethodPost {
			MethodNotAllowed(w, r)
			return
		}
		h.runSite(w, r, site)
	case "key":
		if r.Method != http.MethodGet {
			MethodNotAllowed(w, r)
			return
		}
		WriteSuccess(w, r, map[string]string{"indexnow_key": site.IndexNowKey}, "")
	default:
		NotFound(w, r, "Unknown site resource")
	}
}

func (h *Handler) getSite(w http.ResponseWriter, r *http.Request, site *db.Site) {
	counts, err := h.DB.CountURLs(r.Context(), site.ID)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, map[string]any{
		"site":         site,
		"total_urls":   counts.Total,
		"indexed_urls": counts.Indexed,
	}, "")
}

func (h *Handler) deleteSite(w http.ResponseWriter, r *http.Request, site *db.Site, userID string) {
	if err := h.DB.DeleteSite(r.Context(), site.ID, userID); err != nil {
		DatabaseError(w, r, err)
		return
	}
	WriteNoContent(w, r)
}

type submitRequest struct {
	URLs         []string `json:"urls,omitempty"`
	URLIDs       []int    `json:"url_ids,omitempty"`
	AllUnindexed bool     `json:"all_unindexed,omitempty"`
}

// submitURLs manually dispatches URLs for a site. Credits are checked up
// front when Google submission is enabled so the caller gets a precise
// shortfall instead of a silently clamped batch.
func (h *Handler) submitURLs(w http.ResponseWriter, r *http.Request, site *db.Site) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}

	requested := len(req.URLs) + len(req.URLIDs)
	if requested == 0 && !req.AllUnindexed {
		BadRequest(w, r, "Provide urls, url_ids, or all_unindexed")
		return
	}

	if site.AutoIndexGoogle && requested > 0 {
		balance, err := h.DB.GetCreditBalance(r.Context(), site.UserID)
		if err != nil && !errors.Is(err, db.ErrUserNotFound) {
			DatabaseError(w, r, err)
			return
		}
		if balance < requested {
			InsufficientCredits(w, r, requested, balance)
			return
		}
	}

	var result *indexer.DispatchResult
	var err error
	switch {
	case len(req.URLs) > 0:
		result, err = h.Indexer.SubmitManual(r.Context(), site, req.URLs)
	case len(req.URLIDs) > 0:
		result, err = h.Indexer.SubmitByIDs(r.Context(), site, req.URLIDs)
	default:
		result, err = h.Indexer.SubmitAllUnindexed(r.Context(), site)
	}
	if err != nil {
		switch {
		case errors.Is(err, indexer.ErrNoChannels):
			BadRequest(w, r, "Site has no submission channels enabled")
		case errors.Is(err, indexer.ErrQuotaExhausted):
			// A fully quota-blocked Google submission is an error the
			// caller should see, not a silent zero.
			QuotaExhausted(w, r)
		default:
			InternalError(w, r, err)
		}
		return
	}

	resp := submitResponse{DispatchResult: result}
	if quota, qErr := h.DB.GetDailyQuota(r.Context(), site.UserID); qErr == nil {
		resp.GoogleQuotaRemaining = quota.SubmissionsRemain
	}
	if balance, bErr := h.DB.GetCreditBalance(r.Context(), site.UserID); bErr == nil {
		resp.CreditsRemaining = balance
	}

	WriteSuccess(w, r, resp, "Submission dispatched")
}

// submitResponse is the manual-submission result plus where the caller now
// stands against the daily Google quota and their credit balance.
type submitResponse struct {
	*indexer.DispatchResult
	GoogleQuotaRemaining int `json:"google_quota_remaining"`
	CreditsRemaining     int `json:"credits_remaining"`
}

// removeURL asks Google to drop a registry URL from its index. This is the
// only way a URL reaches removal_requested.
func (h *Handler) removeURL(w http.ResponseWriter, r *http.Request, site *db.Site, rawID string) {
	urlID, err := strconv.Atoi(rawID)
	if err != nil {
		BadRequest(w, r, "Invalid URL ID")
		return
	}

	u, err := h.Indexer.RequestRemoval(r.Context(), site, urlID)
	if err != nil {
		if errors.Is(err, db.ErrURLNotFound) {
			NotFound(w, r, "URL not found")
			return
		}
		InternalError(w, r, err)
		return
	}

	WriteSuccess(w, r, u, "Removal requested")
}

func (h *Handler) runSite(w http.ResponseWriter, r *http.Request, site *db.Site) {
	result, err := h.Indexer.RunSite(r.Context(), site)
	if err != nil {
		if errors.Is(err, indexer.ErrSiteLocked) {
			Conflict(w, r, "An indexing run is already in progress for this site")
			return
		}
		InternalError(w, r, err)
		return
	}
	WriteSuccess(w, r, result, "Indexing run complete")
}

// IndexNowKeyFile serves /{key}.txt, the plain-text key file the IndexNow
// endpoint fetches to verify key ownership. Anything else under the root
// path is a 404.
func (h *Handler) IndexNowKeyFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/")
	key, isKeyFile := strings.CutSuffix(name, ".txt")
	if !isKeyFile || key == "" || strings.Contains(key, "/") {
		NotFound(w, r, "Not found")
		return
	}

	site, err := h.DB.GetSiteByKey(r.Context(), key)
	if err != nil {
		if errors.Is(err, db.ErrSiteNotFound) {
			NotFound(w, r, "Not found")
			return
		}
		DatabaseError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(site.IndexNowKey))
}
