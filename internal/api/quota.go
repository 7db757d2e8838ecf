package api

import (
	"net/http"
)

// QuotaResponse is the daily quota and credit snapshot for the UI.
type QuotaResponse struct {
	Date            string `json:"date"`
	SubmissionsUsed int    `json:"submissions_used"`
	SubmissionCap   int    `json:"submission_cap"`
	InspectionsUsed int    `json:"inspections_used"`
	InspectionCap   int    `json:"inspection_cap"`
	Credits         int    `json:"credits"`
}

// QuotaHandler reports the authenticated user's remaining daily quota
// and credit balance.
func (h *Handler) QuotaHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w, r)
		return
	}
	claims, ok := requireUser(w, r)
	if !ok {
		return
	}

	// First call for a new user creates their row with starter credits.
	user, err := h.DB.GetOrCreateUser(r.Context(), claims.UserID, claims.Email)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	quota, err := h.DB.GetDailyQuota(r.Context(), claims.UserID)
	if err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteSuccess(w, r, QuotaResponse{
		Date:            quota.Date,
		SubmissionsUsed: quota.SubmissionsUsed,
		SubmissionCap:   quota.SubmissionCap,
		InspectionsUsed: quota.InspectionsUsed,
		InspectionCap:   quota.InspectionCap,
		Credits:         user.Credits,
	}, "")
}
