package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/pagepulse/pagepulse/internal/db"
)

// GoogleConnectionHandler handles /v1/connections/google: the OAuth token
// hand-off from the frontend flow, connection status, and disconnect.
func (h *Handler) GoogleConnectionHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getGoogleConnection(w, r, claims.UserID)
	case http.MethodPost:
		h.connectGoogle(w, r, claims.UserID, claims.Email)
	case http.MethodDelete:
		h.disconnectGoogle(w, r, claims.UserID)
	default:
		MethodNotAllowed(w, r)
	}
}

// connectionStatus deliberately omits the tokens themselves.
type connectionStatus struct {
	Connected   bool   `json:"connected"`
	GoogleEmail string `json:"google_email,omitempty"`
}

func (h *Handler) getGoogleConnection(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.DB.GetGoogleConnection(r.Context(), userID)
	if err != nil {
		if errors.Is(err, db.ErrGoogleConnectionNotFound) {
			WriteSuccess(w, r, connectionStatus{Connected: false}, "")
			return
		}
		DatabaseError(w, r, err)
		return
	}
	WriteSuccess(w, r, connectionStatus{Connected: true, GoogleEmail: conn.GoogleEmail}, "")
}

type connectGoogleRequest struct {
	GoogleEmail  string `json:"google_email"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (h *Handler) connectGoogle(w http.ResponseWriter, r *http.Request, userID, email string) {
	var req connectGoogleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, r, "Invalid request body")
		return
	}
	if req.AccessToken == "" || req.RefreshToken == "" {
		BadRequest(w, r, "access_token and refresh_token are required")
		return
	}

	// Ensure a user row exists before the connection references it.
	if _, err := h.DB.GetOrCreateUser(r.Context(), userID, email); err != nil {
		DatabaseError(w, r, err)
		return
	}

	conn := &db.GoogleConnection{
		UserID:       userID,
		GoogleEmail:  req.GoogleEmail,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenExpiry:  time.Now().Add(time.Duration(req.ExpiresIn) * time.Second),
	}
	if err := h.DB.UpsertGoogleConnection(r.Context(), conn); err != nil {
		DatabaseError(w, r, err)
		return
	}

	WriteSuccess(w, r, connectionStatus{Connected: true, GoogleEmail: conn.GoogleEmail}, "Google account connected")
}

func (h *Handler) disconnectGoogle(w http.ResponseWriter, r *http.Request, userID string) {
	if err := h.DB.DeleteGoogleConnection(r.Context(), userID); err != nil {
		if errors.Is(err, db.ErrGoogleConnectionNotFound) {
			NotFound(w, r, "No Google connection to remove")
			return
		}
		DatabaseError(w, r, err)
		return
	}
	WriteNoContent(w, r)
}
