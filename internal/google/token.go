// Package google provides clients for the Google APIs the indexing
// pipeline consumes: OAuth token refresh, the Indexing API, and the
// Search Console analytics and inspection APIs.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pagepulse/pagepulse/internal/db"
	"github.com/rs/zerolog/log"
)

const (
	tokenEndpoint  = "https://oauth2.googleapis.com/token"
	defaultTimeout = 10 * time.Second

	// expirySkew refreshes tokens slightly early so a token never expires
	// mid-call.
	expirySkew = 60 * time.Second
)

// TokenError signals that a usable access token could not be obtained.
// Reauth is true when the user must re-authorise their Google account
// (no refresh token stored, or consent revoked); callers surface that as
// an alert rather than retrying.
type TokenError struct {
	Reason string
	Reauth bool
}

func (e *TokenError) Error() string {
	return "google token error: " + e.Reason
}

// TokenStore is the persistence the provider needs: the stored connection
// and a place to write refreshed tokens back.
type TokenStore interface {
	GetGoogleConnection(ctx context.Context, userID string) (*db.GoogleConnection, error)
	UpdateGoogleTokens(ctx context.Context, userID, accessToken string, expiry time.Time) error
}

// TokenProvider returns valid access tokens for a user's connected Google
// account, transparently refreshing expired ones. Refresh is never retried
// internally; callers decide whether to alert the user.
type TokenProvider struct {
	store        TokenStore
	httpClient   *http.Client
	endpoint     string
	clientID     string
	clientSecret string

	mu     sync.Mutex
	cached map[string]cachedToken
}

type cachedToken struct {
	token  string
	expiry time.Time
}

// NewTokenProvider creates a token provider using the given OAuth client
// credentials.
func NewTokenProvider(store TokenStore, clientID, clientSecret string) *TokenProvider {
	return &TokenProvider{
		store:        store,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		endpoint:     tokenEndpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		cached:       make(map[string]cachedToken),
	}
}

// AccessToken returns a currently-valid access token for the user.
func (p *TokenProvider) AccessToken(ctx context.Context, userID string) (string, error) {
	p.mu.Lock()
	if cached, ok := p.cached[userID]; ok && time.Now().Add(expirySkew).Before(cached.expiry) {
		p.mu.Unlock()
		return cached.token, nil
	}
	p.mu.Unlock()

	conn, err := p.store.GetGoogleConnection(ctx, userID)
	if err != nil {
		if err == db.ErrGoogleConnectionNotFound {
			return "", &TokenError{Reason: "no Google account connected", Reauth: true}
		}
		return "", fmt.Errorf("failed to load google connection: %w", err)
	}

	// Stored token still valid: use it and keep it warm in memory.
	if conn.AccessToken != "" && time.Now().Add(expirySkew).Before(conn.TokenExpiry) {
		p.remember(userID, conn.AccessToken, conn.TokenExpiry)
		return conn.AccessToken, nil
	}

	if conn.RefreshToken == "" {
		return "", &TokenError{Reason: "no refresh token stored, re-authorisation required", Reauth: true}
	}

	token, expiry, err := p.refresh(ctx, conn.RefreshToken)
	if err != nil {
		return "", err
	}

	if err := p.store.UpdateGoogleTokens(ctx, userID, token, expiry); err != nil {
		// The token is still usable for this run even if persistence failed.
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to persist refreshed Google token")
	}

	p.remember(userID, token, expiry)
	return token, nil
}

func (p *TokenProvider) remember(userID, token string, expiry time.Time) {
	p.mu.Lock()
	p.cached[userID] = cachedToken{token: token, expiry: expiry}
	p.mu.Unlock()
}

func (p *TokenProvider) refresh(ctx context.Context, refreshToken string) (string, time.Time, error) {
	form := url.Values{
		"client_id":     {p.clientID},
		"client_secret": {p.clientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken      string `json:"access_token"`
		ExpiresIn        int    `json:"expires_in"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to decode token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || body.AccessToken == "" {
		// invalid_grant means the user revoked consent; they must reconnect.
		reauth := body.Error == "invalid_grant"
		reason := body.Error
		if body.ErrorDescription != "" {
			reason = fmt.Sprintf("%s: %s", body.Error, body.ErrorDescription)
		}
		if reason == "" {
			reason = fmt.Sprintf("token endpoint returned %d", resp.StatusCode)
		}
		return "", time.Time{}, &TokenError{Reason: reason, Reauth: reauth}
	}

	expiry := time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	return body.AccessToken, expiry, nil
}
