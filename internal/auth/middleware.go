// Package auth validates Supabase-issued JWTs for user-facing endpoints.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/getsentry/sentry-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// AuthClient defines the interface for authentication operations
type AuthClient interface {
	ValidateToken(ctx context.Context, token string) (*UserClaims, error)
	ExtractTokenFromRequest(r *http.Request) (string, error)
	SetUserInContext(r *http.Request, user *UserClaims) *http.Request
}

// SupabaseAuthClient implements AuthClient for Supabase authentication
type SupabaseAuthClient struct{}

// NewSupabaseAuthClient creates a new SupabaseAuthClient
func NewSupabaseAuthClient() *SupabaseAuthClient {
	return &SupabaseAuthClient{}
}

// ValidateToken validates a Supabase JWT token
func (s *SupabaseAuthClient) ValidateToken(ctx context.Context, token string) (*UserClaims, error) {
	return validateSupabaseToken(ctx, token)
}

// ExtractTokenFromRequest extracts a JWT token from the Authorization header
func (s *SupabaseAuthClient) ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		return "", fmt.Errorf("missing or invalid Authorization header")
	}
	return strings.TrimPrefix(authHeader, "Bearer "), nil
}

// SetUserInContext adds user claims to the request context
func (s *SupabaseAuthClient) SetUserInContext(r *http.Request, user *UserClaims) *http.Request {
	ctx := context.WithValue(r.Context(), UserKey, user)
	return r.WithContext(ctx)
}

// UserContextKey is the key used to store user claims in the request context
type UserContextKey string

const (
	UserKey UserContextKey = "user"
)

// UserClaims represents the Supabase JWT claims
type UserClaims struct {
	jwt.RegisteredClaims
	UserID       string                 `json:"sub"`
	Email        string                 `json:"email"`
	AppMetadata  map[string]interface{} `json:"app_metadata"`
	UserMetadata map[string]interface{} `json:"user_metadata"`
	Role         string                 `json:"role"`
}

// AuthMiddleware validates Supabase JWT tokens (uses default SupabaseAuthClient)
func AuthMiddleware(next http.Handler) http.Handler {
	return AuthMiddlewareWithClient(NewSupabaseAuthClient())(next)
}

// AuthMiddlewareWithClient validates JWT tokens using the provided AuthClient
func AuthMiddlewareWithClient(authClient AuthClient) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := authClient.ExtractTokenFromRequest(r)
			if err != nil {
				writeAuthError(w, r, "Missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := authClient.ValidateToken(r.Context(), tokenString)
			if err != nil {
				log.Warn().Err(err).Str("token_prefix", tokenString[:min(10, len(tokenString))]).Msg("JWT validation failed")

				errorMsg := "Invalid authentication token"
				statusCode := http.StatusUnauthorized

				if strings.Contains(err.Error(), "expired") {
					// Expired tokens are normal user behaviour, no Sentry.
					errorMsg = "Authentication token has expired"
				} else if strings.Contains(err.Error(), "signature") {
					errorMsg = "Invalid token signature"
					sentry.CaptureException(err)
				} else if strings.Contains(err.Error(), "JWKS") || strings.Contains(err.Error(), "jwks") || strings.Contains(err.Error(), "keyfunc") {
					errorMsg = "Authentication service misconfigured"
					statusCode = http.StatusInternalServerError
					sentry.CaptureException(err)
				}

				writeAuthError(w, r, errorMsg, statusCode)
				return
			}

			r = authClient.SetUserInContext(r, claims)
			next.ServeHTTP(w, r)
		})
	}
}

var (
	jwksOnce    sync.Once
	jwksCache   keyfunc.Keyfunc
	jwksInitErr error
)

// getJWKS returns a cached JWKS client bound to Supabase's signing certs.
func getJWKS() (keyfunc.Keyfunc, error) {
	jwksOnce.Do(func() {
		authURL, err := supabaseAuthURL()
		if err != nil {
			jwksInitErr = err
			return
		}

		jwksURL := fmt.Sprintf("%s/auth/v1/.well-known/jwks.json", authURL)

		override := keyfunc.Override{
			Client:          &http.Client{Timeout: 5 * time.Second},
			HTTPTimeout:     5 * time.Second,
			RefreshInterval: 10 * time.Minute,
			RefreshErrorHandlerFunc: func(url string) func(ctx context.Context, err error) {
				return func(ctx context.Context, err error) {
					log.Error().Err(err).Str("jwks_url", url).Msg("JWKS refresh failed")
				}
			},
		}

		childCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		jwksCache, jwksInitErr = keyfunc.NewDefaultOverrideCtx(childCtx, []string{jwksURL}, override)
	})

	if jwksInitErr != nil {
		return nil, jwksInitErr
	}
	return jwksCache, nil
}

func validateSupabaseToken(ctx context.Context, tokenString string) (*UserClaims, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("request context cancelled: %w", ctx.Err())
	default:
	}

	jwks, err := getJWKS()
	if err != nil {
		return nil, fmt.Errorf("failed to initialise JWKS: %w", err)
	}

	authURL, err := supabaseAuthURL()
	if err != nil {
		return nil, err
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&UserClaims{},
		jwks.Keyfunc,
		jwt.WithValidMethods([]string{
			jwt.SigningMethodRS256.Name,
			jwt.SigningMethodES256.Name,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	issuer, err := claims.GetIssuer()
	if err != nil {
		return nil, fmt.Errorf("failed to read issuer: %w", err)
	}
	if issuer != fmt.Sprintf("%s/auth/v1", authURL) {
		return nil, fmt.Errorf("token has unexpected issuer: %s", issuer)
	}

	audiences, err := claims.GetAudience()
	if err != nil {
		return nil, fmt.Errorf("failed to read audience: %w", err)
	}
	if len(audiences) == 0 {
		return nil, fmt.Errorf("token missing audience")
	}

	validAudience := false
	for _, aud := range audiences {
		if aud == "authenticated" || aud == "service_role" {
			validAudience = true
			break
		}
	}
	if !validAudience {
		return nil, fmt.Errorf("token has unexpected audience: %v", audiences)
	}

	return claims, nil
}

// resetJWKSForTest clears the cached JWKS client. Intended for use in tests.
func resetJWKSForTest() {
	jwksOnce = sync.Once{}
	jwksCache = nil
	jwksInitErr = nil
}

// GetUserFromContext extracts user claims from the request context
func GetUserFromContext(ctx context.Context) (*UserClaims, bool) {
	user, ok := ctx.Value(UserKey).(*UserClaims)
	return user, ok
}

// writeAuthError writes a standardised authentication error response
func writeAuthError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]interface{}{
		"status":  statusCode,
		"message": message,
		"code":    "UNAUTHORISED",
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode unauthorised response")
	}
}
