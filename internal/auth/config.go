package auth

import (
	"fmt"
	"os"
	"strings"
)

// supabaseAuthURL returns the configured Supabase auth base URL without a
// trailing slash. Both JWKS fetching and issuer validation derive from it.
func supabaseAuthURL() (string, error) {
	authURL := strings.TrimSuffix(os.Getenv("SUPABASE_AUTH_URL"), "/")
	if authURL == "" {
		return "", fmt.Errorf("SUPABASE_AUTH_URL environment variable not set")
	}
	return authURL, nil
}
