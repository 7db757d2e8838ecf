package util

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// NormaliseDomain removes http/https prefix and www. from domain
func NormaliseDomain(domain string) string {
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "www.")
	domain = strings.TrimSuffix(domain, "/")

	return domain
}

// ValidateDomain checks if a domain string is a valid domain format.
// Returns an error describing why the domain is invalid, or nil if valid.
func ValidateDomain(domain string) error {
	domain = NormaliseDomain(domain)

	if domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}

	if !strings.Contains(domain, ".") {
		return fmt.Errorf("domain must contain a TLD (e.g., .com, .co.uk)")
	}

	parts := strings.Split(domain, ".")
	for _, part := range parts {
		if part == "" {
			return fmt.Errorf("domain contains empty segment")
		}

		for _, c := range part {
			isLower := c >= 'a' && c <= 'z'
			isUpper := c >= 'A' && c <= 'Z'
			isDigit := c >= '0' && c <= '9'
			isHyphen := c == '-'
			if !isLower && !isUpper && !isDigit && !isHyphen {
				return fmt.Errorf("domain contains invalid character: %c", c)
			}
		}

		if strings.HasPrefix(part, "-") || strings.HasSuffix(part, "-") {
			return fmt.Errorf("domain segment cannot start or end with hyphen")
		}
	}

	tld := parts[len(parts)-1]
	if len(tld) < 2 {
		return fmt.Errorf("TLD must be at least 2 characters")
	}

	// Block localhost and common internal hostnames
	lowerDomain := strings.ToLower(domain)
	blockedDomains := []string{"localhost", "localhost.localdomain", "local", "internal"}
	for _, blocked := range blockedDomains {
		if lowerDomain == blocked || strings.HasSuffix(lowerDomain, "."+blocked) {
			return fmt.Errorf("domain %q is not allowed", domain)
		}
	}

	return nil
}

// NormaliseURL ensures a URL has proper https:// scheme and validates format
func NormaliseURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	// Convert http:// to https://
	if strings.HasPrefix(rawURL, "http://") {
		rawURL = strings.Replace(rawURL, "http://", "https://", 1)
	}

	// Add https:// prefix if missing
	if !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		log.Debug().Str("url", rawURL).Err(err).Msg("Invalid URL format")
		return ""
	}

	// Guard against duplicate schemes (like https://http://example.com)
	hostPart := parsedURL.Host
	if strings.Contains(hostPart, "://") {
		parts := strings.SplitN(hostPart, "://", 2)
		if len(parts) == 2 {
			parsedURL.Host = parts[1]
			rawURL = parsedURL.String()
		}
	}

	return rawURL
}

// SameHost reports whether a URL belongs to the given domain, ignoring
// scheme and a www. prefix. Used to keep sitemap entries scoped to their site.
func SameHost(rawURL, domain string) bool {
	parsed, err := url.Parse(NormaliseURL(rawURL))
	if err != nil {
		return false
	}
	return NormaliseDomain(parsed.Host) == NormaliseDomain(domain)
}
