package google

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const searchConsoleBase = "https://searchconsole.googleapis.com"

// ErrInspectionRateLimited signals the inspection API returned 429; the
// resync engine stops the current site and moves on.
var ErrInspectionRateLimited = errors.New("url inspection rate limited")

// AnalyticsWindowDays is the trailing window queried for pages appearing
// in search results.
const AnalyticsWindowDays = 30

// SearchConsoleClient queries the Search Analytics and URL Inspection APIs.
type SearchConsoleClient struct {
	tokens     *TokenProvider
	httpClient *http.Client
	baseURL    string
}

// NewSearchConsoleClient creates a Search Console client.
func NewSearchConsoleClient(tokens *TokenProvider) *SearchConsoleClient {
	return &SearchConsoleClient{
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    searchConsoleBase,
	}
}

// AnalyticsPages returns the URLs that appeared in search results for the
// property over the trailing window. This is the authoritative signal that
// Google has a page indexed.
func (c *SearchConsoleClient) AnalyticsPages(ctx context.Context, userID, domain string) ([]string, error) {
	token, err := c.tokens.AccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -AnalyticsWindowDays)

	payload, err := json.Marshal(map[string]any{
		"startDate":  start.Format("2006-01-02"),
		"endDate":    end.Format("2006-01-02"),
		"dimensions": []string{"page"},
		"rowLimit":   25000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analytics query: %w", err)
	}

	endpoint := fmt.Sprintf("%s/webmasters/v3/sites/%s/searchAnalytics/query",
		c.baseURL, propertyID(domain))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create analytics request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analytics query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("analytics query returned %d: %s", resp.StatusCode, apiErrorMessage(body))
	}

	var body struct {
		Rows []struct {
			Keys []string `json:"keys"`
		} `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode analytics response: %w", err)
	}

	pages := make([]string, 0, len(body.Rows))
	for _, row := range body.Rows {
		if len(row.Keys) > 0 {
			pages = append(pages, row.Keys[0])
		}
	}

	return pages, nil
}

// InspectURL returns the coverage state the URL Inspection API reports for
// a URL, e.g. "Submitted and indexed" or "Discovered - currently not indexed".
func (c *SearchConsoleClient) InspectURL(ctx context.Context, userID, domain, inspectURL string) (string, error) {
	token, err := c.tokens.AccessToken(ctx, userID)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(map[string]string{
		"inspectionUrl": inspectURL,
		"siteUrl":       "sc-domain:" + domain,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal inspection request: %w", err)
	}

	endpoint := c.baseURL + "/v1/urlInspection/index:inspect"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create inspection request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("inspection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrInspectionRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("inspection returned %d: %s", resp.StatusCode, apiErrorMessage(body))
	}

	var body struct {
		InspectionResult struct {
			IndexStatusResult struct {
				CoverageState string `json:"coverageState"`
			} `json:"indexStatusResult"`
		} `json:"inspectionResult"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode inspection response: %w", err)
	}

	return body.InspectionResult.IndexStatusResult.CoverageState, nil
}

// propertyID URL-encodes a domain as a Search Console domain property.
func propertyID(domain string) string {
	return "sc-domain%3A" + domain
}
