package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

const indexingEndpoint = "https://indexing.googleapis.com/v3/urlNotifications:publish"

// Publish outcome values for a single URL.
const (
	OutcomeSubmitted   = "submitted"
	OutcomeRateLimited = "rate_limited"
	OutcomeFailed      = "failed"
)

// PublishResult is the per-URL outcome of an Indexing API batch.
type PublishResult struct {
	URL     string
	Outcome string
	Error   string
}

// IndexingClient submits URL notifications to the Google Indexing API on
// behalf of a connected user.
type IndexingClient struct {
	tokens     *TokenProvider
	httpClient *http.Client
	endpoint   string
}

// NewIndexingClient creates an Indexing API client.
func NewIndexingClient(tokens *TokenProvider) *IndexingClient {
	return &IndexingClient{
		tokens:     tokens,
		httpClient: &http.Client{Timeout: defaultTimeout},
		endpoint:   indexingEndpoint,
	}
}

// PublishBatch notifies Google of updated URLs, one publish call per URL,
// and reports a per-URL outcome. A token failure aborts the whole batch
// (nothing was submitted); per-URL HTTP failures are captured in the
// results so the caller can reconcile quota and credits.
func (c *IndexingClient) PublishBatch(ctx context.Context, userID string, urls []string) ([]PublishResult, error) {
	token, err := c.tokens.AccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}

	results := make([]PublishResult, 0, len(urls))
	for _, u := range urls {
		result := PublishResult{URL: u, Outcome: OutcomeSubmitted}
		if err := c.publish(ctx, token, u, "URL_UPDATED"); err != nil {
			if isRateLimited(err) {
				result.Outcome = OutcomeRateLimited
			} else {
				result.Outcome = OutcomeFailed
			}
			result.Error = err.Error()
		}
		results = append(results, result)
	}

	return results, nil
}

// RequestRemoval notifies Google that a URL has been deleted.
func (c *IndexingClient) RequestRemoval(ctx context.Context, userID, url string) error {
	token, err := c.tokens.AccessToken(ctx, userID)
	if err != nil {
		return err
	}
	return c.publish(ctx, token, url, "URL_DELETED")
}

type rateLimitError struct{ msg string }

func (e *rateLimitError) Error() string { return e.msg }

func isRateLimited(err error) bool {
	_, ok := err.(*rateLimitError)
	return ok
}

func (c *IndexingClient) publish(ctx context.Context, token, url, notificationType string) error {
	payload, err := json.Marshal(map[string]string{
		"url":  url,
		"type": notificationType,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal publish request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create publish request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	message := apiErrorMessage(body)

	log.Debug().
		Str("url", url).
		Int("status", resp.StatusCode).
		Str("message", message).
		Msg("Indexing API publish rejected")

	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitError{msg: fmt.Sprintf("429 rate limited: %s", message)}
	}

	return fmt.Errorf("%d %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), message)
}

// apiErrorMessage pulls the human-readable message out of a Google API
// error body, falling back to the raw body.
func apiErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return string(body)
}
