// Package indexnow submits URLs to the IndexNow protocol endpoint, the
// free submission channel shared by Bing and other participating engines.
package indexnow

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultEndpoint = "https://api.indexnow.org/indexnow"
	defaultTimeout  = 10 * time.Second
)

// Client submits URL batches to the IndexNow endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
}

// New creates an IndexNow client.
func New() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		endpoint:   defaultEndpoint,
	}
}

// GenerateKey returns a fresh site verification key. The site owner hosts
// it at https://<host>/<key>.txt so the protocol can verify ownership.
func GenerateKey() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// Fall back to a time-derived key; uniqueness per site is all
		// the protocol needs.
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// submitRequest is the IndexNow JSON body.
type submitRequest struct {
	Host        string   `json:"host"`
	Key         string   `json:"key"`
	KeyLocation string   `json:"keyLocation"`
	URLList     []string `json:"urlList"`
}

// Submit sends a batch of URLs for a host. The whole batch succeeds or
// fails as one call; there is no per-URL response.
func (c *Client) Submit(ctx context.Context, host, key string, urls []string) error {
	if len(urls) == 0 {
		return nil
	}

	payload, err := json.Marshal(submitRequest{
		Host:        host,
		Key:         key,
		KeyLocation: fmt.Sprintf("https://%s/%s.txt", host, key),
		URLList:     urls,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal indexnow request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create indexnow request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("indexnow request failed: %w", err)
	}
	defer resp.Body.Close()

	// 200 and 202 both mean the batch was accepted.
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		log.Debug().
			Str("host", host).
			Int("url_count", len(urls)).
			Msg("IndexNow batch accepted")
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("429 rate limited: %s", string(body))
	}

	return fmt.Errorf("indexnow returned %d: %s", resp.StatusCode, string(body))
}
