package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const loopsEndpoint = "https://app.loops.so/api/v1/transactional"

// EmailChannel sends alerts as transactional emails through Loops. Each
// alert type maps to a transactional template; the alert data is passed
// through as template variables.
type EmailChannel struct {
	users       UserDB
	httpClient  *http.Client
	apiKey      string
	endpoint    string
	templateIDs map[string]string
}

// NewEmailChannel creates an email delivery channel. templateIDs maps
// alert types to Loops transactional template IDs; alerts with no
// template are skipped.
func NewEmailChannel(users UserDB, apiKey string, templateIDs map[string]string) *EmailChannel {
	return &EmailChannel{
		users:       users,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		apiKey:      apiKey,
		endpoint:    loopsEndpoint,
		templateIDs: templateIDs,
	}
}

func (c *EmailChannel) Name() string {
	return "email"
}

type transactionalRequest struct {
	TransactionalID string         `json:"transactionalId"`
	Email           string         `json:"email"`
	DataVariables   map[string]any `json:"dataVariables,omitempty"`
}

// Deliver emails the alert to its user. Operator-level alerts carry no
// user and are skipped.
func (c *EmailChannel) Deliver(ctx context.Context, alert *Alert) error {
	templateID, ok := c.templateIDs[alert.Type]
	if !ok {
		log.Debug().Str("type", alert.Type).Msg("No email template for alert type, skipping")
		return nil
	}
	if alert.UserID == "" {
		return nil
	}

	user, err := c.users.GetUser(ctx, alert.UserID)
	if err != nil {
		return fmt.Errorf("failed to resolve alert recipient: %w", err)
	}

	variables := map[string]any{
		"title":   alert.Title,
		"message": alert.Message,
	}
	for k, v := range alert.Data {
		variables[k] = v
	}

	body, err := json.Marshal(transactionalRequest{
		TransactionalID: templateID,
		Email:           user.Email,
		DataVariables:   variables,
	})
	if err != nil {
		return fmt.Errorf("failed to encode email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send email request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("email API returned %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}
