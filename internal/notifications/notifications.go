// Package notifications delivers operational alerts to site owners and
// operators over Slack and transactional email.
package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pagepulse/pagepulse/internal/db"
)

// Alert types delivered through the notification channels.
const (
	TypeLowCredits   = "low_credits"
	TypeDeadURLs     = "dead_urls"
	TypeTokenFailure = "token_failure"
	TypeJobFailure   = "job_failure"
)

// Alert is a channel-agnostic notification payload.
type Alert struct {
	Type      string
	UserID    string
	Title     string
	Message   string
	Data      map[string]any
	CreatedAt time.Time
}

// DeliveryChannel sends an alert over one transport.
type DeliveryChannel interface {
	Name() string
	Deliver(ctx context.Context, alert *Alert) error
}

// UserDB resolves alert recipients. *db.DB satisfies it.
type UserDB interface {
	GetUser(ctx context.Context, userID string) (*db.User, error)
}

// Service fans alerts out to the configured delivery channels. It
// implements the indexer's Notifier interface.
type Service struct {
	users    UserDB
	channels []DeliveryChannel
}

// NewService creates a notification service with no channels attached.
func NewService(users UserDB) *Service {
	return &Service{users: users}
}

// AddChannel attaches a delivery channel.
func (s *Service) AddChannel(ch DeliveryChannel) {
	s.channels = append(s.channels, ch)
}

// deliver sends the alert over every channel. Delivery is best-effort;
// the last channel error is returned so callers can log it.
func (s *Service) deliver(ctx context.Context, alert *Alert) error {
	alert.CreatedAt = time.Now().UTC()

	var lastErr error
	for _, ch := range s.channels {
		if err := ch.Deliver(ctx, alert); err != nil {
			log.Warn().
				Err(err).
				Str("channel", ch.Name()).
				Str("type", alert.Type).
				Msg("Failed to deliver alert")
			lastErr = err
			continue
		}
		log.Info().
			Str("channel", ch.Name()).
			Str("type", alert.Type).
			Str("user_id", alert.UserID).
			Msg("Alert delivered")
	}
	return lastErr
}

// NotifyLowCredits alerts a user that their credit balance dropped below
// the warning threshold.
func (s *Service) NotifyLowCredits(ctx context.Context, userID string, balance int) error {
	return s.deliver(ctx, &Alert{
		Type:    TypeLowCredits,
		UserID:  userID,
		Title:   "Credit balance running low",
		Message: fmt.Sprintf("%d credits remaining. Top up to keep automatic indexing running.", balance),
		Data:    map[string]any{"balance": balance},
	})
}

// NotifyDeadURLs alerts a site owner that an indexing run found an
// unusual number of 404/410 pages in their sitemap.
func (s *Service) NotifyDeadURLs(ctx context.Context, site *db.Site, count int) error {
	return s.deliver(ctx, &Alert{
		Type:    TypeDeadURLs,
		UserID:  site.UserID,
		Title:   fmt.Sprintf("Dead pages found on %s", site.Domain),
		Message: fmt.Sprintf("%d sitemap URLs returned 404 or 410 and were excluded from submission.", count),
		Data:    map[string]any{"site_id": site.ID, "domain": site.Domain, "dead_urls": count},
	})
}

// NotifyTokenFailure tells a site owner their Google connection needs
// re-authorising.
func (s *Service) NotifyTokenFailure(ctx context.Context, site *db.Site, reason string) error {
	return s.deliver(ctx, &Alert{
		Type:    TypeTokenFailure,
		UserID:  site.UserID,
		Title:   fmt.Sprintf("Google connection broken for %s", site.Domain),
		Message: fmt.Sprintf("Indexing paused: %s. Reconnect your Google account to resume.", reason),
		Data:    map[string]any{"site_id": site.ID, "domain": site.Domain, "reason": reason},
	})
}

// NotifyJobFailure raises an operator alert for a degraded scheduled job.
func (s *Service) NotifyJobFailure(ctx context.Context, jobName, detail string) error {
	return s.deliver(ctx, &Alert{
		Type:    TypeJobFailure,
		Title:   fmt.Sprintf("Job degraded: %s", jobName),
		Message: detail,
		Data:    map[string]any{"job": jobName},
	})
}
