package notifications

import (
	"context"
	"fmt"
	"os"

	"github.com/slack-go/slack"
)

// SlackChannel posts alerts to a single operations channel.
type SlackChannel struct {
	client    *slack.Client
	channelID string
}

// NewSlackChannel creates a Slack delivery channel from a bot token and
// target channel ID.
func NewSlackChannel(token, channelID string) *SlackChannel {
	return &SlackChannel{
		client:    slack.New(token),
		channelID: channelID,
	}
}

func (c *SlackChannel) Name() string {
	return "slack"
}

// Deliver posts the alert as a block message.
func (c *SlackChannel) Deliver(ctx context.Context, alert *Alert) error {
	blocks := buildMessageBlocks(alert)
	fallback := fmt.Sprintf("%s: %s", alert.Title, alert.Message)

	_, _, err := c.client.PostMessageContext(
		ctx,
		c.channelID,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fallback, false),
	)
	if err != nil {
		return fmt.Errorf("failed to post Slack message: %w", err)
	}
	return nil
}

func buildMessageBlocks(alert *Alert) []slack.Block {
	appURL := os.Getenv("APP_URL")
	if appURL == "" {
		appURL = "https://app.pagepulse.dev"
	}

	var emoji string
	switch alert.Type {
	case TypeLowCredits:
		emoji = ":hourglass_flowing_sand:"
	case TypeDeadURLs:
		emoji = ":broken_heart:"
	case TypeTokenFailure:
		emoji = ":key:"
	case TypeJobFailure:
		emoji = ":x:"
	default:
		emoji = ":bell:"
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("%s *%s*", emoji, alert.Title), false, false),
			nil,
			nil,
		),
	}

	if alert.Message != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", alert.Message, false, false),
			nil,
			nil,
		))
	}

	if siteID, ok := alert.Data["site_id"].(string); ok && siteID != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(
				"mrkdwn",
				fmt.Sprintf("<%s/sites/%s|View site>", appURL, siteID),
				false,
				false,
			),
			nil,
			nil,
		))
	}

	return blocks
}
