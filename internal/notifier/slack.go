package notifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// Block Kit limits.
const (
	slackHeaderMax  = 150
	slackSectionMax = 3000
)

// SlackConfig is a Slack channel's config map, decoded.
type SlackConfig struct {
	WebhookURL string // webhook_url
}

// SlackConfigFromMap reads a channel's config map.
func SlackConfigFromMap(m map[string]string) SlackConfig {
	return SlackConfig{WebhookURL: m["webhook_url"]}
}

// Validate checks the webhook URL.
func (c *SlackConfig) Validate() error {
	return checkWebhookURL(c.WebhookURL, true)
}

// SlackAdapter posts Block Kit messages to Slack incoming webhooks.
type SlackAdapter struct {
	poster poster
}

// NewSlackAdapter creates a Slack adapter.
func NewSlackAdapter() *SlackAdapter {
	return &SlackAdapter{poster: newPoster("slack")}
}

// Type returns "slack".
func (s *SlackAdapter) Type() string {
	return "slack"
}

// Deliver posts msg to the channel's webhook.
func (s *SlackAdapter) Deliver(ctx context.Context, msg Message, config map[string]string) error {
	cfg := SlackConfigFromMap(config)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid slack config: %w", err)
	}
	return s.poster.postJSON(ctx, cfg.WebhookURL, buildSlackPayload(msg))
}

type slackMessage struct {
	Text   string       `json:"text"` // notification fallback
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

func mrkdwn(s string) slackText {
	return slackText{Type: "mrkdwn", Text: truncate(s, slackSectionMax)}
}

func slackField(label, value string) slackText {
	return mrkdwn("*" + label + ":*\n" + value)
}

// buildSlackPayload lays out header, summary fields, body text and, when
// the event carries them, the observed values as a context line.
func buildSlackPayload(msg Message) slackMessage {
	icon := severityEmoji(msg.Severity)
	if msg.Resolved() {
		icon = "✅"
	}

	fields := []slackText{
		slackField("Severity", strings.ToUpper(string(msg.Severity))),
		slackField("Scope", msg.Scope()),
		slackField("Fired", msg.FiredAt.Format(timeLayout)),
		slackField("Status", string(msg.Status)),
	}
	if msg.ResolvedAt != nil {
		// Block Kit allows ten fields; this is the fifth.
		fields = append(fields, slackField("Resolved", msg.ResolvedAt.Format(timeLayout)))
	}

	header := slackText{Type: "plain_text", Text: truncate(icon+" "+msg.Title(), slackHeaderMax), Emoji: true}
	text := mrkdwn(msg.Text)
	blocks := []slackBlock{
		{Type: "header", Text: &header},
		{Type: "section", Fields: fields},
		{Type: "section", Text: &text},
	}

	if len(msg.Details) > 0 {
		var b strings.Builder
		for i, d := range msg.Details {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "`%s=%s`", d.Key, d.Value)
		}
		blocks = append(blocks, slackBlock{Type: "context", Elements: []slackText{mrkdwn(b.String())}})
	}

	return slackMessage{Text: msg.Title(), Blocks: blocks}
}

func severityEmoji(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "\U0001F534"
	case models.SeverityHigh:
		return "\U0001F7E0"
	case models.SeverityMedium:
		return "\U0001F7E1"
	case models.SeverityLow:
		return "\U0001F7E2"
	default:
		return "⚪"
	}
}
