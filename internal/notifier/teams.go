package notifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// TeamsConfig is a Teams channel's config map, decoded.
type TeamsConfig struct {
	WebhookURL string // webhook_url, a Workflows or legacy connector URL
}

// TeamsConfigFromMap reads a channel's config map.
func TeamsConfigFromMap(m map[string]string) TeamsConfig {
	return TeamsConfig{WebhookURL: m["webhook_url"]}
}

// Validate checks the webhook URL.
func (c *TeamsConfig) Validate() error {
	return checkWebhookURL(c.WebhookURL, true)
}

// TeamsAdapter posts Adaptive Cards to Microsoft Teams webhooks.
type TeamsAdapter struct {
	poster poster
}

// NewTeamsAdapter creates a Teams adapter.
func NewTeamsAdapter() *TeamsAdapter {
	return &TeamsAdapter{poster: newPoster("teams")}
}

// Type returns "teams".
func (t *TeamsAdapter) Type() string {
	return "teams"
}

// Deliver posts msg to the channel's webhook as an Adaptive Card.
func (t *TeamsAdapter) Deliver(ctx context.Context, msg Message, config map[string]string) error {
	cfg := TeamsConfigFromMap(config)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid teams config: %w", err)
	}
	return t.poster.postJSON(ctx, cfg.WebhookURL, buildTeamsPayload(msg))
}

type teamsMessage struct {
	Type        string            `json:"type"`
	Attachments []teamsAttachment `json:"attachments"`
}

type teamsAttachment struct {
	ContentType string       `json:"contentType"`
	ContentURL  *string      `json:"contentUrl"` // must be present and null
	Content     adaptiveCard `json:"content"`
}

type adaptiveCard struct {
	Schema  string `json:"$schema"`
	Type    string `json:"type"`
	Version string `json:"version"`
	Body    []any  `json:"body"`
}

type textBlock struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	Size   string `json:"size,omitempty"`
	Weight string `json:"weight,omitempty"`
	Color  string `json:"color,omitempty"`
	Wrap   bool   `json:"wrap,omitempty"`
}

type factSet struct {
	Type  string `json:"type"`
	Facts []fact `json:"facts"`
}

type fact struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

type container struct {
	Type  string `json:"type"`
	Style string `json:"style,omitempty"`
	Items []any  `json:"items"`
}

func newFactSet(facts ...fact) factSet {
	return factSet{Type: "FactSet", Facts: facts}
}

// buildTeamsPayload renders a card with a styled title band, the summary
// facts, the body text and, when present, the observed values.
func buildTeamsPayload(msg Message) teamsMessage {
	style := teamsSeverityStyle(msg.Severity)
	if msg.Resolved() {
		style = "good"
	}

	summary := []fact{
		{Title: "Severity", Value: strings.ToUpper(string(msg.Severity))},
		{Title: "Scope", Value: msg.Scope()},
		{Title: "Status", Value: string(msg.Status)},
		{Title: "Fired", Value: msg.FiredAt.Format(timeLayout)},
	}
	if msg.ResolvedAt != nil {
		summary = append(summary, fact{Title: "Resolved", Value: msg.ResolvedAt.Format(timeLayout)})
	}

	body := []any{
		container{
			Type:  "Container",
			Style: style,
			Items: []any{textBlock{Type: "TextBlock", Text: msg.Title(), Size: "Large", Weight: "Bolder", Wrap: true}},
		},
		newFactSet(summary...),
		textBlock{Type: "TextBlock", Text: msg.Text, Wrap: true},
	}
	if len(msg.Details) > 0 {
		observed := make([]fact, len(msg.Details))
		for i, d := range msg.Details {
			observed[i] = fact{Title: d.Key, Value: d.Value}
		}
		body = append(body, newFactSet(observed...))
	}

	return teamsMessage{
		Type: "message",
		Attachments: []teamsAttachment{{
			ContentType: "application/vnd.microsoft.card.adaptive",
			Content: adaptiveCard{
				Schema:  "http://adaptivecards.io/schemas/adaptive-card.json",
				Type:    "AdaptiveCard",
				Version: "1.4",
				Body:    body,
			},
		}},
	}
}

func teamsSeverityStyle(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "attention"
	case models.SeverityHigh:
		return "warning"
	case models.SeverityMedium:
		return "accent"
	default:
		return "default"
	}
}
