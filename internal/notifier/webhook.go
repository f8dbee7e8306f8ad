package notifier

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Mailwatch-Signature"

// WebhookConfig holds generic webhook configuration.
type WebhookConfig struct {
	URL    string
	Secret string
	// Headers are extra request headers, given as "header_<Name>" keys.
	Headers map[string]string
}

// WebhookConfigFromMap reads a channel's config map.
func WebhookConfigFromMap(m map[string]string) WebhookConfig {
	cfg := WebhookConfig{URL: m["url"], Secret: m["secret"]}
	for k, v := range m {
		if name, ok := strings.CutPrefix(k, "header_"); ok && name != "" {
			if cfg.Headers == nil {
				cfg.Headers = make(map[string]string)
			}
			cfg.Headers[name] = v
		}
	}
	return cfg
}

// Validate checks the URL. Unlike chat webhooks plain http is allowed,
// since the target is often an internal service and the body is signed.
func (c *WebhookConfig) Validate() error {
	return checkWebhookURL(c.URL, false)
}

// webhookPayload is the JSON document posted to generic webhooks.
type webhookPayload struct {
	EventID    string            `json:"eventId"`
	RuleID     string            `json:"ruleId"`
	RuleName   string            `json:"ruleName"`
	Severity   string            `json:"severity"`
	Status     string            `json:"status"`
	NodeID     string            `json:"nodeId,omitempty"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	FiredAt    time.Time         `json:"firedAt"`
	ResolvedAt *time.Time        `json:"resolvedAt,omitempty"`
}

// WebhookAdapter posts alert events as JSON to an arbitrary endpoint.
type WebhookAdapter struct {
	poster poster
}

// NewWebhookAdapter creates a webhook adapter.
func NewWebhookAdapter() *WebhookAdapter {
	return &WebhookAdapter{poster: newPoster("webhook")}
}

// Type returns "webhook".
func (w *WebhookAdapter) Type() string {
	return "webhook"
}

// Deliver posts msg to the configured URL, signed when a secret is set.
func (w *WebhookAdapter) Deliver(ctx context.Context, msg Message, config map[string]string) error {
	cfg := WebhookConfigFromMap(config)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid webhook config: %w", err)
	}

	body, err := json.Marshal(newWebhookPayload(msg))
	if err != nil {
		return fmt.Errorf("webhook: encode payload: %w", err)
	}

	header := make(http.Header, len(cfg.Headers)+1)
	for name, v := range cfg.Headers {
		header.Set(name, v)
	}
	if cfg.Secret != "" {
		header.Set(SignatureHeader, Sign(cfg.Secret, body))
	}
	return w.poster.post(ctx, cfg.URL, body, header)
}

func newWebhookPayload(msg Message) webhookPayload {
	p := webhookPayload{
		EventID:    msg.EventID,
		RuleID:     msg.RuleID,
		RuleName:   msg.RuleName,
		Severity:   string(msg.Severity),
		Status:     string(msg.Status),
		NodeID:     msg.NodeID,
		Title:      msg.Title(),
		Message:    msg.Text,
		FiredAt:    msg.FiredAt,
		ResolvedAt: msg.ResolvedAt,
	}
	if len(msg.Details) > 0 {
		p.Details = make(map[string]string, len(msg.Details))
		for _, d := range msg.Details {
			p.Details[d.Key] = d.Value
		}
	}
	return p
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
