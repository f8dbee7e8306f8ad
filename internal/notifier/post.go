package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"
)

// HTTPError is a non-2xx answer from a chat or webhook endpoint.
type HTTPError struct {
	Service    string
	StatusCode int
	Body       string // first KiB of the response
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: status %d, body: %s", e.Service, e.StatusCode, e.Body)
}

// Temporary reports whether the endpoint may accept the same message later.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// poster sends JSON documents for one HTTP-based channel type.
type poster struct {
	service string
	client  *http.Client
}

func newPoster(service string) poster {
	return poster{service: service, client: &http.Client{Timeout: 30 * time.Second}}
}

func (p poster) postJSON(ctx context.Context, target string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode payload: %w", p.service, err)
	}
	return p.post(ctx, target, body, nil)
}

func (p poster) post(ctx context.Context, target string, body []byte, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", p.service, err)
	}
	for name, values := range header {
		req.Header[name] = values
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", p.service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPError{Service: p.service, StatusCode: resp.StatusCode, Body: string(b)}
	}
	// Drain so the connection is reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}

// checkWebhookURL validates an incoming-webhook URL. Chat webhooks embed
// their credential in the URL, so plain http is refused.
func checkWebhookURL(raw string, requireHTTPS bool) error {
	if raw == "" {
		return fmt.Errorf("webhook URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	switch {
	case requireHTTPS && u.Scheme != "https":
		return fmt.Errorf("webhook URL must use HTTPS")
	case u.Scheme != "http" && u.Scheme != "https":
		return fmt.Errorf("webhook URL must use http or https")
	case u.Host == "":
		return fmt.Errorf("webhook URL host is required")
	}
	return nil
}

// truncate shortens s to at most max runes, marking the cut with "...".
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max-3]) + "..."
}
