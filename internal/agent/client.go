package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/models"
	"github.com/good-yellow-bee/mailwatch/pkg/config"
)

const (
	ingestPath    = "/api/v1/ingest"
	heartbeatPath = "/api/v1/heartbeat"
)

// TransportError is returned when a batch could not be delivered.
// Permanent errors mean the server will never accept the batch as sent.
type TransportError struct {
	StatusCode int
	Permanent  bool
	Message    string
	// RetryAfter is the server's requested wait (429/503), zero if none.
	RetryAfter time.Duration
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("transport: %v", e.Err)
	case e.Message != "":
		return fmt.Sprintf("transport: status %d: %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("transport: status %d", e.StatusCode)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a TransportError the caller must not retry.
func IsPermanent(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Permanent
}

// tooLarge reports whether the server refused a batch for its size. Such a
// batch is not bad, only too big; smaller pieces of it are accepted.
func tooLarge(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.StatusCode == http.StatusRequestEntityTooLarge
}

// retryAfter returns the server-requested wait carried by err, if any.
func retryAfter(err error) time.Duration {
	var te *TransportError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// ClientConfig configures the HTTP transport client.
type ClientConfig struct {
	ServerURL string
	Token     string
	Timeout   time.Duration
	// TLS overrides the default TLS settings, e.g. to trust a private CA.
	TLS *tls.Config
}

// Client talks to the ingestion gateway over HTTP/JSON.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new transport client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server URL is required")
	}
	if !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
		return nil, fmt.Errorf("server URL must start with http:// or https://")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("agent token is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	httpClient := &http.Client{Timeout: cfg.Timeout}
	if cfg.TLS != nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = cfg.TLS
		httpClient.Transport = transport
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.ServerURL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
	}, nil
}

// envelope mirrors the server response body.
type envelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Send delivers one batch. Any error means the batch was not delivered.
func (c *Client) Send(ctx context.Context, samples []models.MetricSample) (*models.IngestResult, error) {
	body, err := json.Marshal(models.IngestRequest{Samples: samples})
	if err != nil {
		return nil, &TransportError{Permanent: true, Err: fmt.Errorf("marshal batch: %w", err)}
	}

	env, err := c.post(ctx, ingestPath, body)
	if err != nil {
		return nil, err
	}

	var result models.IngestResult
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &result); err != nil {
			return nil, &TransportError{StatusCode: http.StatusOK, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return &result, nil
}

// Heartbeat reports liveness. The server upserts the node registration.
func (c *Client) Heartbeat(ctx context.Context, hb *models.Heartbeat) error {
	body, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	_, err = c.post(ctx, heartbeatPath, body)
	return err
}

// CloseIdleConnections drops pooled connections so the next request dials fresh.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Permanent: true, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", "mailwatch-agent/"+config.ShortVersionString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransportError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	var env envelope
	if len(raw) > 0 {
		// Non-JSON bodies from proxies are reported by status alone.
		_ = json.Unmarshal(raw, &env)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		te := &TransportError{
			StatusCode: resp.StatusCode,
			Permanent:  isPermanentStatus(resp.StatusCode),
		}
		if env.Error != nil {
			te.Message = env.Error.Message
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			te.RetryAfter = time.Duration(secs) * time.Second
		}
		return nil, te
	}
	return &env, nil
}

// isPermanentStatus reports statuses where resending the same batch cannot succeed.
// 401 and 403 are retryable.
func isPermanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return true
	}
	return false
}
