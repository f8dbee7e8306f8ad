package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ClientConfig
		wantErr bool
	}{
		{"valid", ClientConfig{ServerURL: "https://mw.example.com", Token: "x"}, false},
		{"missing url", ClientConfig{Token: "x"}, true},
		{"bad scheme", ClientConfig{ServerURL: "mw.example.com", Token: "x"}, true},
		{"missing token", ClientConfig{ServerURL: "https://mw.example.com"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClient_Send(t *testing.T) {
	var gotAuth string
	var gotCount int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ingestPath {
			t.Errorf("path = %s, want %s", r.URL.Path, ingestPath)
		}
		gotAuth = r.Header.Get("Authorization")
		var req models.IngestRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotCount = len(req.Samples)
		json.NewEncoder(w).Encode(map[string]any{
			"data": models.IngestResult{Accepted: 1, Rejected: []models.Rejection{{Index: 1, Reason: "nodeId is required"}}},
		})
	}))
	defer srv.Close()

	c, _ := NewClient(ClientConfig{ServerURL: srv.URL, Token: "secret"})
	result, err := c.Send(context.Background(), []models.MetricSample{{NodeID: "a"}, {}})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer secret")
	}
	if gotCount != 2 {
		t.Errorf("server got %d samples, want 2", gotCount)
	}
	if result.Accepted != 1 || len(result.Rejected) != 1 || result.Rejected[0].Index != 1 {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestClient_SendErrors(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		retryAfter     string
		wantPermanent  bool
		wantRetryAfter time.Duration
	}{
		{"service unavailable", http.StatusServiceUnavailable, "5", false, 5 * time.Second},
		{"internal error", http.StatusInternalServerError, "", false, 0},
		{"rate limited", http.StatusTooManyRequests, "60", false, time.Minute},
		{"unparseable retry-after", http.StatusTooManyRequests, "soon", false, 0},
		{"unauthorized", http.StatusUnauthorized, "", false, 0},
		{"bad request", http.StatusBadRequest, "", true, 0},
		{"unprocessable", http.StatusUnprocessableEntity, "", true, 0},
		{"batch too large", http.StatusRequestEntityTooLarge, "", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": "X", "message": "nope"}})
			}))
			defer srv.Close()

			c, _ := NewClient(ClientConfig{ServerURL: srv.URL, Token: "t"})
			_, err := c.Send(context.Background(), []models.MetricSample{{NodeID: "a"}})

			var te *TransportError
			if !errors.As(err, &te) {
				t.Fatalf("error = %v, want *TransportError", err)
			}
			if te.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", te.StatusCode, tt.status)
			}
			if IsPermanent(err) != tt.wantPermanent {
				t.Errorf("IsPermanent() = %v, want %v", IsPermanent(err), tt.wantPermanent)
			}
			if te.Message != "nope" {
				t.Errorf("Message = %q, want %q", te.Message, "nope")
			}
			if got := retryAfter(err); got != tt.wantRetryAfter {
				t.Errorf("retryAfter() = %v, want %v", got, tt.wantRetryAfter)
			}
		})
	}
}

func TestClient_SendNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, _ := NewClient(ClientConfig{ServerURL: url, Token: "t"})
	_, err := c.Send(context.Background(), []models.MetricSample{{NodeID: "a"}})
	if err == nil {
		t.Fatal("expected error against closed server")
	}
	if IsPermanent(err) {
		t.Error("network errors must be retryable")
	}
}

func TestClient_Heartbeat(t *testing.T) {
	var got models.Heartbeat
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != heartbeatPath {
			t.Errorf("path = %s, want %s", r.URL.Path, heartbeatPath)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := NewClient(ClientConfig{ServerURL: srv.URL + "/", Token: "t"})
	err := c.Heartbeat(context.Background(), &models.Heartbeat{NodeID: "relay-1", Role: models.RoleRelay})
	if err != nil {
		t.Fatalf("Heartbeat() error: %v", err)
	}
	if got.NodeID != "relay-1" {
		t.Errorf("NodeID = %q, want relay-1", got.NodeID)
	}
}

func TestClient_TLS(t *testing.T) {
	var gotUA string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		json.NewEncoder(w).Encode(map[string]any{"data": models.IngestResult{Accepted: 1}})
	}))
	defer srv.Close()

	// Default roots do not trust the test server.
	plain, _ := NewClient(ClientConfig{ServerURL: srv.URL, Token: "secret"})
	if _, err := plain.Send(context.Background(), []models.MetricSample{{NodeID: "a"}}); err == nil {
		t.Fatal("expected certificate error without the test CA")
	}

	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())
	c, err := NewClient(ClientConfig{
		ServerURL: srv.URL,
		Token:     "secret",
		TLS:       &tls.Config{RootCAs: roots, MinVersion: tls.VersionTLS12},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Send(context.Background(), []models.MetricSample{{NodeID: "a"}}); err != nil {
		t.Fatalf("Send() with trusted CA: %v", err)
	}
	if !strings.HasPrefix(gotUA, "mailwatch-agent/") {
		t.Errorf("User-Agent = %q", gotUA)
	}
}
