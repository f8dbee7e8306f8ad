package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebhookConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]string
		wantErr string
	}{
		{"missing url", map[string]string{}, "URL is required"},
		{"bad scheme", map[string]string{"url": "ftp://hooks.example.com/x"}, "http or https"},
		{"no host", map[string]string{"url": "https:///path"}, "host is required"},
		{"http allowed", map[string]string{"url": "http://alertmanager.internal:9093/hook"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := WebhookConfigFromMap(tt.config)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestWebhookAdapterDeliver(t *testing.T) {
	var (
		payload   webhookPayload
		signature string
		custom    string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		custom = r.Header.Get("X-Team")
		if signature != Sign("s3cret", body) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("failed to unmarshal payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := NewWebhookAdapter().Deliver(context.Background(), NewMessage(testEvent()), map[string]string{
		"url":           server.URL,
		"secret":        "s3cret",
		"header_X-Team": "mail-ops",
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	if signature == "" {
		t.Error("signature header not set")
	}
	if custom != "mail-ops" {
		t.Errorf("X-Team = %q, want mail-ops", custom)
	}
	if payload.EventID != "evt-1" || payload.Status != "firing" || payload.NodeID != "relay-01" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Details["threshold"] != "90" {
		t.Errorf("details = %v", payload.Details)
	}
}

func TestWebhookAdapterHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewWebhookAdapter().Deliver(context.Background(), NewMessage(testEvent()), map[string]string{"url": server.URL})
	if err == nil || !strings.Contains(err.Error(), "status 503") {
		t.Errorf("Deliver() error = %v", err)
	}
}
