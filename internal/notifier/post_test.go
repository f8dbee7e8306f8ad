package notifier

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPoster_HTTPError(t *testing.T) {
	tests := []struct {
		status    int
		temporary bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, strings.Repeat("x", 4096), tt.status)
			}))
			defer srv.Close()

			err := newPoster("test").postJSON(context.Background(), srv.URL, map[string]string{"a": "b"})
			var httpErr *HTTPError
			if !errors.As(err, &httpErr) {
				t.Fatalf("error = %v, want *HTTPError", err)
			}
			if httpErr.StatusCode != tt.status || httpErr.Temporary() != tt.temporary {
				t.Errorf("status=%d temporary=%v", httpErr.StatusCode, httpErr.Temporary())
			}
			if len(httpErr.Body) > 1024 {
				t.Errorf("body kept %d bytes, want at most 1024", len(httpErr.Body))
			}
		})
	}
}

func TestPoster_Headers(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	h := http.Header{}
	h.Set("X-Team", "mail-ops")
	if err := newPoster("test").post(context.Background(), srv.URL, []byte(`{}`), h); err != nil {
		t.Fatalf("post: %v", err)
	}
	if got.Get("X-Team") != "mail-ops" || got.Get("Content-Type") != "application/json" {
		t.Errorf("headers = %v", got)
	}
}

func TestCheckWebhookURL(t *testing.T) {
	tests := []struct {
		name         string
		url          string
		requireHTTPS bool
		wantErr      string
	}{
		{"empty", "", false, "is required"},
		{"https chat hook", "https://hooks.slack.com/services/T/B/x", true, ""},
		{"http chat hook", "http://hooks.slack.com/services/T/B/x", true, "must use HTTPS"},
		{"http internal hook", "http://10.0.0.5:9093/hook", false, ""},
		{"ftp", "ftp://example.com/x", false, "http or https"},
		{"no host", "https:///x", true, "host is required"},
		{"unparsable", "https://[::1", false, "invalid webhook URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkWebhookURL(tt.url, tt.requireHTTPS)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input string
		max   int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"relay ✅✅✅✅✅✅", 10, "relay ✅..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.input, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.max, got, tt.want)
		}
	}
}
