package notifier

import (
	"bufio"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

func TestEmailConfigFromMap(t *testing.T) {
	cfg, err := EmailConfigFromMap(map[string]string{
		"host": "smtp.example.com",
		"port": "587",
		"from": "Mailwatch <alerts@example.com>",
		"to":   "ops@example.com, oncall@example.com,",
	})
	if err != nil {
		t.Fatalf("EmailConfigFromMap() error = %v", err)
	}
	if cfg.Port != 587 {
		t.Errorf("Port = %d, want 587", cfg.Port)
	}
	if len(cfg.Recipients) != 2 || cfg.Recipients[1] != "oncall@example.com" {
		t.Errorf("Recipients = %v", cfg.Recipients)
	}

	if _, err := EmailConfigFromMap(map[string]string{"port": "smtp"}); err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestEmailConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config EmailConfig
		errMsg string
	}{
		{
			name:   "empty config",
			config: EmailConfig{},
			errMsg: "SMTP host is required",
		},
		{
			name:   "missing port",
			config: EmailConfig{Host: "smtp.example.com"},
			errMsg: "SMTP port is required",
		},
		{
			name:   "missing from",
			config: EmailConfig{Host: "smtp.example.com", Port: 587},
			errMsg: "from address is required",
		},
		{
			name:   "missing recipients",
			config: EmailConfig{Host: "smtp.example.com", Port: 587, From: "alerts@example.com"},
			errMsg: "at least one recipient is required",
		},
		{
			name: "valid config",
			config: EmailConfig{
				Host:       "smtp.example.com",
				Port:       587,
				From:       "alerts@example.com",
				Recipients: []string{"ops@example.com"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.errMsg)
			}
		})
	}
}

func TestTemplatesRender(t *testing.T) {
	templates, err := LoadTemplates()
	if err != nil {
		t.Fatalf("LoadTemplates() error = %v", err)
	}

	data := MessageToTemplateData(NewMessage(testEvent()))

	html, err := templates.RenderHTML(data)
	if err != nil {
		t.Fatalf("RenderHTML() error = %v", err)
	}
	for _, want := range []string{"Relay CPU high", "HIGH", "relay-01", "#f57c00", "cpuPercent"} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML body missing %q", want)
		}
	}

	plain, err := templates.RenderPlain(data)
	if err != nil {
		t.Fatalf("RenderPlain() error = %v", err)
	}
	for _, want := range []string{"[HIGH] Relay CPU high on relay-01", "Severity: HIGH", "cpuPercent: 97.5"} {
		if !strings.Contains(plain, want) {
			t.Errorf("plain body missing %q:\n%s", want, plain)
		}
	}
	if strings.Contains(plain, "Resolved:") {
		t.Error("firing alert should not render a resolved time")
	}
}

func TestMessageToTemplateData_Resolved(t *testing.T) {
	ev := testEvent()
	at := ev.FiredAt.Add(5 * time.Minute)
	ev.Status = models.AlertResolved
	ev.ResolvedAt = &at

	data := MessageToTemplateData(NewMessage(ev))
	if data.ResolvedAt == "" {
		t.Error("ResolvedAt is empty")
	}
	if data.SeverityColor != "#388e3c" {
		t.Errorf("SeverityColor = %q, want green for a resolution", data.SeverityColor)
	}
}

func TestSeverityColor(t *testing.T) {
	tests := []struct {
		severity models.Severity
		want     string
	}{
		{models.SeverityCritical, "#d32f2f"},
		{models.SeverityHigh, "#f57c00"},
		{models.SeverityMedium, "#fbc02d"},
		{models.SeverityLow, "#388e3c"},
		{models.Severity("unknown"), "#757575"},
	}
	for _, tt := range tests {
		if got := severityColor(tt.severity); got != tt.want {
			t.Errorf("severityColor(%s) = %q, want %q", tt.severity, got, tt.want)
		}
	}
}

func TestBuildMIMEMessage(t *testing.T) {
	cfg := EmailConfig{
		From:       "Mailwatch <alerts@example.com>",
		Recipients: []string{"ops@example.com", "oncall@example.com"},
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	long := strings.Repeat("relay-01 queue ", 100)
	raw, err := buildMIMEMessage(cfg, NewMessage(testEvent()), "plain body "+long, "<p>html body</p>", now)
	if err != nil {
		t.Fatalf("buildMIMEMessage: %v", err)
	}
	msg := string(raw)

	for _, want := range []string{
		"From: \"Mailwatch\" <alerts@example.com>\r\n",
		"To: ops@example.com, oncall@example.com\r\n",
		"Subject: [HIGH] Relay CPU high on relay-01\r\n",
		"Message-ID: <evt-1.",
		"@example.com>\r\n",
		"Auto-Submitted: auto-generated\r\n",
		"X-Mailwatch-Severity: high\r\n",
		"MIME-Version: 1.0\r\n",
		"multipart/alternative",
		"text/plain; charset=UTF-8",
		"text/html; charset=UTF-8",
		"quoted-printable",
		"<p>html body</p>",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
	for _, line := range strings.Split(msg, "\r\n") {
		if len(line) > 998 {
			t.Fatalf("line of %d bytes exceeds the SMTP limit", len(line))
		}
	}

	parsed, err := mail.ReadMessage(strings.NewReader(msg))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	_, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	if err != nil {
		t.Fatal(err)
	}
	mr := multipart.NewReader(parsed.Body, params["boundary"])
	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("first part: %v", err)
	}
	body, _ := io.ReadAll(part) // NextPart decodes quoted-printable
	if string(body) != "plain body "+long {
		t.Errorf("plain part did not round-trip: %q", body)
	}
}

func TestBuildMIMEMessage_EncodesSubject(t *testing.T) {
	ev := testEvent()
	ev.RuleName = "Zustellung verzögert"
	raw, err := buildMIMEMessage(EmailConfig{From: "a@example.com", Recipients: []string{"b@example.com"}},
		NewMessage(ev), "p", "h", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "Subject: =?utf-8?q?") {
		t.Errorf("non-ASCII subject not encoded:\n%s", raw)
	}
}

func TestEmailConfigValidation_Addresses(t *testing.T) {
	base := EmailConfig{Host: "smtp.example.com", Port: 587, From: "alerts@example.com", Recipients: []string{"ops@example.com"}}

	tests := []struct {
		name   string
		mutate func(*EmailConfig)
		errMsg string
	}{
		{"bad from", func(c *EmailConfig) { c.From = "not an address" }, "invalid from address"},
		{"bad recipient", func(c *EmailConfig) { c.Recipients = []string{"ops@example.com", "@@"} }, "invalid recipient"},
		{"unknown tls", func(c *EmailConfig) { c.TLS = "ssl3" }, "unknown tls mode"},
		{"tls none", func(c *EmailConfig) { c.TLS = TLSNone }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() = %v, want %q", err, tt.errMsg)
			}
		})
	}
}

func TestEmailConfig_ImplicitTLS(t *testing.T) {
	tests := []struct {
		port int
		mode string
		want bool
	}{
		{465, TLSAuto, true},
		{587, TLSAuto, false},
		{2465, TLSImplicit, true},
		{465, TLSStartTLS, false},
	}
	for _, tt := range tests {
		cfg := EmailConfig{Port: tt.port, TLS: tt.mode}
		if got := cfg.implicitTLS(); got != tt.want {
			t.Errorf("port %d mode %q: implicitTLS() = %v, want %v", tt.port, tt.mode, got, tt.want)
		}
	}
}

// mockSMTPServer accepts mail without TLS or auth and records messages.
type mockSMTPServer struct {
	listener net.Listener
	messages [][]byte
	mu       sync.Mutex
	wg       sync.WaitGroup
}

func newMockSMTPServer(t *testing.T) *mockSMTPServer {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}

	server := &mockSMTPServer{listener: listener}
	server.wg.Add(1)
	go server.serve()
	return server
}

func (s *mockSMTPServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *mockSMTPServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	reply := func(lines ...string) {
		for _, l := range lines {
			writer.WriteString(l + "\r\n")
		}
		writer.Flush()
	}

	reply("220 localhost SMTP Mock Server")

	var dataMode bool
	var messageData []byte

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if dataMode {
			if line == "." {
				dataMode = false
				s.mu.Lock()
				s.messages = append(s.messages, messageData)
				s.mu.Unlock()
				messageData = nil
				reply("250 OK")
				continue
			}
			messageData = append(messageData, []byte(line+"\n")...)
			continue
		}

		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			reply("250-localhost", "250 OK")
		case strings.HasPrefix(upper, "MAIL FROM"), strings.HasPrefix(upper, "RCPT TO"):
			reply("250 OK")
		case upper == "DATA":
			reply("354 Start mail input")
			dataMode = true
		case upper == "QUIT":
			reply("221 Bye")
			return
		default:
			reply("500 Unknown command")
		}
	}
}

func (s *mockSMTPServer) close() {
	s.listener.Close()
	s.wg.Wait()
}

func (s *mockSMTPServer) getMessages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.messages...)
}

func TestEmailAdapterDeliverWithMockSMTP(t *testing.T) {
	server := newMockSMTPServer(t)
	defer server.close()

	host, port, _ := net.SplitHostPort(server.listener.Addr().String())

	adapter, err := NewEmailAdapter()
	if err != nil {
		t.Fatalf("NewEmailAdapter() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = adapter.Deliver(ctx, NewMessage(testEvent()), map[string]string{
		"host": host,
		"port": port,
		"from": "alerts@example.com",
		"to":   "ops@example.com",
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	// QUIT is answered after the message is recorded.
	messages := server.getMessages()
	if len(messages) != 1 {
		t.Fatalf("server received %d messages, want 1", len(messages))
	}
	if !strings.Contains(string(messages[0]), "Subject: [HIGH] Relay CPU high on relay-01") {
		t.Errorf("message missing subject:\n%s", messages[0])
	}
}

func TestEmailAdapterInvalidConfig(t *testing.T) {
	adapter, err := NewEmailAdapter()
	if err != nil {
		t.Fatalf("NewEmailAdapter() error = %v", err)
	}
	err = adapter.Deliver(context.Background(), NewMessage(testEvent()), map[string]string{"host": "smtp.example.com"})
	if err == nil || !strings.Contains(err.Error(), "invalid email config") {
		t.Errorf("Deliver() error = %v", err)
	}
}

func TestEmailAdapterRequiresSTARTTLS(t *testing.T) {
	server := newMockSMTPServer(t)
	defer server.close()
	host, port, _ := net.SplitHostPort(server.listener.Addr().String())

	adapter, err := NewEmailAdapter()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = adapter.Deliver(ctx, NewMessage(testEvent()), map[string]string{
		"host": host,
		"port": port,
		"tls":  "starttls",
		"from": "alerts@example.com",
		"to":   "ops@example.com",
	})
	if err == nil || !strings.Contains(err.Error(), "does not offer STARTTLS") {
		t.Errorf("Deliver() error = %v", err)
	}
	if n := len(server.getMessages()); n != 0 {
		t.Errorf("server received %d messages over cleartext", n)
	}
}
