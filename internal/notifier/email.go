package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"
)

// SMTP transport security modes, the "tls" config key.
const (
	TLSAuto     = ""         // implicit TLS on 465, otherwise STARTTLS when offered
	TLSImplicit = "implicit" // TLS from the first byte
	TLSStartTLS = "starttls" // STARTTLS, failing if the server does not offer it
	TLSNone     = "none"     // cleartext, for a local relay
)

// EmailConfig is an email channel's config map, decoded.
type EmailConfig struct {
	Host       string
	Port       int
	TLS        string
	Helo       string // EHLO name, defaults to the local hostname
	Username   string // with Password, enables AUTH PLAIN
	Password   string
	From       string
	Recipients []string // "to", comma-separated
}

// EmailConfigFromMap reads a channel's config map.
func EmailConfigFromMap(m map[string]string) (EmailConfig, error) {
	cfg := EmailConfig{
		Host:     m["host"],
		TLS:      strings.ToLower(m["tls"]),
		Helo:     m["helo"],
		Username: m["username"],
		Password: m["password"],
		From:     m["from"],
	}
	if p := m["port"]; p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return cfg, fmt.Errorf("invalid SMTP port %q", p)
		}
		cfg.Port = port
	}
	for _, rcpt := range strings.Split(m["to"], ",") {
		if rcpt = strings.TrimSpace(rcpt); rcpt != "" {
			cfg.Recipients = append(cfg.Recipients, rcpt)
		}
	}
	return cfg, nil
}

// Validate checks the server settings and parses every address.
func (c *EmailConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("SMTP host is required")
	}
	if c.Port == 0 {
		return fmt.Errorf("SMTP port is required")
	}
	switch c.TLS {
	case TLSAuto, TLSImplicit, TLSStartTLS, TLSNone:
	default:
		return fmt.Errorf("unknown tls mode %q (want implicit, starttls or none)", c.TLS)
	}
	if c.From == "" {
		return fmt.Errorf("from address is required")
	}
	if _, err := mail.ParseAddress(c.From); err != nil {
		return fmt.Errorf("invalid from address %q: %w", c.From, err)
	}
	if len(c.Recipients) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	if _, err := mail.ParseAddressList(strings.Join(c.Recipients, ",")); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	return nil
}

func (c *EmailConfig) implicitTLS() bool {
	return c.TLS == TLSImplicit || (c.TLS == TLSAuto && c.Port == 465)
}

// EmailAdapter mails alerts as multipart plain text and HTML.
type EmailAdapter struct {
	templates *Templates
	now       func() time.Time
}

// NewEmailAdapter creates an email adapter.
func NewEmailAdapter() (*EmailAdapter, error) {
	templates, err := LoadTemplates()
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	return &EmailAdapter{templates: templates, now: time.Now}, nil
}

// Type returns "email".
func (e *EmailAdapter) Type() string {
	return "email"
}

// Deliver mails msg to the channel's recipients.
func (e *EmailAdapter) Deliver(ctx context.Context, msg Message, config map[string]string) error {
	cfg, err := EmailConfigFromMap(config)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		return fmt.Errorf("invalid email config: %w", err)
	}

	data := MessageToTemplateData(msg)
	html, err := e.templates.RenderHTML(data)
	if err != nil {
		return fmt.Errorf("render html: %w", err)
	}
	plain, err := e.templates.RenderPlain(data)
	if err != nil {
		return fmt.Errorf("render plain: %w", err)
	}

	body, err := buildMIMEMessage(cfg, msg, plain, html, e.now())
	if err != nil {
		return err
	}
	return sendMail(ctx, cfg, body)
}

// buildMIMEMessage assembles a multipart/alternative message. Bodies are
// quoted-printable so no line exceeds the SMTP limit whatever the template
// renders. The message is marked auto-generated so vacation responders and
// list servers stay quiet.
func buildMIMEMessage(cfg EmailConfig, m Message, plain, html string, now time.Time) ([]byte, error) {
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	to, err := mail.ParseAddressList(strings.Join(cfg.Recipients, ","))
	if err != nil {
		return nil, fmt.Errorf("recipients: %w", err)
	}
	rcpts := make([]string, len(to))
	for i, a := range to {
		rcpts[i] = formatAddress(a)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	var hdr strings.Builder
	header := func(k, v string) { fmt.Fprintf(&hdr, "%s: %s\r\n", k, v) }
	header("From", formatAddress(from))
	header("To", strings.Join(rcpts, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", m.Title()))
	header("Date", now.Format(time.RFC1123Z))
	header("Message-ID", fmt.Sprintf("<%s.%d@%s>", m.EventID, now.UnixNano(), domainOf(from.Address)))
	header("Auto-Submitted", "auto-generated")
	header("X-Mailwatch-Event", m.EventID)
	header("X-Mailwatch-Severity", string(m.Severity))
	header("MIME-Version", "1.0")
	header("Content-Type", "multipart/alternative; boundary=\""+mw.Boundary()+"\"")
	hdr.WriteString("\r\n")

	for _, part := range []struct{ typ, body string }{
		{"text/plain; charset=UTF-8", plain},
		{"text/html; charset=UTF-8", html},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.typ},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, err
		}
		qp := quotedprintable.NewWriter(w)
		if _, err := qp.Write([]byte(part.body)); err != nil {
			return nil, err
		}
		if err := qp.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return append([]byte(hdr.String()), buf.Bytes()...), nil
}

// formatAddress renders a bare address without angle brackets.
func formatAddress(a *mail.Address) string {
	if a.Name == "" {
		return a.Address
	}
	return a.String()
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "mailwatch.local"
}

// sendMail runs one SMTP transaction. Every read and write is bounded by
// ctx's deadline.
func sendMail(ctx context.Context, cfg EmailConfig, msg []byte) error {
	client, err := dialSMTP(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	defer client.Close()

	if cfg.Username != "" && cfg.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	from, _ := mail.ParseAddress(cfg.From)
	if err := client.Mail(from.Address); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	to, _ := mail.ParseAddressList(strings.Join(cfg.Recipients, ","))
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt.Address); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt.Address, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end of data: %w", err)
	}
	return client.Quit()
}

func dialSMTP(ctx context.Context, cfg EmailConfig) (*smtp.Client, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	tlsConfig := &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	dialer := &net.Dialer{Timeout: 30 * time.Second}

	var conn net.Conn
	var err error
	if cfg.implicitTLS() {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := client.Hello(heloName(cfg.Helo)); err != nil {
		client.Close()
		return nil, fmt.Errorf("EHLO: %w", err)
	}
	if cfg.implicitTLS() || cfg.TLS == TLSNone {
		return client, nil
	}

	ok, _ := client.Extension("STARTTLS")
	switch {
	case ok:
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("STARTTLS: %w", err)
		}
	case cfg.TLS == TLSStartTLS:
		client.Close()
		return nil, fmt.Errorf("server does not offer STARTTLS")
	}
	return client, nil
}

func heloName(configured string) string {
	if configured != "" {
		return configured
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}
