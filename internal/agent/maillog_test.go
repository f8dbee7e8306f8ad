package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/models"
)

func TestClassifyMailLine(t *testing.T) {
	tests := []struct {
		line string
		want MailOutcome
	}{
		{"Oct 17 10:00:01 relay01 postfix/smtp[2211]: 4F2A1: to=<a@example.com>, relay=mx.example.com[192.0.2.1]:25, delay=0.4, dsn=2.0.0, status=sent (250 2.0.0 OK)", MailDelivered},
		{"Oct 17 10:00:02 relay01 postfix/lmtp[301]: 5B1C2: to=<b@example.com>, relay=store01[private/dovecot-lmtp], dsn=2.0.0, status=sent (250 2.0.0 Saved)", MailDelivered},
		{"Oct 17 10:00:03 relay01 postfix/smtp[2212]: 6C3D4: to=<c@example.net>, dsn=5.1.1, status=bounced (host said: 550 5.1.1 unknown user)", MailBounced},
		{"Oct 17 10:00:04 relay01 postfix/qmgr[100]: 7D4E5: from=<d@example.com>, status=expired, returned to sender", MailBounced},
		{"Oct 17 10:00:05 relay01 postfix/smtp[2213]: 8E5F6: to=<e@example.org>, dsn=4.4.1, status=deferred (connect to mx.example.org: Connection timed out)", MailDeferred},
		{"Oct 17 10:00:06 relay01 postfix/smtpd[900]: NOQUEUE: reject: RCPT from unknown[198.51.100.9]: 554 5.7.1 Relay access denied", MailRejected},
		{"Oct 17 10:00:07 relay01 postfix/cleanup[77]: 9F6A7: milter-reject: END-OF-MESSAGE from mail[192.0.2.8]: 5.7.1 Spam message rejected", MailRejected},
		{"Oct 17 10:00:08 relay01 postfix/qmgr[100]: 4F2A1: removed", MailOther},
		{"Oct 17 10:00:09 relay01 dovecot: imap-login: Login: user=<f@example.com>", MailOther},
		{"Oct 17 10:00:10 relay01 postfix/smtp[2214]: A07B8: to=<g@example.com>, status=softbounce", MailOther},
	}

	for _, tt := range tests {
		if got := ClassifyMailLine(tt.line); got != tt.want {
			t.Errorf("ClassifyMailLine(%q) = %d, want %d", tt.line, got, tt.want)
		}
	}
}

func TestMailLogProbe_CollectRequiresRun(t *testing.T) {
	p, err := NewMailLogProbe(filepath.Join(t.TempDir(), "mail.log"))
	if err != nil {
		t.Fatalf("NewMailLogProbe: %v", err)
	}
	sample := models.NewMetricSample("relay-01", models.RoleRelay, time.Now())
	if err := p.Collect(context.Background(), sample); err == nil {
		t.Error("expected error before Run")
	}
}

func TestMailLogProbe_CountsAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mail.log")
	if err := os.WriteFile(path, []byte("postfix/smtp[1]: X: to=<old@example.com>, status=sent (250)\n"), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := NewMailLogProbe(path)
	if err != nil {
		t.Fatalf("NewMailLogProbe: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("postfix/smtp[2]: A: to=<a@example.com>, status=sent (250)\n")
	f.WriteString("postfix/smtp[2]: B: to=<b@example.com>, status=sent (250)\n")
	f.WriteString("postfix/smtp[2]: C: to=<c@example.com>, status=deferred (timeout)\n")
	f.WriteString("postfix/smtpd[3]: NOQUEUE: reject: RCPT from unknown[198.51.100.9]: 554\n")
	f.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		sample := models.NewMetricSample("relay-01", models.RoleRelay, time.Now())
		if err := p.Collect(ctx, sample); err == nil && sample.Service["mailRejectedTotal"] == 1 {
			if sample.Service["mailDeliveredTotal"] != 2 {
				t.Errorf("mailDeliveredTotal = %v, want 2 (existing content skipped)", sample.Service["mailDeliveredTotal"])
			}
			if sample.Service["mailDeferredTotal"] != 1 || sample.Service["mailBouncedTotal"] != 0 {
				t.Errorf("Service = %v", sample.Service)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for counts")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
