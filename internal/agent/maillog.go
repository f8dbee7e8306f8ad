package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/good-yellow-bee/mailwatch/internal/models"
	"github.com/good-yellow-bee/mailwatch/internal/tailer"
)

// MailOutcome classifies one Postfix log line.
type MailOutcome int

const (
	MailOther MailOutcome = iota
	MailDelivered
	MailBounced
	MailDeferred
	MailRejected
)

// ClassifyMailLine recognizes Postfix delivery and rejection lines.
func ClassifyMailLine(line string) MailOutcome {
	if !strings.Contains(line, "postfix") {
		return MailOther
	}
	if i := strings.Index(line, " status="); i >= 0 {
		status := line[i+len(" status="):]
		if j := strings.IndexAny(status, " ,"); j >= 0 {
			status = status[:j]
		}
		switch status {
		case "sent":
			return MailDelivered
		case "bounced", "expired":
			return MailBounced
		case "deferred":
			return MailDeferred
		}
		return MailOther
	}
	if strings.Contains(line, ": reject: ") || strings.Contains(line, ": milter-reject: ") {
		return MailRejected
	}
	return MailOther
}

// MailLogProbe counts delivery outcomes from the Postfix mail log. It needs
// Run to be running; Collect reports the counts seen since the agent started.
type MailLogProbe struct {
	follower *tailer.Follower

	mu        sync.Mutex
	running   bool
	delivered uint64
	bounced   uint64
	deferred  uint64
	rejected  uint64
}

// NewMailLogProbe creates a probe following path, /var/log/mail.log by default.
func NewMailLogProbe(path string) (*MailLogProbe, error) {
	if path == "" {
		path = "/var/log/mail.log"
	}
	f, err := tailer.New(path, tailer.Options{})
	if err != nil {
		return nil, err
	}
	return &MailLogProbe{follower: f}, nil
}

// Name returns "maillog".
func (p *MailLogProbe) Name() string { return "maillog" }

// Run follows the log until ctx is canceled.
func (p *MailLogProbe) Run(ctx context.Context) error {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	log.Printf("[maillog] following %s", p.follower.Path())
	return p.follower.Run(ctx, p.Observe)
}

// Observe counts one log line.
func (p *MailLogProbe) Observe(line string) {
	outcome := ClassifyMailLine(line)
	if outcome == MailOther {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch outcome {
	case MailDelivered:
		p.delivered++
	case MailBounced:
		p.bounced++
	case MailDeferred:
		p.deferred++
	case MailRejected:
		p.rejected++
	}
}

// Collect sets mailDeliveredTotal, mailBouncedTotal, mailDeferredTotal and
// mailRejectedTotal.
func (p *MailLogProbe) Collect(_ context.Context, sample *models.MetricSample) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return fmt.Errorf("not following %s", p.follower.Path())
	}
	sample.SetService("mailDeliveredTotal", float64(p.delivered))
	sample.SetService("mailBouncedTotal", float64(p.bounced))
	sample.SetService("mailDeferredTotal", float64(p.deferred))
	sample.SetService("mailRejectedTotal", float64(p.rejected))
	return nil
}
