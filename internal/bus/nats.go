// Package bus publishes alert transitions to NATS.
package bus

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/good-yellow-bee/mailwatch/internal/alerting"
	"github.com/good-yellow-bee/mailwatch/internal/models"
)

// Publisher publishes JSON payloads on a NATS connection.
type Publisher struct {
	Conn *nats.Conn
}

// NewPublisher connects to the NATS server at url.
func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("mailwatch-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[bus] disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Printf("[bus] reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{Conn: conn}, nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.Conn != nil {
		p.Conn.Drain()
		p.Conn.Close()
	}
}

// Publish marshals payload as JSON and publishes it on subject.
func (p *Publisher) Publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.Conn.Publish(subject, data)
}

// Sink receives published payloads.
type Sink interface {
	Publish(subject string, payload any) error
}

// TransitionMessage is the payload published for an alert transition.
type TransitionMessage struct {
	RuleID   string             `json:"ruleId"`
	RuleName string             `json:"ruleName"`
	NodeID   string             `json:"nodeId,omitempty"`
	From     string             `json:"from"`
	To       string             `json:"to"`
	At       time.Time          `json:"at"`
	Event    *models.AlertEvent `json:"event"`
}

// Subject returns the subject a transition is published on, or false for
// transitions that carry no event.
func Subject(prefix string, t alerting.Transition) (string, bool) {
	if t.Event == nil {
		return "", false
	}
	switch t.Event.Status {
	case models.AlertFiring:
		return prefix + ".firing", true
	case models.AlertResolved:
		return prefix + ".resolved", true
	default:
		return "", false
	}
}

// Forward publishes every firing and resolved transition read from
// transitions until the channel closes or ctx is canceled. Publish errors
// are logged and the transition dropped.
func Forward(ctx context.Context, transitions <-chan alerting.Transition, sink Sink, prefix string) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-transitions:
			if !ok {
				return
			}
			subject, ok := Subject(prefix, t)
			if !ok {
				continue
			}
			msg := TransitionMessage{
				RuleID:   t.RuleID,
				RuleName: t.RuleName,
				NodeID:   t.NodeID,
				From:     string(t.From),
				To:       string(t.To),
				At:       t.At,
				Event:    t.Event,
			}
			if err := sink.Publish(subject, msg); err != nil {
				log.Printf("[bus] publish %s for rule %s failed: %v", subject, t.RuleID, err)
			}
		}
	}
}
