package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/good-yellow-bee/mailwatch/internal/alerting"
	"github.com/good-yellow-bee/mailwatch/internal/models"
)

type recordingSink struct {
	mu       sync.Mutex
	subjects []string
	fail     bool
}

func (s *recordingSink) Publish(subject string, _ any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subjects = append(s.subjects, subject)
	if s.fail {
		return errors.New("nats: connection closed")
	}
	return nil
}

func (s *recordingSink) published() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subjects...)
}

func transition(status models.AlertStatus) alerting.Transition {
	t := alerting.Transition{RuleID: "relay-cpu", From: alerting.PhasePending, To: alerting.PhaseFiring, At: time.Now()}
	if status != "" {
		t.Event = &models.AlertEvent{ID: "evt-1", RuleID: "relay-cpu", Status: status}
	}
	return t
}

func TestSubject(t *testing.T) {
	tests := []struct {
		name   string
		t      alerting.Transition
		want   string
		wantOK bool
	}{
		{"firing", transition(models.AlertFiring), "mailwatch.alerts.firing", true},
		{"resolved", transition(models.AlertResolved), "mailwatch.alerts.resolved", true},
		{"no event", transition(""), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Subject("mailwatch.alerts", tt.t)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Subject() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestForward(t *testing.T) {
	ch := make(chan alerting.Transition, 4)
	ch <- transition(models.AlertFiring)
	ch <- transition("")
	ch <- transition(models.AlertResolved)
	close(ch)

	sink := &recordingSink{}
	Forward(context.Background(), ch, sink, "mw")

	got := sink.published()
	want := []string{"mw.firing", "mw.resolved"}
	if len(got) != len(want) {
		t.Fatalf("published %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("published[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestForward_ContinuesAfterPublishError(t *testing.T) {
	ch := make(chan alerting.Transition, 2)
	ch <- transition(models.AlertFiring)
	ch <- transition(models.AlertResolved)
	close(ch)

	sink := &recordingSink{fail: true}
	Forward(context.Background(), ch, sink, "mw")

	if n := len(sink.published()); n != 2 {
		t.Errorf("attempted %d publishes, want 2", n)
	}
}

func TestForward_StopsOnCancel(t *testing.T) {
	ch := make(chan alerting.Transition)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		Forward(ctx, ch, &recordingSink{}, "mw")
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return after cancel")
	}
}
