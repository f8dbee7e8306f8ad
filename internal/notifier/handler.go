package notifier

import (
	"context"
	"log"

	"github.com/good-yellow-bee/mailwatch/internal/alerting"
)

// AlertHandler dispatches evaluator transitions that carry an event.
type AlertHandler struct {
	dispatcher *Dispatcher
}

// NewAlertHandler wraps d as an alerting.TransitionHandler.
func NewAlertHandler(d *Dispatcher) *AlertHandler {
	return &AlertHandler{dispatcher: d}
}

var _ alerting.TransitionHandler = (*AlertHandler)(nil)

// HandleTransition dispatches t.Event to the rule's channels and reports
// whether any channel accepted it.
func (h *AlertHandler) HandleTransition(ctx context.Context, t alerting.Transition) bool {
	if t.Event == nil {
		return false
	}
	result := h.dispatcher.Dispatch(ctx, t.Event, t.Channels)
	if result.NoChannels {
		log.Printf("[notifier] rule %s has no enabled channels, event %s not announced", t.RuleID, t.Event.ID)
		return false
	}
	if !result.Notified {
		log.Printf("[notifier] event %s: all %d channels failed", t.Event.ID, len(result.Outcomes))
	}
	return result.Notified
}
