package notify

import (
	"context"
	"time"

	"github.com/ppiankov/runforge/internal/approval"
	"github.com/ppiankov/runforge/internal/audit"
)

// Dispatcher fans out notification events to matching webhook destinations.
type Dispatcher struct {
	configs []WebhookConfig
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []WebhookConfig) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	return &Dispatcher{configs: configs}
}

// Dispatch sends the event to all webhooks subscribed to its type.
// Fires goroutines; does not block the caller.
func (d *Dispatcher) Dispatch(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(audit.TimestampFormat)
	}
	for _, cfg := range d.configs {
		if matches(cfg.Events, event.Type) {
			go Send(cfg, event)
		}
	}
}

// NotifyEscalation satisfies the approval gate's notifier: a parked step
// becomes an approval_requested event.
func (d *Dispatcher) NotifyEscalation(_ context.Context, rec approval.Record) {
	d.Dispatch(Event{
		Type:       EventApprovalRequested,
		WorkflowID: rec.WorkflowID,
		ApprovalID: rec.ID,
		Action:     rec.Action,
		Target:     rec.Target,
		Severity:   string(rec.Severity),
		Confidence: rec.Confidence,
		Reason:     rec.Reason,
	})
}

func matches(events []string, eventType string) bool {
	for _, e := range events {
		if e == eventType {
			return true
		}
	}
	return false
}
