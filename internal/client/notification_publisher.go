package client

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-expenses/internal/logger"
)

// natsConn is the subset of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subject string, data []byte) error
}

// NotificationPublisher publishes expense workflow events to NATS for the
// notifications service.
//
// Subject convention: <prefix>.<event kind without the "expense." prefix>,
// e.g. notifications.expenses.approval_required.
//
// Publishing is non-fatal: failures are logged and never reach the caller,
// so a broker outage never blocks an approval.
type NotificationPublisher struct {
	conn   natsConn
	prefix string
	log    *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	Recipients   []string               `json:"recipients,omitempty"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	OccurredAt   time.Time              `json:"occurred_at"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// ConnectNATS dials the broker. Reconnects are left to the client library.
func ConnectNATS(url, name string, wait time.Duration) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.Timeout(wait),
		nats.MaxReconnects(-1),
	)
}

// NewNotificationPublisher creates a publisher on conn. A nil conn turns the
// publisher into a logger of events.
func NewNotificationPublisher(conn *nats.Conn, prefix string, log *logger.Logger) *NotificationPublisher {
	p := &NotificationPublisher{prefix: strings.TrimSuffix(prefix, "."), log: log}
	if conn != nil {
		p.conn = conn
	}
	return p
}

// Publish implements service.EventPublisher.
func (p *NotificationPublisher) Publish(_ context.Context, kind, expenseID string, payload map[string]interface{}) {
	event := &NotificationEvent{
		EventType:    kind,
		ResourceType: "expense",
		ResourceID:   expenseID,
		Recipients:   recipients(payload),
		IsActionable: kind == "expense.approval_required",
		Severity:     severity(kind),
		Category:     "expense_approval",
		OccurredAt:   time.Now().UTC(),
		Payload:      payload,
	}

	if p.conn == nil {
		p.log.Info().
			Str("event_type", kind).
			Str("expense_id", expenseID).
			Strs("recipients", event.Recipients).
			Msg("notification: event (no broker configured)")
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", kind).Msg("notification: failed to marshal event")
		return
	}

	subject := p.subject(kind)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("expense_id", expenseID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("expense_id", expenseID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
}

func (p *NotificationPublisher) subject(kind string) string {
	return p.prefix + "." + strings.TrimPrefix(kind, "expense.")
}

func recipients(payload map[string]interface{}) []string {
	ids, _ := payload["recipients"].([]string)
	return ids
}

func severity(kind string) string {
	if kind == "expense.rejected" {
		return "warning"
	}
	return "info"
}
