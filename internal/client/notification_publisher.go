package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NotificationPublisher publishes approval events to NATS for consumption by
// the notifications service.
//
// Subject convention: <prefix>.<event_type>, e.g. notifications.expense.assigned
// Event types: submitted, assigned, approved, rejected, auto_approved
//
// All publish operations are non-fatal — errors are logged but never
// propagated, so notification failures never interrupt approval processing.
type NotificationPublisher struct {
	conn          *nats.Conn
	subjectPrefix string
	log           zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id,omitempty"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	InstanceID   string         `json:"instance_id"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher over an established NATS
// connection. A nil connection yields a no-op publisher.
func NewNotificationPublisher(conn *nats.Conn, subjectPrefix string, log zerolog.Logger) *NotificationPublisher {
	if subjectPrefix == "" {
		subjectPrefix = "notifications.expense"
	}
	return &NotificationPublisher{conn: conn, subjectPrefix: subjectPrefix, log: log}
}

// PublishApprovalEvent publishes one approval event.
// Subject: <prefix>.<eventType>
func (p *NotificationPublisher) PublishApprovalEvent(ctx context.Context, eventType, expenseID, instanceID, actorID string, recipients []string, payload map[string]any) {
	if p.conn == nil {
		return
	}
	if len(recipients) == 0 {
		return
	}

	evt := &NotificationEvent{
		EventType:    eventType,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "expense",
		ResourceID:   expenseID,
		InstanceID:   instanceID,
		IsActionable: eventType == "assigned",
		Severity:     "info",
		Category:     "expense_approval",
		Payload:      payload,
	}

	data, err := json.Marshal(evt)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.subjectPrefix, eventType)
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
		Int("recipients", len(recipients)).
		Msg("notification: event published")
}
