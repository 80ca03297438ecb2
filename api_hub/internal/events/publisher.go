// Package events mirrors presence changes and command audit records to Kafka.
// Mirroring is best effort: the directory and audit sink stay the source of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"devicemanager/pkg/api/devicehub"
	"devicemanager/pkg/logging"
)

const (
	DefaultPresenceTopic = "device_presence"
	DefaultAuditTopic    = "device_command_audit"

	EventPresence    = "device_presence"
	EventCommand     = "command_status"
	EventQueryResult = "query_result"
)

// Producer is the slice of the Kafka producer the publisher needs.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

type PresenceEvent struct {
	EventID      uuid.UUID `json:"event_id"`
	DeviceID     uuid.UUID `json:"device_id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	Online       bool      `json:"online"`
	Reason       *string   `json:"reason,omitempty"`
	Hub          string    `json:"hub"`
	ConnectionID string    `json:"connection_id"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type CommandEvent struct {
	EventID     uuid.UUID             `json:"event_id"`
	CommandID   uuid.UUID             `json:"command_id"`
	TenantID    uuid.UUID             `json:"tenant_id,omitempty"`
	DeviceID    uuid.UUID             `json:"device_id,omitempty"`
	Kind        devicehub.CommandKind `json:"kind,omitempty"`
	RequestedBy uuid.UUID             `json:"requested_by,omitempty"`
	Status      string                `json:"status"`
	Message     *string               `json:"message,omitempty"`
	OccurredAt  time.Time             `json:"occurred_at"`
}

type QueryResultEvent struct {
	EventID     uuid.UUID `json:"event_id"`
	ExecutionID uuid.UUID `json:"execution_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	DeviceID    uuid.UUID `json:"device_id"`
	Success     bool      `json:"success"`
	DurationMs  int64     `json:"duration_ms"`
	RowCount    int       `json:"row_count"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Publisher serializes events as JSON records keyed by device id.
type Publisher struct {
	producer      Producer
	presenceTopic string
	auditTopic    string
	source        string
	logger        logging.Logger
}

// NewPublisher builds a publisher. Empty topics fall back to the defaults.
func NewPublisher(producer Producer, presenceTopic, auditTopic, source string, logger logging.Logger) *Publisher {
	if presenceTopic == "" {
		presenceTopic = DefaultPresenceTopic
	}
	if auditTopic == "" {
		auditTopic = DefaultAuditTopic
	}
	return &Publisher{
		producer:      producer,
		presenceTopic: presenceTopic,
		auditTopic:    auditTopic,
		source:        source,
		logger:        logger,
	}
}

func (p *Publisher) PublishPresence(ctx context.Context, e PresenceEvent) error {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	return p.publish(ctx, p.presenceTopic, EventPresence, e.DeviceID, e)
}

func (p *Publisher) PublishCommand(ctx context.Context, e CommandEvent) error {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	key := e.DeviceID
	if key == uuid.Nil {
		key = e.CommandID
	}
	return p.publish(ctx, p.auditTopic, EventCommand, key, e)
}

func (p *Publisher) PublishQueryResult(ctx context.Context, e QueryResultEvent) error {
	if e.EventID == uuid.Nil {
		e.EventID = uuid.New()
	}
	return p.publish(ctx, p.auditTopic, EventQueryResult, e.DeviceID, e)
}

func (p *Publisher) publish(ctx context.Context, topic, eventType string, key uuid.UUID, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	headers := map[string]string{
		"event_type": eventType,
		"source":     p.source,
	}
	if err := p.producer.ProduceMessage(ctx, topic, []byte(key.String()), value, headers); err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}
	return nil
}
