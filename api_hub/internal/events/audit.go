package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"devicemanager/api_hub/internal/store"
	"devicemanager/pkg/logging"
)

const mirrorTimeout = 5 * time.Second

// MirroredAudit wraps an AuditSink and mirrors every successful write.
// Mirror failures are logged and never fail the write.
type MirroredAudit struct {
	sink      store.AuditSink
	publisher *Publisher
	logger    logging.Logger
}

var _ store.AuditSink = (*MirroredAudit)(nil)

func NewMirroredAudit(sink store.AuditSink, publisher *Publisher, logger logging.Logger) *MirroredAudit {
	return &MirroredAudit{sink: sink, publisher: publisher, logger: logger}
}

func (m *MirroredAudit) RecordCommand(ctx context.Context, rec store.CommandRecord) error {
	if err := m.sink.RecordCommand(ctx, rec); err != nil {
		return err
	}
	m.mirror(ctx, rec.ID, func(ctx context.Context) error {
		return m.publisher.PublishCommand(ctx, CommandEvent{
			CommandID:   rec.ID,
			TenantID:    rec.TenantID,
			DeviceID:    rec.DeviceID,
			Kind:        rec.Kind,
			RequestedBy: rec.RequestedBy,
			Status:      string(rec.Status),
			Message:     rec.Message,
			OccurredAt:  rec.IssuedAt,
		})
	})
	return nil
}

func (m *MirroredAudit) UpdateCommandStatus(ctx context.Context, commandID uuid.UUID, status store.CommandStatus, message *string, at time.Time) error {
	if err := m.sink.UpdateCommandStatus(ctx, commandID, status, message, at); err != nil {
		return err
	}
	m.mirror(ctx, commandID, func(ctx context.Context) error {
		return m.publisher.PublishCommand(ctx, CommandEvent{
			CommandID:  commandID,
			Status:     string(status),
			Message:    message,
			OccurredAt: at,
		})
	})
	return nil
}

func (m *MirroredAudit) RecordQueryResult(ctx context.Context, r store.QueryResult) error {
	if err := m.sink.RecordQueryResult(ctx, r); err != nil {
		return err
	}
	m.mirror(ctx, r.ExecutionID, func(ctx context.Context) error {
		return m.publisher.PublishQueryResult(ctx, QueryResultEvent{
			ExecutionID: r.ExecutionID,
			TenantID:    r.TenantID,
			DeviceID:    r.DeviceID,
			Success:     r.Success,
			DurationMs:  r.DurationMs,
			RowCount:    r.RowCount,
			OccurredAt:  r.ReceivedAt,
		})
	})
	return nil
}

func (m *MirroredAudit) mirror(ctx context.Context, id uuid.UUID, publish func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	defer cancel()
	if err := publish(ctx); err != nil {
		m.logger.WithError(err).WithField("command_id", id).Warn("Failed to mirror audit record")
	}
}
