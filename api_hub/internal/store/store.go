// Package store holds the device directory and the command audit trail.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"devicemanager/pkg/api/devicehub"
)

var ErrDeviceNotFound = errors.New("device not found")

// CommandStatus is the audit state of an issued command.
type CommandStatus string

const (
	StatusPending     CommandStatus = "Pending"
	StatusCompleted   CommandStatus = "Completed"
	StatusFailed      CommandStatus = "Failed"
	StatusTimedOut    CommandStatus = "TimedOut"
	StatusUnreachable CommandStatus = "Unreachable"
	StatusRejected    CommandStatus = "Rejected"
)

type Device struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	Name            string
	RoomID          *uuid.UUID
	Online          bool
	LastSeen        *time.Time
	QueryExecutions int
	LastQueryAt     *time.Time
}

// DisplayInfo is the human readable location of a device.
type DisplayInfo struct {
	RoomName     *string
	BuildingName *string
}

type CommandRecord struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	DeviceID    uuid.UUID
	Kind        devicehub.CommandKind
	RequestedBy uuid.UUID
	Payload     json.RawMessage
	Status      CommandStatus
	Message     *string
	IssuedAt    time.Time
	CompletedAt *time.Time
}

type QueryResult struct {
	ExecutionID  uuid.UUID
	TenantID     uuid.UUID
	DeviceID     uuid.UUID
	Success      bool
	ErrorMessage *string
	RawJSON      *string
	DurationMs   int64
	RowCount     int
	ReceivedAt   time.Time
}

// Directory resolves devices and tracks their presence.
type Directory interface {
	DeviceInTenant(ctx context.Context, deviceID, tenantID uuid.UUID) (bool, error)
	SetPresence(ctx context.Context, deviceID uuid.UUID, online bool, at time.Time) error
	DisplayInfo(ctx context.Context, deviceID uuid.UUID) (DisplayInfo, error)
	RecordQueryExecution(ctx context.Context, deviceID uuid.UUID, at time.Time) error
	GetDevice(ctx context.Context, deviceID uuid.UUID) (*Device, error)
}

// AuditSink records issued commands and their outcomes.
type AuditSink interface {
	RecordCommand(ctx context.Context, rec CommandRecord) error
	UpdateCommandStatus(ctx context.Context, commandID uuid.UUID, status CommandStatus, message *string, at time.Time) error
	RecordQueryResult(ctx context.Context, res QueryResult) error
}
