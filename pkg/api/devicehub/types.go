package devicehub

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeoutSeconds applies when an operator omits timeoutSeconds.
const DefaultTimeoutSeconds = 30

// CommandEnvelope is the payload of every server to device command push.
// For streaming queries the command id doubles as the execution id.
type CommandEnvelope struct {
	CommandID   uuid.UUID       `json:"commandId"`
	Kind        CommandKind     `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	IssuedAt    time.Time       `json:"issuedAt"`
	RequestedBy uuid.UUID       `json:"requestedBy"`
}

// QueryCommand is the payload of ExecuteStreamingQuery.
type QueryCommand struct {
	Query string `json:"query"`
}

// ReportStatusRequest is sent by devices as a heartbeat.
type ReportStatusRequest struct {
	Status string `json:"status"`
}

// SendPingResponseRequest answers MeasurePing.
type SendPingResponseRequest struct {
	CommandID uuid.UUID `json:"commandId"`
	LatencyMs int64     `json:"latencyMs"`
}

// AcknowledgeCommandRequest answers ExecuteShutdown and ExecuteRestart.
type AcknowledgeCommandRequest struct {
	CommandID uuid.UUID   `json:"commandId"`
	Kind      CommandKind `json:"kind"`
	Success   bool        `json:"success"`
	Message   *string     `json:"message,omitempty"`
}

// StreamQueryRowRequest carries one row of a streaming query.
type StreamQueryRowRequest struct {
	ExecutionID uuid.UUID `json:"executionId"`
	RowJSON     string    `json:"rowJson"`
	RowNumber   int       `json:"rowNumber"`
}

// CompleteQueryStreamRequest ends a streaming query. A non-nil error fails it.
type CompleteQueryStreamRequest struct {
	ExecutionID  uuid.UUID `json:"executionId"`
	ErrorMessage *string   `json:"errorMessage,omitempty"`
}

// SendQueryResultRequest records the final outcome of a query execution.
type SendQueryResultRequest struct {
	ExecutionID  uuid.UUID `json:"executionId"`
	Success      bool      `json:"success"`
	ErrorMessage *string   `json:"errorMessage,omitempty"`
	RawJSON      *string   `json:"rawJson,omitempty"`
	DurationMs   int64     `json:"durationMs"`
	RowCount     int       `json:"rowCount"`
}

// DeviceCommandRequest is the operator-side argument of PingDevice, ShutdownDevice and RestartDevice.
type DeviceCommandRequest struct {
	DeviceID       uuid.UUID `json:"deviceId"`
	TimeoutSeconds *int      `json:"timeoutSeconds,omitempty"`
}

// ExecuteQueryRequest is the operator-side argument of ExecuteQuery.
type ExecuteQueryRequest struct {
	DeviceID       uuid.UUID `json:"deviceId"`
	Query          string    `json:"query"`
	TimeoutSeconds *int      `json:"timeoutSeconds,omitempty"`
}

// Timeout resolves the requested timeout, falling back to DefaultTimeoutSeconds.
func Timeout(seconds *int) time.Duration {
	if seconds == nil || *seconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(*seconds) * time.Second
}

// CommandResult is the completion payload of ShutdownDevice and RestartDevice.
type CommandResult struct {
	CommandID uuid.UUID   `json:"commandId"`
	Kind      CommandKind `json:"kind"`
	Success   bool        `json:"success"`
	Message   *string     `json:"message,omitempty"`
}

// QueryRow is one stream item of ExecuteQuery.
type QueryRow struct {
	RowJSON   string `json:"rowJson"`
	RowNumber int    `json:"rowNumber"`
}

// DeviceStatusNotification is pushed as ReceiveDeviceStatus. Reason is null when none was given.
type DeviceStatusNotification struct {
	DeviceID     uuid.UUID `json:"deviceId"`
	Online       bool      `json:"online"`
	RoomName     *string   `json:"roomName,omitempty"`
	BuildingName *string   `json:"buildingName,omitempty"`
	Reason       *string   `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

// PingResponseNotification is pushed as ReceivePingResponse.
type PingResponseNotification struct {
	DeviceID  uuid.UUID `json:"deviceId"`
	CommandID uuid.UUID `json:"commandId"`
	LatencyMs int64     `json:"latencyMs"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandAcknowledgmentNotification is pushed as ReceiveCommandAcknowledgment.
type CommandAcknowledgmentNotification struct {
	DeviceID    uuid.UUID   `json:"deviceId"`
	CommandID   uuid.UUID   `json:"commandId"`
	CommandType CommandKind `json:"commandType"`
	Success     bool        `json:"success"`
	Message     *string     `json:"message,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// QueryResultNotification is pushed as ReceiveOSQueryResult.
type QueryResultNotification struct {
	DeviceID        uuid.UUID `json:"deviceId"`
	ExecutionID     uuid.UUID `json:"executionId"`
	Success         bool      `json:"success"`
	ErrorMessage    *string   `json:"errorMessage,omitempty"`
	RawJSON         *string   `json:"rawJson,omitempty"`
	ExecutionTimeMs int64     `json:"executionTimeMs"`
	RowCount        int       `json:"rowCount"`
	Timestamp       time.Time `json:"timestamp"`
}

// PairingCodeResponse is the completion payload of RequestPairingCode.
type PairingCodeResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CredentialsNotification is pushed as ReceiveCredentials to the connection that requested the code.
type CredentialsNotification struct {
	DeviceID  uuid.UUID `json:"deviceId"`
	TenantID  uuid.UUID `json:"tenantId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}
