// Package devicehub serves the device side of bosun: device connections
// register here, answer commands, and stream query rows back.
package devicehub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"devicemanager/api_hub/internal/activity"
	"devicemanager/api_hub/internal/correlator"
	"devicemanager/api_hub/internal/registry"
	"devicemanager/api_hub/internal/store"
	"devicemanager/api_hub/internal/websocket"
	api "devicemanager/pkg/api/devicehub"
	"devicemanager/pkg/logging"
)

// Name is the hub name used in logs, metrics and activities.
const Name = "devices"

// Activities accepts connection lifecycle events.
type Activities interface {
	Publish(a activity.Activity)
}

type Config struct {
	Registry   *registry.Registry
	Correlator *correlator.Correlator
	Activities Activities
	Notifier   activity.Notifier
	Directory  store.Directory
	Audit      store.AuditSink
	Logger     logging.Logger
	Now        func() time.Time
}

// Hub implements websocket.Lifecycle for device connections.
type Hub struct {
	registry   *registry.Registry
	correlator *correlator.Correlator
	activities Activities
	notifier   activity.Notifier
	directory  store.Directory
	audit      store.AuditSink
	logger     logging.Logger
	now        func() time.Time
}

func New(cfg Config) *Hub {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		registry:   cfg.Registry,
		correlator: cfg.Correlator,
		activities: cfg.Activities,
		notifier:   cfg.Notifier,
		directory:  cfg.Directory,
		audit:      cfg.Audit,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}

// Router returns the inbound methods of the device hub. Row and end of
// stream signals run inline so a connection's rows keep their order.
func (h *Hub) Router() *websocket.Router {
	r := websocket.NewRouter()
	r.Handle(api.MethodReportStatus, h.reportStatus)
	r.Handle(api.MethodPing, h.ping)
	r.Handle(api.MethodSendPingResponse, h.sendPingResponse)
	r.Handle(api.MethodAcknowledgeCommand, h.acknowledgeCommand)
	r.Handle(api.MethodStreamQueryRow, h.streamQueryRow, websocket.Inline())
	r.Handle(api.MethodCompleteQueryStream, h.completeQueryStream, websocket.Inline())
	r.Handle(api.MethodSendQueryResult, h.sendQueryResult)
	return r
}

// OnConnected registers the device and joins its tenant group.
func (h *Hub) OnConnected(c *websocket.Conn) error {
	id := c.Identity()
	err := h.registry.Register(registry.Connection{
		ID:              c.ID(),
		SubjectID:       id.SubjectID,
		TenantID:        id.TenantID,
		IsDeviceSession: id.IsDeviceSession,
		Peer:            c,
	})
	if err != nil {
		return fmt.Errorf("register device connection: %w", err)
	}
	if err := h.registry.JoinGroup(c.ID(), registry.TenantGroup(id.TenantID)); err != nil {
		h.registry.Unregister(c.ID())
		return fmt.Errorf("join tenant group: %w", err)
	}

	h.activities.Publish(activity.Activity{
		Kind:            activity.KindConnected,
		ConnectionID:    c.ID(),
		SubjectID:       id.SubjectID,
		TenantID:        id.TenantID,
		IsDeviceSession: id.IsDeviceSession,
		HubName:         Name,
		OccurredAt:      h.now().UTC(),
	})
	return nil
}

// OnDisconnected unregisters the connection, fails the commands that were
// waiting on it, and reports the disconnect.
func (h *Hub) OnDisconnected(c *websocket.Conn, reason *string) {
	_, remaining, ok := h.registry.Unregister(c.ID())
	if !ok {
		return
	}
	if failed := h.correlator.ConnectionClosed(c.ID()); failed > 0 {
		c.Logger().WithField("failed_commands", failed).Debug("Failed commands pending on closed connection")
	}

	id := c.Identity()
	h.activities.Publish(activity.Activity{
		Kind:                 activity.KindDisconnected,
		ConnectionID:         c.ID(),
		SubjectID:            id.SubjectID,
		TenantID:             id.TenantID,
		IsDeviceSession:      id.IsDeviceSession,
		HubName:              Name,
		DisconnectReason:     reason,
		RemainingConnections: remaining,
		OccurredAt:           h.now().UTC(),
	})
}

func (h *Hub) reportStatus(_ context.Context, call *websocket.Call) (any, error) {
	var req api.ReportStatusRequest
	if len(call.Payload) > 0 && string(call.Payload) != "null" {
		if err := call.Bind(&req); err != nil {
			return nil, err
		}
	}
	call.Conn.Logger().WithField("status", req.Status).Debug("Device status report")
	return nil, nil
}

func (h *Hub) ping(context.Context, *websocket.Call) (any, error) {
	return "pong", nil
}

func (h *Hub) sendPingResponse(ctx context.Context, call *websocket.Call) (any, error) {
	var req api.SendPingResponseRequest
	if err := call.Bind(&req); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(req.LatencyMs)
	if err != nil {
		return nil, err
	}
	if !h.correlator.Resolve(req.CommandID, call.Conn.ID(), api.KindPing, raw) {
		return nil, nil
	}

	h.relay(ctx, call, api.MethodReceivePingResponse, api.PingResponseNotification{
		DeviceID:  call.Identity.SubjectID,
		CommandID: req.CommandID,
		LatencyMs: req.LatencyMs,
		Timestamp: h.now().UTC(),
	})
	return nil, nil
}

func (h *Hub) acknowledgeCommand(ctx context.Context, call *websocket.Call) (any, error) {
	var req api.AcknowledgeCommandRequest
	if err := call.Bind(&req); err != nil {
		return nil, err
	}
	if req.Kind != api.KindShutdown && req.Kind != api.KindRestart {
		return nil, websocket.BadRequest("kind %q cannot be acknowledged", req.Kind)
	}
	raw, err := json.Marshal(api.CommandResult{
		CommandID: req.CommandID,
		Kind:      req.Kind,
		Success:   req.Success,
		Message:   req.Message,
	})
	if err != nil {
		return nil, err
	}
	if !h.correlator.Resolve(req.CommandID, call.Conn.ID(), req.Kind, raw) {
		return nil, nil
	}

	h.relay(ctx, call, api.MethodReceiveCommandAcknowledgment, api.CommandAcknowledgmentNotification{
		DeviceID:    call.Identity.SubjectID,
		CommandID:   req.CommandID,
		CommandType: req.Kind,
		Success:     req.Success,
		Message:     req.Message,
		Timestamp:   h.now().UTC(),
	})
	return nil, nil
}

func (h *Hub) streamQueryRow(_ context.Context, call *websocket.Call) (any, error) {
	var req api.StreamQueryRowRequest
	if err := call.Bind(&req); err != nil {
		return nil, err
	}
	chunk, err := json.Marshal(api.QueryRow{RowJSON: req.RowJSON, RowNumber: req.RowNumber})
	if err != nil {
		return nil, err
	}
	return nil, h.correlator.Push(req.ExecutionID, call.Conn.ID(), chunk)
}

func (h *Hub) completeQueryStream(_ context.Context, call *websocket.Call) (any, error) {
	var req api.CompleteQueryStreamRequest
	if err := call.Bind(&req); err != nil {
		return nil, err
	}
	msg := ""
	if req.ErrorMessage != nil {
		msg = *req.ErrorMessage
		if msg == "" {
			msg = "query failed"
		}
	}
	h.correlator.End(req.ExecutionID, call.Conn.ID(), msg)
	return nil, nil
}

// sendQueryResult persists the final outcome of a query before telling
// operators about it. The device retries on a persistence failure.
func (h *Hub) sendQueryResult(ctx context.Context, call *websocket.Call) (any, error) {
	var req api.SendQueryResultRequest
	if err := call.Bind(&req); err != nil {
		return nil, err
	}
	now := h.now().UTC()
	deviceID := call.Identity.SubjectID

	err := h.audit.RecordQueryResult(ctx, store.QueryResult{
		ExecutionID:  req.ExecutionID,
		TenantID:     call.Identity.TenantID,
		DeviceID:     deviceID,
		Success:      req.Success,
		ErrorMessage: req.ErrorMessage,
		RawJSON:      req.RawJSON,
		DurationMs:   req.DurationMs,
		RowCount:     req.RowCount,
		ReceivedAt:   now,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: record query result: %v", websocket.ErrPersistenceFailed, err)
	}
	if err := h.directory.RecordQueryExecution(ctx, deviceID, now); err != nil && !errors.Is(err, store.ErrDeviceNotFound) {
		return nil, fmt.Errorf("%w: record query execution: %v", websocket.ErrPersistenceFailed, err)
	}

	h.relay(ctx, call, api.MethodReceiveOSQueryResult, api.QueryResultNotification{
		DeviceID:        deviceID,
		ExecutionID:     req.ExecutionID,
		Success:         req.Success,
		ErrorMessage:    req.ErrorMessage,
		RawJSON:         req.RawJSON,
		ExecutionTimeMs: req.DurationMs,
		RowCount:        req.RowCount,
		Timestamp:       now,
	})
	return nil, nil
}

// relay notifies the device's tenant. Failures are logged only.
func (h *Hub) relay(ctx context.Context, call *websocket.Call, method string, payload any) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.NotifyTenant(ctx, call.Identity.TenantID, method, payload); err != nil {
		call.Conn.Logger().WithError(err).WithField("method", method).Warn("Failed to relay device response to operators")
	}
}
