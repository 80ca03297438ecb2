// Package operatorhub serves operator connections: it turns operator
// invocations into audited device commands and fans device notifications
// out to the operators of a tenant.
package operatorhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"devicemanager/api_hub/internal/correlator"
	"devicemanager/api_hub/internal/registry"
	"devicemanager/api_hub/internal/store"
	"devicemanager/api_hub/internal/websocket"
	api "devicemanager/pkg/api/devicehub"
	"devicemanager/pkg/logging"
)

// Name is the hub name used in logs and metrics.
const Name = "operators"

const (
	defaultQueryTimeout = 5 * time.Minute
	auditWriteTimeout   = 5 * time.Second
)

// Commands dispatches device commands.
type Commands interface {
	SendAndAwait(ctx context.Context, req correlator.Request) (json.RawMessage, error)
	SendAndStream(ctx context.Context, req correlator.Request) (*correlator.Stream, error)
}

type Config struct {
	Registry *registry.Registry
	Commands Commands
	Audit    store.AuditSink
	// QueryTimeout applies to ExecuteQuery calls without timeoutSeconds.
	QueryTimeout time.Duration
	Logger       logging.Logger
	Now          func() time.Time
}

// Hub implements websocket.Lifecycle for operator connections and
// activity.Notifier for everything that pushes to operators.
type Hub struct {
	registry     *registry.Registry
	commands     Commands
	audit        store.AuditSink
	queryTimeout time.Duration
	logger       logging.Logger
	now          func() time.Time
}

func New(cfg Config) *Hub {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		registry:     cfg.Registry,
		commands:     cfg.Commands,
		audit:        cfg.Audit,
		queryTimeout: cfg.QueryTimeout,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
}

// Router returns the inbound methods of the operator hub.
func (h *Hub) Router() *websocket.Router {
	r := websocket.NewRouter()
	r.Handle(api.MethodPingDevice, h.command(api.KindPing))
	r.Handle(api.MethodShutdownDevice, h.command(api.KindShutdown))
	r.Handle(api.MethodRestartDevice, h.command(api.KindRestart))
	r.HandleStream(api.MethodExecuteQuery, h.executeQuery)
	return r
}

// OnConnected registers the operator and subscribes it to its tenant.
func (h *Hub) OnConnected(c *websocket.Conn) error {
	id := c.Identity()
	err := h.registry.Register(registry.Connection{
		ID:        c.ID(),
		SubjectID: id.SubjectID,
		TenantID:  id.TenantID,
		Peer:      c,
	})
	if err != nil {
		return fmt.Errorf("register operator connection: %w", err)
	}
	if err := h.registry.JoinGroup(c.ID(), registry.TenantGroup(id.TenantID)); err != nil {
		h.registry.Unregister(c.ID())
		return fmt.Errorf("join tenant group: %w", err)
	}
	return nil
}

func (h *Hub) OnDisconnected(c *websocket.Conn, _ *string) {
	h.registry.Unregister(c.ID())
}

// NotifyTenant pushes to every operator connection in the tenant group.
// A failed push affects only that connection.
func (h *Hub) NotifyTenant(_ context.Context, tenantID uuid.UUID, method string, payload any) error {
	var errs []error
	delivered := 0
	for _, conn := range h.registry.ConnectionsIn(registry.TenantGroup(tenantID)) {
		if conn.TenantID != tenantID || conn.Peer == nil {
			continue
		}
		if err := conn.Peer.Push(method, payload); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", conn.ID, err))
			continue
		}
		delivered++
	}
	h.logger.WithFields(logging.Fields{
		"tenant_id": tenantID,
		"method":    method,
		"delivered": delivered,
	}).Debug("Notified tenant operators")
	return errors.Join(errs...)
}

func (h *Hub) command(kind api.CommandKind) websocket.Handler {
	return func(ctx context.Context, call *websocket.Call) (any, error) {
		var req api.DeviceCommandRequest
		if err := call.Bind(&req); err != nil {
			return nil, err
		}
		if req.DeviceID == uuid.Nil {
			return nil, websocket.BadRequest("deviceId is required")
		}

		commandID := uuid.New()
		if err := h.begin(ctx, call, commandID, req.DeviceID, kind, nil); err != nil {
			return nil, err
		}

		raw, err := h.commands.SendAndAwait(ctx, correlator.Request{
			CommandID: commandID,
			Caller:    call.Identity,
			Target:    req.DeviceID,
			Kind:      kind,
			Timeout:   api.Timeout(req.TimeoutSeconds),
		})
		if err != nil {
			h.finish(ctx, call, commandID, statusFor(err), err)
			if errors.Is(err, correlator.ErrTimedOut) {
				return nil, nil
			}
			return nil, err
		}

		if kind == api.KindPing {
			h.finish(ctx, call, commandID, store.StatusCompleted, nil)
			return raw, nil
		}

		var result api.CommandResult
		if err := json.Unmarshal(raw, &result); err != nil {
			h.finish(ctx, call, commandID, store.StatusFailed, err)
			return nil, fmt.Errorf("decode command result: %w", err)
		}
		if result.Success {
			h.finish(ctx, call, commandID, store.StatusCompleted, nil)
		} else {
			h.finishWithMessage(ctx, call, commandID, store.StatusFailed, result.Message)
		}
		return result, nil
	}
}

func (h *Hub) executeQuery(ctx context.Context, call *websocket.Call, emit func(any) error) error {
	var req api.ExecuteQueryRequest
	if err := call.Bind(&req); err != nil {
		return err
	}
	if req.DeviceID == uuid.Nil {
		return websocket.BadRequest("deviceId is required")
	}
	if req.Query == "" {
		return websocket.BadRequest("query is required")
	}

	timeout := h.queryTimeout
	if req.TimeoutSeconds != nil {
		timeout = api.Timeout(req.TimeoutSeconds)
	}

	executionID := uuid.New()
	if err := h.begin(ctx, call, executionID, req.DeviceID, api.KindStreamingQuery, api.QueryCommand{Query: req.Query}); err != nil {
		return err
	}

	stream, err := h.commands.SendAndStream(ctx, correlator.Request{
		CommandID: executionID,
		Caller:    call.Identity,
		Target:    req.DeviceID,
		Kind:      api.KindStreamingQuery,
		Payload:   api.QueryCommand{Query: req.Query},
		Timeout:   timeout,
	})
	if err != nil {
		h.finish(ctx, call, executionID, statusFor(err), err)
		return err
	}
	defer stream.Close()

	rows := 0
	for {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.finish(ctx, call, executionID, statusFor(err), err)
			return err
		}
		if err := emit(chunk); err != nil {
			h.finish(ctx, call, executionID, store.StatusFailed, err)
			return err
		}
		rows++
	}

	call.Conn.Logger().WithFields(logging.Fields{
		"execution_id": executionID,
		"device_id":    req.DeviceID,
		"rows":         rows,
	}).Debug("Query stream completed")
	h.finish(ctx, call, executionID, store.StatusCompleted, nil)
	return nil
}

// begin writes the Pending audit entry. A command whose audit entry cannot
// be written is not dispatched.
func (h *Hub) begin(ctx context.Context, call *websocket.Call, id, deviceID uuid.UUID, kind api.CommandKind, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	err := h.audit.RecordCommand(ctx, store.CommandRecord{
		ID:          id,
		TenantID:    call.Identity.TenantID,
		DeviceID:    deviceID,
		Kind:        kind,
		RequestedBy: call.Identity.SubjectID,
		Payload:     raw,
		Status:      store.StatusPending,
		IssuedAt:    h.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", websocket.ErrPersistenceFailed, err)
	}
	return nil
}

func (h *Hub) finish(ctx context.Context, call *websocket.Call, id uuid.UUID, status store.CommandStatus, cause error) {
	var msg *string
	if cause != nil {
		text := cause.Error()
		msg = &text
	}
	h.finishWithMessage(ctx, call, id, status, msg)
}

// finishWithMessage records the outcome even when the operator has gone away.
func (h *Hub) finishWithMessage(ctx context.Context, call *websocket.Call, id uuid.UUID, status store.CommandStatus, msg *string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()
	if err := h.audit.UpdateCommandStatus(ctx, id, status, msg, h.now().UTC()); err != nil {
		call.Conn.Logger().WithError(err).WithFields(logging.Fields{
			"command_id": id,
			"status":     status,
		}).Error("Failed to record command outcome")
	}
}

func statusFor(err error) store.CommandStatus {
	switch {
	case err == nil:
		return store.StatusCompleted
	case errors.Is(err, correlator.ErrTimedOut):
		return store.StatusTimedOut
	case errors.Is(err, correlator.ErrTargetUnreachable):
		return store.StatusUnreachable
	case errors.Is(err, correlator.ErrOutOfScope):
		return store.StatusRejected
	default:
		return store.StatusFailed
	}
}
