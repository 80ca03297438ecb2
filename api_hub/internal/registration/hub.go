// Package registration pairs new devices with a tenant. An unauthenticated
// device asks for a pairing code, an operator completes the code for one of
// the tenant's devices, and the hub pushes device credentials back to the
// connection that asked.
package registration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"devicemanager/api_hub/internal/correlator"
	"devicemanager/api_hub/internal/identity"
	"devicemanager/api_hub/internal/registry"
	"devicemanager/api_hub/internal/websocket"
	api "devicemanager/pkg/api/devicehub"
	"devicemanager/pkg/auth"
	"devicemanager/pkg/logging"
)

// Name is the hub name used in logs and metrics.
const Name = "registration"

const (
	DefaultCodeTTL  = 10 * time.Minute
	DefaultTokenTTL = 365 * 24 * time.Hour

	maxCodeAttempts = 5
)

var ErrConnectionGone = errors.New("requesting connection is gone")

// Scope confirms that a device belongs to a tenant.
type Scope interface {
	DeviceInTenant(ctx context.Context, deviceID, tenantID uuid.UUID) (bool, error)
}

type Config struct {
	Registry *registry.Registry
	Codes    CodeStore
	Scope    Scope
	Secret   []byte
	CodeTTL  time.Duration
	TokenTTL time.Duration
	Logger   logging.Logger
	Now      func() time.Time
}

type Hub struct {
	registry *registry.Registry
	codes    CodeStore
	scope    Scope
	secret   []byte
	codeTTL  time.Duration
	tokenTTL time.Duration
	logger   logging.Logger
	now      func() time.Time

	mu     sync.Mutex
	byConn map[string]string
}

func New(cfg Config) *Hub {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		registry: cfg.Registry,
		codes:    cfg.Codes,
		scope:    cfg.Scope,
		secret:   cfg.Secret,
		codeTTL:  cfg.CodeTTL,
		tokenTTL: cfg.TokenTTL,
		logger:   cfg.Logger,
		now:      cfg.Now,
		byConn:   make(map[string]string),
	}
}

func (h *Hub) Router() *websocket.Router {
	r := websocket.NewRouter()
	r.Handle(api.MethodRequestPairingCode, h.requestPairingCode)
	return r
}

func (h *Hub) OnConnected(c *websocket.Conn) error {
	return h.registry.Register(registry.Connection{ID: c.ID(), Peer: c})
}

// OnDisconnected drops the connection and any code it still holds.
func (h *Hub) OnDisconnected(c *websocket.Conn, _ *string) {
	h.registry.Unregister(c.ID())

	h.mu.Lock()
	code, ok := h.byConn[c.ID()]
	h.mu.Unlock()
	if ok {
		h.release(c.ID(), code, c.Logger())
	}
}

// release forgets the code held by connID and deletes it from the store.
func (h *Hub) release(connID, code string, log logging.Entry) {
	h.mu.Lock()
	if h.byConn[connID] == code {
		delete(h.byConn, connID)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.codes.Delete(ctx, code); err != nil {
		log.WithError(err).Warn("Failed to delete pairing code of closed connection")
	}
}

func (h *Hub) requestPairingCode(ctx context.Context, call *websocket.Call) (any, error) {
	connID := call.Conn.ID()
	now := h.now().UTC()

	var (
		p   Pairing
		err error
	)
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		var code string
		if code, err = GenerateCode(); err != nil {
			return nil, err
		}
		p = Pairing{Code: code, ConnectionID: connID, CreatedAt: now, ExpiresAt: now.Add(h.codeTTL)}
		if err = h.codes.Put(ctx, p, h.codeTTL); !errors.Is(err, ErrCodeTaken) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("allocate pairing code: %w", err)
	}

	h.mu.Lock()
	previous, had := h.byConn[connID]
	h.byConn[connID] = p.Code
	h.mu.Unlock()
	if had {
		if err := h.codes.Delete(ctx, previous); err != nil {
			call.Conn.Logger().WithError(err).Warn("Failed to delete replaced pairing code")
		}
	}

	// The connection may have closed while the code was being stored, after
	// OnDisconnected already ran.
	select {
	case <-call.Conn.Done():
		h.release(connID, p.Code, call.Conn.Logger())
		return nil, websocket.ErrConnClosed
	default:
	}

	call.Conn.Logger().WithField("expires_at", p.ExpiresAt).Info("Issued pairing code")
	return api.PairingCodeResponse{Code: p.Code, ExpiresAt: p.ExpiresAt}, nil
}

// Lookup returns the pending pairing for code.
func (h *Hub) Lookup(ctx context.Context, code string) (Pairing, error) {
	return h.codes.Get(ctx, NormalizeCode(code))
}

// Complete binds the pairing to deviceID, mints device credentials, and
// pushes them to the connection that requested the code. The code is
// consumed even when that connection is gone.
func (h *Hub) Complete(ctx context.Context, caller identity.Context, code string, deviceID uuid.UUID) (api.CredentialsNotification, error) {
	if err := caller.Validate(); err != nil {
		return api.CredentialsNotification{}, err
	}
	ok, err := h.scope.DeviceInTenant(ctx, deviceID, caller.TenantID)
	if err != nil {
		return api.CredentialsNotification{}, fmt.Errorf("tenant scope check: %w", err)
	}
	if !ok {
		return api.CredentialsNotification{}, correlator.ErrOutOfScope
	}

	p, err := h.codes.Take(ctx, NormalizeCode(code))
	if err != nil {
		return api.CredentialsNotification{}, err
	}
	h.mu.Lock()
	if h.byConn[p.ConnectionID] == p.Code {
		delete(h.byConn, p.ConnectionID)
	}
	h.mu.Unlock()

	log := h.logger.WithFields(logging.Fields{
		"connection_id": p.ConnectionID,
		"device_id":     deviceID,
		"tenant_id":     caller.TenantID,
		"completed_by":  caller.SubjectID,
	})

	conn, ok := h.registry.Get(p.ConnectionID)
	if !ok || conn.Peer == nil {
		log.Info("Pairing completed after the device disconnected")
		return api.CredentialsNotification{}, ErrConnectionGone
	}

	token, err := auth.GenerateDeviceToken(deviceID, caller.TenantID, h.tokenTTL, h.secret)
	if err != nil {
		return api.CredentialsNotification{}, fmt.Errorf("mint device token: %w", err)
	}
	creds := api.CredentialsNotification{
		DeviceID:  deviceID,
		TenantID:  caller.TenantID,
		Token:     token,
		ExpiresAt: h.now().UTC().Add(h.tokenTTL),
	}
	if err := conn.Peer.Push(api.MethodReceiveCredentials, creds); err != nil {
		log.WithError(err).Warn("Failed to deliver device credentials")
		return api.CredentialsNotification{}, fmt.Errorf("%w: %v", ErrConnectionGone, err)
	}

	log.Info("Device paired")
	creds.Token = ""
	return creds, nil
}
