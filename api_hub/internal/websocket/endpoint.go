// Package websocket is the duplex transport shared by the bosun hubs: it
// authenticates before upgrade, runs one read and one write pump per
// connection, and dispatches invocations to a Router through a shared Pool.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"devicemanager/api_hub/internal/identity"
	"devicemanager/pkg/api/devicehub"
	"devicemanager/pkg/auth"
	"devicemanager/pkg/logging"
)

// SessionPolicy decides which principals an endpoint admits.
type SessionPolicy int

const (
	// RequireDevice admits device sessions only.
	RequireDevice SessionPolicy = iota
	// RequireOperator admits non-device sessions only.
	RequireOperator
	// AllowAnonymous skips authentication entirely.
	AllowAnonymous
)

// Lifecycle is notified when a connection becomes Connected and when it closes.
// An OnConnected error closes the connection before any frame is read.
type Lifecycle interface {
	OnConnected(c *Conn) error
	OnDisconnected(c *Conn, reason *string)
}

// Observer receives transport level measurements.
type Observer interface {
	ConnectionOpened(hub string)
	ConnectionClosed(hub string, lifetime time.Duration)
	InvocationHandled(hub, method, code string, duration time.Duration)
	AuthRejected(hub string, status int)
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened(string)                                 {}
func (nopObserver) ConnectionClosed(string, time.Duration)                  {}
func (nopObserver) InvocationHandled(string, string, string, time.Duration) {}
func (nopObserver) AuthRejected(string, int)                                {}

// Config assembles an endpoint.
type Config struct {
	Name      string
	Policy    SessionPolicy
	Verifier  auth.Verifier
	Router    *Router
	Pool      *Pool
	Lifecycle Lifecycle
	Logger    logging.Logger
	Observer  Observer

	// BaseContext parents every connection context. Cancelling it closes all connections.
	BaseContext context.Context
}

// Endpoint serves one hub path.
type Endpoint struct {
	cfg      Config
	upgrader websocket.Upgrader
}

// NewEndpoint validates cfg and builds an endpoint.
func NewEndpoint(cfg Config) (*Endpoint, error) {
	if cfg.Name == "" {
		return nil, errors.New("endpoint name is required")
	}
	if cfg.Router == nil || cfg.Lifecycle == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("endpoint %s: router, lifecycle and logger are required", cfg.Name)
	}
	if cfg.Policy != AllowAnonymous && cfg.Verifier == nil {
		return nil, fmt.Errorf("endpoint %s: verifier is required", cfg.Name)
	}
	if cfg.Pool == nil {
		cfg.Pool = NewPool(DefaultPoolSize)
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	return &Endpoint{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Name returns the hub name.
func (e *Endpoint) Name() string { return e.cfg.Name }

// GinHandler adapts the endpoint to a gin route.
func (e *Endpoint) GinHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		e.ServeHTTP(c.Writer, c.Request)
	}
}

func (e *Endpoint) authenticate(r *http.Request) (identity.Context, int, error) {
	if e.cfg.Policy == AllowAnonymous {
		return identity.Anonymous(), 0, nil
	}

	principal, err := e.cfg.Verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		return identity.Context{}, http.StatusUnauthorized, err
	}
	switch {
	case e.cfg.Policy == RequireDevice && !principal.IsDeviceSession:
		return identity.Context{}, http.StatusForbidden, errors.New("device session required")
	case e.cfg.Policy == RequireOperator && principal.IsDeviceSession:
		return identity.Context{}, http.StatusForbidden, errors.New("device sessions cannot use this hub")
	}

	id := identity.Populate(principal)
	if err := id.Validate(); err != nil {
		return identity.Context{}, http.StatusUnauthorized, err
	}
	return id, 0, nil
}

// ServeHTTP authenticates, upgrades, and serves the connection until it closes.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := e.cfg.Logger.WithFields(logging.Fields{
		"hub":       e.cfg.Name,
		"remote_ip": r.RemoteAddr,
	})

	id, status, err := e.authenticate(r)
	if err != nil {
		log.WithError(err).WithField("status", status).Info("Rejected hub connection")
		e.cfg.Observer.AuthRejected(e.cfg.Name, status)
		http.Error(w, http.StatusText(status), status)
		return
	}

	ws, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	conn := newConn(e.cfg.BaseContext, e.cfg.Name, ws, id, e.cfg.Logger)
	go conn.writeLoop()

	if err := e.cfg.Lifecycle.OnConnected(conn); err != nil {
		conn.logger.WithError(err).Warn("Connection setup failed")
		conn.Close("connection setup failed")
		conn.setState(StateDisconnected)
		return
	}
	conn.setState(StateConnected)
	e.cfg.Observer.ConnectionOpened(e.cfg.Name)
	conn.logger.Info("Hub connection established")

	remote := conn.readLoop(func(env devicehub.Envelope) {
		e.dispatch(conn, env)
	})
	conn.closeWith(remote)
	reason := conn.Reason()

	e.cfg.Lifecycle.OnDisconnected(conn, reason)
	conn.setState(StateDisconnected)
	e.cfg.Observer.ConnectionClosed(e.cfg.Name, time.Since(conn.opened))

	fields := logging.Fields{}
	if reason != nil {
		fields["reason"] = *reason
	}
	conn.logger.WithFields(fields).Info("Hub connection closed")
}

func (e *Endpoint) dispatch(conn *Conn, env devicehub.Envelope) {
	rt, ok := e.cfg.Router.lookup(env.Method)
	if !ok {
		conn.logger.WithField("method", env.Method).Debug("Invocation of unknown method")
		if env.ID != "" {
			_ = conn.SendWait(conn.ctx, devicehub.Failure(env.ID, devicehub.CodeUnknownMethod,
				fmt.Sprintf("%s: %s", ErrUnknownMethod, env.Method)))
		}
		e.cfg.Observer.InvocationHandled(e.cfg.Name, env.Method, devicehub.CodeUnknownMethod, 0)
		return
	}

	call := &Call{
		Conn:     conn,
		Identity: conn.identity.ForInvocation(),
		ID:       env.ID,
		Method:   env.Method,
		Payload:  env.Payload,
	}
	if rt.inline {
		e.invoke(conn, rt, call)
		return
	}
	if err := e.cfg.Pool.Go(conn.ctx, func() { e.invoke(conn, rt, call) }); err != nil {
		conn.logger.WithField("method", env.Method).Debug("Connection closed before invocation could run")
	}
}

func (e *Endpoint) invoke(conn *Conn, rt route, call *Call) {
	start := time.Now()
	ctx := conn.ctx
	log := conn.logger.WithFields(logging.Fields{
		"method":        call.Method,
		"invocation_id": call.ID,
		"request_id":    call.Identity.RequestID,
	})

	var (
		out any
		err error
	)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithField("panic", rec).Error("Invocation handler panicked")
				err = fmt.Errorf("handler panic: %v", rec)
			}
		}()
		if rt.stream != nil {
			err = rt.stream(ctx, call, func(item any) error {
				if call.ID == "" {
					return nil
				}
				frame, ferr := devicehub.StreamItem(call.ID, item)
				if ferr != nil {
					return ferr
				}
				return conn.SendWait(ctx, frame)
			})
			return
		}
		out, err = rt.handler(ctx, call)
	}()

	code := ErrorCode(err)
	e.cfg.Observer.InvocationHandled(e.cfg.Name, call.Method, code, time.Since(start))

	if err != nil {
		if code == devicehub.CodeInternal {
			log.WithError(err).Error("Invocation failed")
		} else {
			log.WithError(err).WithField("code", code).Debug("Invocation returned error")
		}
	}
	if call.ID == "" {
		return
	}

	var frame devicehub.Envelope
	if err != nil {
		frame = failure(call.ID, err)
	} else if frame, err = devicehub.Completion(call.ID, out); err != nil {
		log.WithError(err).Error("Failed to encode completion")
		frame = failure(call.ID, err)
	}
	if serr := conn.SendWait(ctx, frame); serr != nil && !errors.Is(serr, ErrConnClosed) && !errors.Is(serr, context.Canceled) {
		log.WithError(serr).Warn("Failed to send completion")
	}
}
