package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"devicemanager/api_hub/internal/identity"
	"devicemanager/pkg/api/devicehub"
	"devicemanager/pkg/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	sendBufferSize = 256
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateDisconnected State = iota
	StateAuthenticating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn is one live websocket session. The send channel is never closed;
// done signals shutdown to both pumps and to blocked senders.
type Conn struct {
	id       string
	hub      string
	ws       *websocket.Conn
	identity identity.Context
	logger   logging.Entry
	opened   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	reason    *string
	state     atomic.Int32
}

func newConn(parent context.Context, hub string, ws *websocket.Conn, id identity.Context, logger logging.Logger) *Conn {
	ctx, cancel := context.WithCancel(parent)
	c := &Conn{
		id:       uuid.NewString(),
		hub:      hub,
		ws:       ws,
		identity: id,
		opened:   time.Now(),
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
	c.logger = logger.WithFields(logging.Fields{
		"hub":            hub,
		"connection_id":  c.id,
		"subject_id":     id.SubjectID,
		"tenant_id":      id.TenantID,
		"device_session": id.IsDeviceSession,
	})
	c.state.Store(int32(StateAuthenticating))
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Hub returns the name of the hub that accepted the connection.
func (c *Conn) Hub() string { return c.hub }

// Identity returns the identity established at upgrade time.
func (c *Conn) Identity() identity.Context { return c.identity }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Logger returns a logger carrying the connection fields.
func (c *Conn) Logger() logging.Entry { return c.logger }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// Send queues a frame without blocking. A full buffer marks the peer as a
// slow consumer and closes the connection.
func (c *Conn) Send(env devicehub.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.logger.Warn("Send buffer full, closing slow connection")
		c.Close(ErrSlowConsumer.Error())
		return ErrSlowConsumer
	}
}

// SendWait queues a frame, waiting for buffer space until ctx ends or the
// connection closes. Completions and stream items use it so a burst of
// replies applies backpressure instead of dropping the connection.
func (c *Conn) SendWait(ctx context.Context, env devicehub.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Push sends a server to client notification.
func (c *Conn) Push(method string, payload any) error {
	env, err := devicehub.Push(method, payload)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// Close shuts the connection down. The first reason given wins; an empty
// reason records none.
func (c *Conn) Close(reason string) {
	var r *string
	if reason != "" {
		r = &reason
	}
	c.closeWith(r)
}

func (c *Conn) closeWith(reason *string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
		c.cancel()
	})
}

// Reason returns the disconnect reason once the connection closed.
func (c *Conn) Reason() *string {
	select {
	case <-c.done:
		return c.reason
	default:
		return nil
	}
}

// readLoop reads frames until the socket fails and returns the remote reason.
func (c *Conn) readLoop(handle func(devicehub.Envelope)) *string {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Closed locally; the local reason stands.
				return nil
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.WithError(err).Debug("Connection closed unexpectedly")
			}
			return disconnectReason(err)
		}

		var env devicehub.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.WithError(err).Warn("Discarding malformed frame")
			continue
		}
		if env.Type != devicehub.TypeInvocation {
			c.logger.WithField("type", env.Type).Debug("Discarding non-invocation frame")
			continue
		}
		handle(env)
	}
}

// writeLoop drains the send buffer and keeps the peer alive with pings.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.WithError(err).Debug("Write failed")
				c.Close(err.Error())
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(err.Error())
				return
			}

		case <-c.done:
			text := ""
			if c.reason != nil {
				text = *c.reason
			}
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncateCloseText(text)),
				time.Now().Add(writeWait))
			return
		}
	}
}

// disconnectReason extracts the reason a remote peer gave. A clean close
// without text carries no reason.
func disconnectReason(err error) *string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			text := ce.Text
			return &text
		}
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return nil
		}
	}
	text := err.Error()
	return &text
}

// Close frame payloads are capped at 125 bytes, two of which hold the code.
func truncateCloseText(s string) string {
	if len(s) > 123 {
		return s[:123]
	}
	return s
}
