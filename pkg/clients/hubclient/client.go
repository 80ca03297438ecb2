// Package hubclient is a websocket client for the bosun hubs. It correlates
// invocations with their completions and hands server pushes to the caller.
package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"devicemanager/pkg/api/devicehub"
	"devicemanager/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 256
	pushBuffer     = 256
	streamBuffer   = 256
)

// ErrClosed is returned once the connection has gone away.
var ErrClosed = errors.New("hub connection closed")

// HandshakeError reports a rejected upgrade, e.g. 401 for a bad token.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake failed (status: %d): %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Config represents the configuration for a hub client
type Config struct {
	// URL is the full hub endpoint, e.g. https://hub.example.com/hubs/device.
	URL string
	// Token is sent as a bearer Authorization header when set.
	Token  string
	Logger logging.Logger

	HandshakeTimeout time.Duration
}

// Client is one live hub connection.
type Client struct {
	conn   *websocket.Conn
	logger logging.Logger

	send   chan []byte
	pushes chan devicehub.Envelope

	mu     sync.Mutex
	calls  map[string]*call
	nextID atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

type call struct {
	frames    chan devicehub.Envelope
	abandoned chan struct{}
	once      sync.Once
}

func (c *call) abandon() {
	c.once.Do(func() { close(c.abandoned) })
}

// Dial connects to a hub endpoint and starts the read and write pumps.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	wsURL, err := websocketURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger()
	}

	headers := make(http.Header)
	if cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+cfg.Token)
	}

	timeout := cfg.HandshakeTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	c := &Client{
		conn:   conn,
		logger: cfg.Logger,
		send:   make(chan []byte, sendBuffer),
		pushes: make(chan devicehub.Envelope, pushBuffer),
		calls:  make(map[string]*call),
		done:   make(chan struct{}),
	}

	go c.writePump()
	go c.readPump()

	c.logger.WithField("url", wsURL).Debug("Connected to hub")
	return c, nil
}

func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Pushes delivers server pushes in arrival order. It is closed when the
// connection ends. The reader stalls while the channel is full.
func (c *Client) Pushes() <-chan devicehub.Envelope {
	return c.pushes
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, or nil while it is live.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Notify sends a fire-and-forget invocation.
func (c *Client) Notify(ctx context.Context, method string, payload any) error {
	env, err := devicehub.Invocation("", method, payload)
	if err != nil {
		return err
	}
	return c.write(ctx, env)
}

// Invoke sends an invocation and waits for its completion. A failed
// completion is returned as *devicehub.Error.
func (c *Client) Invoke(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	id, cl, err := c.start(ctx, method, payload, 1)
	if err != nil {
		return nil, err
	}
	defer c.finish(id, cl)

	for {
		select {
		case env := <-cl.frames:
			if env.Type != devicehub.TypeCompletion {
				continue
			}
			if env.Error != nil {
				return nil, env.Error
			}
			return env.Payload, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, c.closedErr()
		}
	}
}

// Stream sends a streaming invocation. Items are read with Next.
func (c *Client) Stream(ctx context.Context, method string, payload any) (*Stream, error) {
	id, cl, err := c.start(ctx, method, payload, streamBuffer)
	if err != nil {
		return nil, err
	}
	return &Stream{client: c, id: id, call: cl}, nil
}

func (c *Client) start(ctx context.Context, method string, payload any, buffer int) (string, *call, error) {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	env, err := devicehub.Invocation(id, method, payload)
	if err != nil {
		return "", nil, err
	}

	cl := &call{frames: make(chan devicehub.Envelope, buffer), abandoned: make(chan struct{})}
	c.mu.Lock()
	c.calls[id] = cl
	c.mu.Unlock()

	if err := c.write(ctx, env); err != nil {
		c.finish(id, cl)
		return "", nil, err
	}
	return id, cl, nil
}

func (c *Client) finish(id string, cl *call) {
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
	cl.abandon()
}

func (c *Client) write(ctx context.Context, env devicehub.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	select {
	case c.send <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closedErr()
	}
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}

// Close sends a normal close frame with the given reason and tears the connection down.
func (c *Client) Close(reason string) error {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer close(c.pushes)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.WithError(err).Warn("Hub connection read error")
			}
			c.shutdown(err)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env devicehub.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.WithError(err).Warn("Discarding malformed hub frame")
			continue
		}

		switch env.Type {
		case devicehub.TypePush:
			select {
			case c.pushes <- env:
			case <-c.done:
				return
			}
		case devicehub.TypeCompletion, devicehub.TypeStreamItem:
			c.deliver(env)
		default:
			c.logger.WithField("type", env.Type).Debug("Ignoring unexpected frame type")
		}
	}
}

func (c *Client) deliver(env devicehub.Envelope) {
	c.mu.Lock()
	cl, ok := c.calls[env.ID]
	if ok && env.Type == devicehub.TypeCompletion {
		delete(c.calls, env.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.WithField("invocation_id", env.ID).Debug("Dropping frame for unknown invocation")
		return
	}
	select {
	case cl.frames <- env:
	case <-cl.abandoned:
	case <-c.done:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.shutdown(err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.WithError(err).Warn("Failed to send ping")
				c.shutdown(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Stream is the client side of a streaming invocation.
type Stream struct {
	client *Client
	id     string
	call   *call
	ended  bool
}

// Next returns the next item, io.EOF after a successful completion, or the
// completion error.
func (s *Stream) Next(ctx context.Context) (json.RawMessage, error) {
	if s.ended {
		return nil, io.EOF
	}
	for {
		select {
		case env := <-s.call.frames:
			if item, ok, err := s.handle(env); ok {
				return item, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.client.done:
			select {
			case env := <-s.call.frames:
				if item, ok, err := s.handle(env); ok {
					return item, err
				}
			default:
				s.ended = true
				return nil, s.client.closedErr()
			}
		}
	}
}

func (s *Stream) handle(env devicehub.Envelope) (json.RawMessage, bool, error) {
	switch env.Type {
	case devicehub.TypeStreamItem:
		return env.Payload, true, nil
	case devicehub.TypeCompletion:
		s.ended = true
		s.call.abandon()
		if env.Error != nil {
			return nil, true, env.Error
		}
		return nil, true, io.EOF
	}
	return nil, false, nil
}

// Close stops delivery of further items.
func (s *Stream) Close() {
	s.client.finish(s.id, s.call)
}
