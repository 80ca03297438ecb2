package websocket

import (
	"context"
	"encoding/json"
	"sort"

	"devicemanager/api_hub/internal/identity"
)

// Call is one inbound invocation.
type Call struct {
	Conn     *Conn
	Identity identity.Context
	// ID is empty for fire-and-forget invocations.
	ID      string
	Method  string
	Payload json.RawMessage
}

// Bind decodes the payload into v.
func (c *Call) Bind(v any) error {
	if len(c.Payload) == 0 || string(c.Payload) == "null" {
		return BadRequest("%s requires a payload", c.Method)
	}
	if err := json.Unmarshal(c.Payload, v); err != nil {
		return BadRequest("%s: %v", c.Method, err)
	}
	return nil
}

// Handler answers an invocation with a single completion payload.
type Handler func(ctx context.Context, call *Call) (any, error)

// StreamHandler answers an invocation with stream items followed by a completion.
type StreamHandler func(ctx context.Context, call *Call, emit func(item any) error) error

type route struct {
	handler Handler
	stream  StreamHandler
	inline  bool
}

// Option customizes a route.
type Option func(*route)

// Inline runs the handler on the connection's read loop, preserving the
// order of invocations from that connection. Inline handlers must not block
// on anything but the target they feed.
func Inline() Option {
	return func(r *route) { r.inline = true }
}

// Router maps method names to handlers. It is populated before serving and read-only afterwards.
type Router struct {
	routes map[string]route
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]route)}
}

// Handle registers a unary handler.
func (r *Router) Handle(method string, h Handler, opts ...Option) {
	rt := route{handler: h}
	for _, opt := range opts {
		opt(&rt)
	}
	r.routes[method] = rt
}

// HandleStream registers a streaming handler.
func (r *Router) HandleStream(method string, h StreamHandler, opts ...Option) {
	rt := route{stream: h}
	for _, opt := range opts {
		opt(&rt)
	}
	r.routes[method] = rt
}

func (r *Router) lookup(method string) (route, bool) {
	rt, ok := r.routes[method]
	return rt, ok
}

// Methods lists the registered method names.
func (r *Router) Methods() []string {
	out := make([]string, 0, len(r.routes))
	for m := range r.routes {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
