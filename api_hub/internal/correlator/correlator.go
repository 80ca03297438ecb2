// Package correlator matches commands sent to devices with the responses
// that devices send back on a different invocation.
//
// A command is registered in the pending table before it is dispatched.
// Whichever of resolution, failure, timeout, cancellation or target
// disconnect takes the entry out of the table first decides the outcome;
// every later signal for the same command id is stale and only logged.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"devicemanager/api_hub/internal/identity"
	"devicemanager/api_hub/internal/registry"
	"devicemanager/pkg/api/devicehub"
	"devicemanager/pkg/logging"
)

var (
	ErrTargetUnreachable  = errors.New("target device is not connected")
	ErrTimedOut           = errors.New("command timed out")
	ErrOutOfScope         = errors.New("device is not in the caller's tenant")
	ErrTargetDisconnected = errors.New("target device disconnected")
	ErrDuplicateCommand   = errors.New("command id already pending")
	ErrStreamOverflow     = errors.New("stream consumer is not keeping up")
	ErrStreamClosed       = errors.New("stream closed")
	ErrInvalidKind        = errors.New("unknown command kind")
)

// Outcome labels reported to the Observer.
const (
	OutcomeCompleted    = "completed"
	OutcomeFailed       = "failed"
	OutcomeTimedOut     = "timed_out"
	OutcomeUnreachable  = "unreachable"
	OutcomeOutOfScope   = "out_of_scope"
	OutcomeDisconnected = "disconnected"
	OutcomeCancelled    = "cancelled"
	OutcomeOverflow     = "overflow"
)

const (
	shardCount = 16

	DefaultTimeout           = devicehub.DefaultTimeoutSeconds * time.Second
	DefaultStreamBuffer      = 256
	DefaultStreamPushTimeout = 5 * time.Second
)

// Scope confirms that a device belongs to a tenant.
type Scope interface {
	DeviceInTenant(ctx context.Context, deviceID, tenantID uuid.UUID) (bool, error)
}

// Targets resolves the live connections of a device.
type Targets interface {
	ConnectionsFor(subjectID uuid.UUID) []registry.Connection
}

// Observer receives command outcomes and pending table size.
type Observer interface {
	ObserveCommand(kind devicehub.CommandKind, outcome string, latency time.Duration)
	SetPending(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveCommand(devicehub.CommandKind, string, time.Duration) {}
func (nopObserver) SetPending(int)                                              {}

// Config tunes timeouts and stream buffering.
type Config struct {
	// MaxTimeout clamps caller supplied timeouts. Zero disables clamping.
	MaxTimeout        time.Duration
	StreamBuffer      int
	StreamPushTimeout time.Duration
	Now               func() time.Time
}

// Request describes one command.
type Request struct {
	// CommandID is generated when nil.
	CommandID uuid.UUID
	Caller    identity.Context
	Target    uuid.UUID
	Kind      devicehub.CommandKind
	Payload   any
	Timeout   time.Duration
}

type result struct {
	payload json.RawMessage
	err     error
}

type pending struct {
	id       uuid.UUID
	target   uuid.UUID
	kind     devicehub.CommandKind
	issuedAt time.Time
	deadline time.Time
	// targets is guarded by the owning shard's lock.
	targets map[string]struct{}

	result chan result
	stream *Stream
}

type shard struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*pending
}

// Correlator owns the pending command table.
type Correlator struct {
	scope    Scope
	targets  Targets
	cfg      Config
	logger   logging.Logger
	observer Observer

	shards [shardCount]shard

	idxMu  sync.Mutex
	byConn map[string]map[uuid.UUID]struct{}
}

// New creates a correlator. scope may be nil, in which case tenant scoping
// relies on the target connection filter alone.
func New(scope Scope, targets Targets, cfg Config, observer Observer, logger logging.Logger) *Correlator {
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = DefaultStreamBuffer
	}
	if cfg.StreamPushTimeout <= 0 {
		cfg.StreamPushTimeout = DefaultStreamPushTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if observer == nil {
		observer = nopObserver{}
	}
	c := &Correlator{
		scope:    scope,
		targets:  targets,
		cfg:      cfg,
		logger:   logger,
		observer: observer,
		byConn:   make(map[string]map[uuid.UUID]struct{}),
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[uuid.UUID]*pending)
	}
	return c
}

func (c *Correlator) shardFor(id uuid.UUID) *shard {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return &c.shards[h.Sum32()%shardCount]
}

func (c *Correlator) timeoutFor(d time.Duration) time.Duration {
	if d <= 0 {
		d = DefaultTimeout
	}
	if c.cfg.MaxTimeout > 0 && d > c.cfg.MaxTimeout {
		d = c.cfg.MaxTimeout
	}
	return d
}

// SendAndAwait dispatches a command and waits for its single result.
func (c *Correlator) SendAndAwait(ctx context.Context, req Request) (json.RawMessage, error) {
	p, err := c.dispatch(ctx, &req, nil)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()

	select {
	case r := <-p.result:
		c.observe(p, r.err)
		return r.payload, r.err
	case <-timer.C:
		if c.take(p.id, "", "") != nil {
			c.observe(p, ErrTimedOut)
			return nil, ErrTimedOut
		}
	case <-ctx.Done():
		if c.take(p.id, "", "") != nil {
			c.observe(p, ctx.Err())
			return nil, ctx.Err()
		}
	}

	// Lost the race against a concurrent resolution, which has already
	// taken the entry and is delivering into the result slot.
	r := <-p.result
	c.observe(p, r.err)
	return r.payload, r.err
}

// SendAndStream dispatches a command whose response is an ordered stream of chunks.
func (c *Correlator) SendAndStream(ctx context.Context, req Request) (*Stream, error) {
	s := &Stream{
		correlator: c,
		items:      make(chan json.RawMessage, c.cfg.StreamBuffer),
		finished:   make(chan struct{}),
	}
	p, err := c.dispatch(ctx, &req, s)
	if err != nil {
		return nil, err
	}
	s.id = p.id
	s.setTimer(time.AfterFunc(time.Until(p.deadline), func() {
		if c.take(p.id, "", "") != nil {
			c.observe(p, ErrTimedOut)
			s.finish(ErrTimedOut)
		}
	}))
	return s, nil
}

func (c *Correlator) dispatch(ctx context.Context, req *Request, s *Stream) (*pending, error) {
	if err := req.Caller.Validate(); err != nil {
		return nil, err
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, req.Kind)
	}
	if req.CommandID == uuid.Nil {
		req.CommandID = uuid.New()
	}

	log := c.logger.WithFields(logging.Fields{
		"command_id": req.CommandID,
		"device_id":  req.Target,
		"tenant_id":  req.Caller.TenantID,
		"kind":       req.Kind,
	})

	if c.scope != nil {
		ok, err := c.scope.DeviceInTenant(ctx, req.Target, req.Caller.TenantID)
		if err != nil {
			return nil, fmt.Errorf("tenant scope check: %w", err)
		}
		if !ok {
			c.observer.ObserveCommand(req.Kind, OutcomeOutOfScope, 0)
			return nil, ErrOutOfScope
		}
	}

	var conns []registry.Connection
	for _, conn := range c.targets.ConnectionsFor(req.Target) {
		if conn.TenantID == req.Caller.TenantID && conn.IsDeviceSession && conn.Peer != nil {
			conns = append(conns, conn)
		}
	}
	if len(conns) == 0 {
		c.observer.ObserveCommand(req.Kind, OutcomeUnreachable, 0)
		return nil, ErrTargetUnreachable
	}

	raw, err := marshalAny(req.Payload)
	if err != nil {
		return nil, err
	}

	now := c.cfg.Now()
	p := &pending{
		id:       req.CommandID,
		target:   req.Target,
		kind:     req.Kind,
		issuedAt: now,
		deadline: now.Add(c.timeoutFor(req.Timeout)),
		targets:  make(map[string]struct{}, len(conns)),
		stream:   s,
	}
	if s == nil {
		p.result = make(chan result, 1)
	}
	for _, conn := range conns {
		p.targets[conn.ID] = struct{}{}
	}
	if err := c.register(p); err != nil {
		return nil, err
	}

	envelope := devicehub.CommandEnvelope{
		CommandID:   p.id,
		Kind:        p.kind,
		Payload:     raw,
		IssuedAt:    p.issuedAt,
		RequestedBy: req.Caller.SubjectID,
	}
	sent := 0
	for _, conn := range conns {
		if err := conn.Peer.Push(p.kind.Method(), envelope); err != nil {
			log.WithError(err).WithField("connection_id", conn.ID).Warn("Failed to send command to device connection")
			continue
		}
		sent++
	}
	if sent == 0 {
		if c.take(p.id, "", "") != nil {
			c.observer.ObserveCommand(req.Kind, OutcomeUnreachable, 0)
			return nil, ErrTargetUnreachable
		}
		// Every send failed yet something else already resolved the entry.
		// That can only be ConnectionClosed for the connections we failed on.
		if s == nil {
			r := <-p.result
			return nil, r.err
		}
		<-s.finished
		return nil, s.err
	}

	log.WithField("targets", sent).Debug("Command dispatched")
	return p, nil
}

func (c *Correlator) register(p *pending) error {
	c.idxMu.Lock()
	defer c.idxMu.Unlock()

	sh := c.shardFor(p.id)
	sh.mu.Lock()
	if _, exists := sh.entries[p.id]; exists {
		sh.mu.Unlock()
		return ErrDuplicateCommand
	}
	sh.entries[p.id] = p
	sh.mu.Unlock()

	for connID := range p.targets {
		set, ok := c.byConn[connID]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			c.byConn[connID] = set
		}
		set[p.id] = struct{}{}
	}
	c.observer.SetPending(c.Pending())
	return nil
}

// take removes an entry from the table. When fromConn is non-empty the
// entry is only removed if that connection is one of its targets, and when
// kind is non-empty only if the entry is of that kind. The caller that gets
// a non-nil entry back owns delivering its outcome.
func (c *Correlator) take(id uuid.UUID, fromConn string, kind devicehub.CommandKind) *pending {
	sh := c.shardFor(id)
	sh.mu.Lock()
	p, ok := sh.entries[id]
	if !ok {
		sh.mu.Unlock()
		return nil
	}
	if fromConn != "" {
		if _, isTarget := p.targets[fromConn]; !isTarget {
			sh.mu.Unlock()
			return nil
		}
	}
	if kind != "" && p.kind != kind {
		sh.mu.Unlock()
		return nil
	}
	delete(sh.entries, id)
	remaining := make([]string, 0, len(p.targets))
	for connID := range p.targets {
		remaining = append(remaining, connID)
	}
	sh.mu.Unlock()

	c.unindex(id, remaining)
	c.observer.SetPending(c.Pending())
	return p
}

func (c *Correlator) unindex(id uuid.UUID, connIDs []string) {
	c.idxMu.Lock()
	defer c.idxMu.Unlock()
	for _, connID := range connIDs {
		if set, ok := c.byConn[connID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(c.byConn, connID)
			}
		}
	}
}

// claim returns a live stream entry if fromConn is one of its targets and
// binds the stream to fromConn. Every other target is dropped, so chunks
// from a second connection of the same device are stale.
func (c *Correlator) claim(id uuid.UUID, fromConn string) (*pending, bool) {
	sh := c.shardFor(id)
	sh.mu.Lock()
	p, ok := sh.entries[id]
	if !ok || p.stream == nil {
		sh.mu.Unlock()
		return nil, false
	}
	if _, isTarget := p.targets[fromConn]; !isTarget {
		sh.mu.Unlock()
		return nil, false
	}
	var dropped []string
	for connID := range p.targets {
		if connID != fromConn {
			dropped = append(dropped, connID)
			delete(p.targets, connID)
		}
	}
	sh.mu.Unlock()

	if len(dropped) > 0 {
		c.unindex(id, dropped)
		c.logger.WithFields(logging.Fields{
			"command_id":    id,
			"connection_id": fromConn,
			"dropped":       len(dropped),
		}).Debug("Stream bound to first responding connection")
	}
	return p, true
}

func (c *Correlator) stale(id uuid.UUID, fromConn, signal string) {
	c.logger.WithFields(logging.Fields{
		"command_id":    id,
		"connection_id": fromConn,
		"signal":        signal,
	}).Debug("Ignoring stale correlation signal")
}

// Resolve delivers the single result of an awaited command of the given
// kind. It returns false when the command is unknown, already settled, of
// another kind, or fromConn was not one of its targets.
func (c *Correlator) Resolve(id uuid.UUID, fromConn string, kind devicehub.CommandKind, payload json.RawMessage) bool {
	return c.settle(id, fromConn, kind, result{payload: payload}, "resolve")
}

// Fail settles a command or stream with an error reported by the device.
func (c *Correlator) Fail(id uuid.UUID, fromConn string, err error) bool {
	if err == nil {
		err = errors.New("device reported failure")
	}
	return c.settle(id, fromConn, "", result{err: err}, "fail")
}

func (c *Correlator) settle(id uuid.UUID, fromConn string, kind devicehub.CommandKind, r result, signal string) bool {
	p := c.take(id, fromConn, kind)
	if p == nil {
		c.stale(id, fromConn, signal)
		return false
	}
	if p.stream != nil {
		c.observe(p, r.err)
		p.stream.finish(r.err)
		return true
	}
	p.result <- r
	return true
}

// Push appends one chunk to a stream. A full buffer parks the caller for up
// to StreamPushTimeout; beyond that the stream fails with ErrStreamOverflow.
func (c *Correlator) Push(id uuid.UUID, fromConn string, chunk json.RawMessage) error {
	p, ok := c.claim(id, fromConn)
	if !ok {
		c.stale(id, fromConn, "push")
		return ErrStreamClosed
	}
	s := p.stream

	select {
	case s.items <- chunk:
		return nil
	case <-s.finished:
		return ErrStreamClosed
	default:
	}

	timer := time.NewTimer(c.cfg.StreamPushTimeout)
	defer timer.Stop()
	select {
	case s.items <- chunk:
		return nil
	case <-s.finished:
		return ErrStreamClosed
	case <-timer.C:
		if c.take(id, "", "") != nil {
			c.logger.WithFields(logging.Fields{
				"command_id":    id,
				"connection_id": fromConn,
				"buffered":      len(s.items),
			}).Warn("Stream consumer stalled, failing stream")
			c.observe(p, ErrStreamOverflow)
			s.finish(ErrStreamOverflow)
		}
		return ErrStreamOverflow
	}
}

// End terminates a stream. A non-empty errMessage fails it.
func (c *Correlator) End(id uuid.UUID, fromConn string, errMessage string) bool {
	if _, ok := c.claim(id, fromConn); !ok {
		c.stale(id, fromConn, "end")
		return false
	}
	p := c.take(id, fromConn, "")
	if p == nil {
		c.stale(id, fromConn, "end")
		return false
	}
	var err error
	if errMessage != "" {
		err = errors.New(errMessage)
	}
	c.observe(p, err)
	p.stream.finish(err)
	return true
}

// ConnectionClosed drops a connection from every pending entry. Entries
// left without any live target fail with ErrTargetDisconnected.
func (c *Correlator) ConnectionClosed(connID string) int {
	c.idxMu.Lock()
	ids := c.byConn[connID]
	delete(c.byConn, connID)
	c.idxMu.Unlock()

	failed := 0
	for id := range ids {
		sh := c.shardFor(id)
		sh.mu.Lock()
		p, ok := sh.entries[id]
		if !ok {
			sh.mu.Unlock()
			continue
		}
		delete(p.targets, connID)
		orphaned := len(p.targets) == 0
		if orphaned {
			delete(sh.entries, id)
		}
		sh.mu.Unlock()

		if !orphaned {
			continue
		}
		failed++
		c.observer.SetPending(c.Pending())
		if p.stream != nil {
			c.observe(p, ErrTargetDisconnected)
			p.stream.finish(ErrTargetDisconnected)
		} else {
			p.result <- result{err: ErrTargetDisconnected}
		}
	}
	if failed > 0 {
		c.logger.WithFields(logging.Fields{
			"connection_id": connID,
			"failed":        failed,
		}).Info("Failed pending commands of disconnected device")
	}
	return failed
}

// Pending returns the number of unsettled commands.
func (c *Correlator) Pending() int {
	n := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func (c *Correlator) observe(p *pending, err error) {
	outcome := OutcomeCompleted
	switch {
	case err == nil:
	case errors.Is(err, ErrTimedOut):
		outcome = OutcomeTimedOut
	case errors.Is(err, ErrTargetDisconnected):
		outcome = OutcomeDisconnected
	case errors.Is(err, ErrStreamOverflow):
		outcome = OutcomeOverflow
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrStreamClosed):
		outcome = OutcomeCancelled
	default:
		outcome = OutcomeFailed
	}
	c.observer.ObserveCommand(p.kind, outcome, c.cfg.Now().Sub(p.issuedAt))
}

func marshalAny(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal command payload: %w", err)
	}
	return raw, nil
}
