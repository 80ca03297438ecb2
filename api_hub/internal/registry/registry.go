// Package registry tracks the live connections of one hub and their group memberships.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"devicemanager/pkg/logging"
)

var (
	// ErrIdentityConflict is returned when a connection id is re-registered with a different identity.
	ErrIdentityConflict = errors.New("connection already registered with a different identity")
	// ErrUnknownConnection is returned for group operations on an unregistered connection.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrInvalidConnection is returned when a connection has no id.
	ErrInvalidConnection = errors.New("connection id is required")
)

// Peer is the send side of a live connection.
type Peer interface {
	Push(method string, payload any) error
}

// Connection is a live connection as seen by the registry. Values returned
// from lookups are copies.
type Connection struct {
	ID              string
	SubjectID       uuid.UUID
	TenantID        uuid.UUID
	IsDeviceSession bool
	Groups          []string
	Peer            Peer
}

func (c Connection) sameIdentity(o Connection) bool {
	return c.SubjectID == o.SubjectID && c.TenantID == o.TenantID && c.IsDeviceSession == o.IsDeviceSession
}

// TenantGroup is the fan-out group of a tenant.
func TenantGroup(tenantID uuid.UUID) string {
	return "tenant:" + tenantID.String()
}

type record struct {
	conn   Connection
	groups map[string]struct{}
}

func (r *record) snapshot() Connection {
	c := r.conn
	c.Groups = make([]string, 0, len(r.groups))
	for g := range r.groups {
		c.Groups = append(c.Groups, g)
	}
	sort.Strings(c.Groups)
	return c
}

// Stats summarizes registry contents.
type Stats struct {
	Connections int `json:"connections"`
	Subjects    int `json:"subjects"`
	Groups      int `json:"groups"`
}

// Registry guards all state with one lock. Every mutation is O(1) and
// fan-out reads copy out of the lock, so no reader sees a partially
// registered connection.
type Registry struct {
	name   string
	logger logging.Logger

	mu        sync.RWMutex
	conns     map[string]*record
	bySubject map[uuid.UUID]map[string]struct{}
	groups    map[string]map[string]struct{}
}

// New creates an empty registry for the named hub.
func New(name string, logger logging.Logger) *Registry {
	return &Registry{
		name:      name,
		logger:    logger,
		conns:     make(map[string]*record),
		bySubject: make(map[uuid.UUID]map[string]struct{}),
		groups:    make(map[string]map[string]struct{}),
	}
}

// Register adds a connection. Registering the same id with the same identity is a no-op.
func (r *Registry) Register(c Connection) error {
	if c.ID == "" {
		return ErrInvalidConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.conns[c.ID]; ok {
		if existing.conn.sameIdentity(c) {
			r.logger.WithFields(logging.Fields{
				"hub":           r.name,
				"connection_id": c.ID,
			}).Debug("Connection already registered")
			return nil
		}
		return ErrIdentityConflict
	}

	c.Groups = nil
	r.conns[c.ID] = &record{conn: c, groups: make(map[string]struct{})}
	subjects, ok := r.bySubject[c.SubjectID]
	if !ok {
		subjects = make(map[string]struct{})
		r.bySubject[c.SubjectID] = subjects
	}
	subjects[c.ID] = struct{}{}
	return nil
}

// Unregister removes the connection and its memberships. It returns the
// removed connection and how many connections its subject still has.
// Unknown ids are logged and ignored since disconnect races are expected.
func (r *Registry) Unregister(id string) (Connection, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[id]
	if !ok {
		r.logger.WithFields(logging.Fields{
			"hub":           r.name,
			"connection_id": id,
		}).Debug("Unregister of unknown connection ignored")
		return Connection{}, 0, false
	}

	removed := rec.snapshot()
	for g := range rec.groups {
		r.removeFromGroupLocked(g, id)
	}
	delete(r.conns, id)

	remaining := 0
	if subjects, ok := r.bySubject[rec.conn.SubjectID]; ok {
		delete(subjects, id)
		remaining = len(subjects)
		if remaining == 0 {
			delete(r.bySubject, rec.conn.SubjectID)
		}
	}
	return removed, remaining, true
}

// JoinGroup adds a registered connection to a group.
func (r *Registry) JoinGroup(id, group string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	rec.groups[group] = struct{}{}
	members, ok := r.groups[group]
	if !ok {
		members = make(map[string]struct{})
		r.groups[group] = members
	}
	members[id] = struct{}{}
	return nil
}

// LeaveGroup removes a connection from a group. Leaving a group the connection is not in is a no-op.
func (r *Registry) LeaveGroup(id, group string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	delete(rec.groups, group)
	r.removeFromGroupLocked(group, id)
	return nil
}

func (r *Registry) removeFromGroupLocked(group, id string) {
	members, ok := r.groups[group]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.groups, group)
	}
}

// Get returns a single connection by id.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return rec.snapshot(), true
}

// ConnectionsFor returns every live connection of a subject.
func (r *Registry) ConnectionsFor(subjectID uuid.UUID) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.bySubject[subjectID])
}

// ConnectionsIn returns every member of a group.
func (r *Registry) ConnectionsIn(group string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.groups[group])
}

func (r *Registry) collectLocked(ids map[string]struct{}) []Connection {
	if len(ids) == 0 {
		return nil
	}
	out := make([]Connection, 0, len(ids))
	for id := range ids {
		if rec, ok := r.conns[id]; ok {
			out = append(out, rec.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Stats returns a snapshot of registry sizes.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Connections: len(r.conns),
		Subjects:    len(r.bySubject),
		Groups:      len(r.groups),
	}
}

// Name returns the hub name the registry belongs to.
func (r *Registry) Name() string {
	return r.name
}
