// Package identity carries the caller identity explicitly through every hub operation.
package identity

import (
	"errors"

	"github.com/google/uuid"

	"devicemanager/pkg/auth"
	"devicemanager/pkg/logging"
)

// ErrInvalidContext is returned when a context lacks a subject or tenant.
var ErrInvalidContext = errors.New("invalid identity context")

// Context is derived once per connection and passed to each handler call.
type Context struct {
	SubjectID       uuid.UUID
	TenantID        uuid.UUID
	IsDeviceSession bool
	// RequestID is fresh per handler invocation and used for tracing only.
	RequestID uuid.UUID
}

// Populate builds a context from a verified principal.
func Populate(p auth.Principal) Context {
	return Context{
		SubjectID:       p.SubjectID,
		TenantID:        p.TenantID,
		IsDeviceSession: p.IsDeviceSession,
		RequestID:       uuid.New(),
	}
}

// Anonymous builds the context of an unauthenticated pairing connection.
// It has a throwaway subject and no tenant, so it never validates.
func Anonymous() Context {
	return Context{SubjectID: uuid.New(), RequestID: uuid.New()}
}

// Validate reports whether the context can address tenant-scoped resources.
func (c Context) Validate() error {
	if c.SubjectID == uuid.Nil || c.TenantID == uuid.Nil {
		return ErrInvalidContext
	}
	return nil
}

// ForInvocation returns a copy with a fresh RequestID.
func (c Context) ForInvocation() Context {
	c.RequestID = uuid.New()
	return c
}

// Fields returns the context as structured log fields.
func (c Context) Fields() logging.Fields {
	return logging.Fields{
		"subject_id":     c.SubjectID,
		"tenant_id":      c.TenantID,
		"device_session": c.IsDeviceSession,
		"request_id":     c.RequestID,
	}
}
