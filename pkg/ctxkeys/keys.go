// Package ctxkeys defines typed context keys to prevent key collisions across packages.
package ctxkeys

import "context"

// Key is a typed context key to prevent collisions.
type Key string

// Keys set by the HTTP auth middleware (gin context) and echoed into request contexts.
const (
	KeySubjectID     Key = "subject_id"
	KeyTenantID      Key = "tenant_id"
	KeyDeviceSession Key = "device_session"
	KeyJWTToken      Key = "jwt_token"
	KeyRequestID     Key = "request_id"
)

// GetTenantID extracts tenant_id from context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyTenantID).(string); ok {
		return v
	}
	return ""
}

// GetSubjectID extracts subject_id from context.
func GetSubjectID(ctx context.Context) string {
	if v, ok := ctx.Value(KeySubjectID).(string); ok {
		return v
	}
	return ""
}

// GetRequestID extracts request_id from context.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyRequestID).(string); ok {
		return v
	}
	return ""
}

// IsDeviceSession reports whether the caller authenticated with a device credential.
func IsDeviceSession(ctx context.Context) bool {
	if v, ok := ctx.Value(KeyDeviceSession).(bool); ok {
		return v
	}
	return false
}
