// Package devicehub defines the JSON wire protocol spoken on the bosun hubs.
//
// Every websocket text frame carries exactly one Envelope. Clients send
// invocations; an invocation with an id receives exactly one completion,
// optionally preceded by stream items. The server sends pushes, which are
// never answered.
package devicehub

import (
	"encoding/json"
	"fmt"
)

// Envelope types
const (
	TypeInvocation = "invocation"
	TypeCompletion = "completion"
	TypeStreamItem = "stream_item"
	TypePush       = "push"
)

// Envelope is the single frame format in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error codes carried in failed completions.
const (
	CodeUnauthorized       = "unauthorized"
	CodeBadRequest         = "bad_request"
	CodeUnknownMethod      = "unknown_method"
	CodeTargetUnreachable  = "target_unreachable"
	CodeTimedOut           = "timed_out"
	CodeOutOfScope         = "out_of_scope"
	CodeTargetDisconnected = "target_disconnected"
	CodePersistenceFailed  = "persistence_failed"
	CodeInternal           = "internal"
)

// Error is the failure payload of a completion.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Invocation builds an invocation frame. An empty id makes it fire-and-forget.
func Invocation(id, method string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeInvocation, ID: id, Method: method, Payload: raw}, nil
}

// Push builds a server to client notification frame.
func Push(method string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypePush, Method: method, Payload: raw}, nil
}

// Completion builds a successful completion. A nil payload encodes as JSON null.
func Completion(id string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	return Envelope{Type: TypeCompletion, ID: id, Payload: raw}, nil
}

// Failure builds a failed completion.
func Failure(id, code, message string) Envelope {
	return Envelope{Type: TypeCompletion, ID: id, Error: &Error{Code: code, Message: message}}
}

// StreamItem builds one item of a streaming invocation.
func StreamItem(id string, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeStreamItem, ID: id, Payload: raw}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}
