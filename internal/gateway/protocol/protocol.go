// Package protocol defines the framed JSON wire protocol spoken between
// gateway clients and the daemon: request/response/event frame shapes,
// the closed method and event sets, and the structured error model.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version negotiated during connect.
const Version = "brewva.gateway.v1"

// Subprotocol is the websocket subprotocol offered by the daemon.
const Subprotocol = "brewva.gateway.v1"

// Frame type discriminators.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Methods.
const (
	MethodConnect         = "connect"
	MethodHealth          = "health"
	MethodStatusDeep      = "status.deep"
	MethodHeartbeatReload = "heartbeat.reload"
	MethodRotateToken     = "gateway.rotate-token"
	MethodStop            = "gateway.stop"
	MethodSessionsOpen    = "sessions.open"
	MethodSessionsSend    = "sessions.send"
	MethodSubscribe       = "sessions.subscribe"
	MethodUnsubscribe     = "sessions.unsubscribe"
	MethodSessionsAbort   = "sessions.abort"
	MethodSessionsClose   = "sessions.close"
)

// Events.
const (
	EventChallenge      = "connect.challenge"
	EventTick           = "tick"
	EventShutdown       = "shutdown"
	EventHeartbeatFired = "heartbeat.fired"
	EventTurnStart      = "session.turn.start"
	EventTurnChunk      = "session.turn.chunk"
	EventTurnEnd        = "session.turn.end"
	EventTurnError      = "session.turn.error"
)

// Methods returns the full supported method set, as advertised in the
// hello-ok payload.
func Methods() []string {
	return []string{
		MethodConnect,
		MethodHealth,
		MethodStatusDeep,
		MethodHeartbeatReload,
		MethodRotateToken,
		MethodStop,
		MethodSessionsOpen,
		MethodSessionsSend,
		MethodSubscribe,
		MethodUnsubscribe,
		MethodSessionsAbort,
		MethodSessionsClose,
	}
}

// Events returns the full event set, as advertised in the hello-ok payload.
func Events() []string {
	return []string{
		EventChallenge,
		EventTick,
		EventShutdown,
		EventHeartbeatFired,
		EventTurnStart,
		EventTurnChunk,
		EventTurnEnd,
		EventTurnError,
	}
}

// IsSessionScoped reports whether an event is delivered only to
// connections subscribed to its session (as opposed to broadcast).
func IsSessionScoped(event string) bool {
	switch event {
	case EventTurnStart, EventTurnChunk, EventTurnEnd, EventTurnError:
		return true
	}
	return false
}

// Request is an inbound client frame.
type Request struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	TraceID string          `json:"traceId,omitempty"`
}

// Response answers a Request, matched by id.
type Response struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	TraceID string `json:"traceId,omitempty"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Event is a server-pushed frame. Seq is a daemon-global strictly
// monotonic counter; subscribers to session-scoped streams may observe
// gaps because those streams are filtered by subscription.
type Event struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Seq     uint64 `json:"seq"`
}

// OKResponse builds a success response for the given request id.
func OKResponse(id, traceID string, payload any) *Response {
	return &Response{Type: FrameResponse, ID: id, TraceID: traceID, OK: true, Payload: payload}
}

// ErrResponse builds a failure response for the given request id.
func ErrResponse(id, traceID string, err *Error) *Response {
	return &Response{Type: FrameResponse, ID: id, TraceID: traceID, OK: false, Error: err}
}

// DecodeRequest parses an inbound frame. A malformed frame or a frame
// whose type is not "req" yields an INVALID_REQUEST error. A missing or
// blank id is replaced with a synthesized one so the client still gets
// an answer it can at least log.
func DecodeRequest(data []byte, synthesizeID func() string) (*Request, *Error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return &Request{Type: FrameRequest, ID: synthesizeID()},
			NewError(CodeInvalidRequest, fmt.Sprintf("malformed frame: %v", err))
	}
	if req.Type != FrameRequest {
		if req.ID == "" {
			req.ID = synthesizeID()
		}
		return &req, NewError(CodeInvalidRequest, fmt.Sprintf("unexpected frame type %q", req.Type))
	}
	if req.ID == "" {
		req.ID = synthesizeID()
	}
	return &req, nil
}
