package protocol

import (
	"encoding/json"
	"fmt"
)

// Per-method parameter shapes. ParseParams validates raw params against
// the schema for the method and returns the matching variant; dispatch
// switches on the concrete type.

// ClientDescriptor identifies the connecting client.
type ClientDescriptor struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Mode    string `json:"mode,omitempty"`
}

// ConnectParams authenticates a connection.
type ConnectParams struct {
	Protocol       string           `json:"protocol"`
	ChallengeNonce string           `json:"challengeNonce"`
	Auth           ConnectAuth      `json:"auth"`
	Client         ClientDescriptor `json:"client"`
}

// ConnectAuth carries the client's token.
type ConnectAuth struct {
	Token string `json:"token"`
}

// SessionsOpenParams opens (or touches) a session.
type SessionsOpenParams struct {
	SessionID        string `json:"sessionId,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	ConfigPath       string `json:"configPath,omitempty"`
	Model            string `json:"model,omitempty"`
	EnableExtensions *bool  `json:"enableExtensions,omitempty"`
}

// SessionsSendParams submits a prompt turn.
type SessionsSendParams struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
	TurnID    string `json:"turnId,omitempty"`
}

// SessionRefParams names an existing session; used by
// subscribe/unsubscribe/abort/close.
type SessionRefParams struct {
	SessionID string `json:"sessionId"`
}

// StopParams requests daemon shutdown.
type StopParams struct {
	Reason string `json:"reason,omitempty"`
}

// EmptyParams is used by methods that take no parameters.
type EmptyParams struct{}

// ParseParams validates raw params for method and returns the typed
// variant, or an INVALID_REQUEST error naming the offending field.
func ParseParams(method string, raw json.RawMessage) (any, *Error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	switch method {
	case MethodConnect:
		var p ConnectParams
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.Protocol == "" {
			return nil, NewError(CodeInvalidRequest, "connect: protocol is required")
		}
		if p.ChallengeNonce == "" {
			return nil, NewError(CodeInvalidRequest, "connect: challengeNonce is required")
		}
		if p.Auth.Token == "" {
			return nil, NewError(CodeInvalidRequest, "connect: auth.token is required")
		}
		if p.Client.ID == "" || p.Client.Version == "" {
			return nil, NewError(CodeInvalidRequest, "connect: client.id and client.version are required")
		}
		return &p, nil

	case MethodSessionsOpen:
		var p SessionsOpenParams
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		return &p, nil

	case MethodSessionsSend:
		var p SessionsSendParams
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, NewError(CodeInvalidRequest, "sessions.send: sessionId is required")
		}
		if p.Prompt == "" {
			return nil, NewError(CodeInvalidRequest, "sessions.send: prompt is required")
		}
		return &p, nil

	case MethodSubscribe, MethodUnsubscribe, MethodSessionsAbort, MethodSessionsClose:
		var p SessionRefParams
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, NewError(CodeInvalidRequest, method+": sessionId is required")
		}
		return &p, nil

	case MethodStop:
		var p StopParams
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		return &p, nil

	case MethodHealth, MethodStatusDeep, MethodHeartbeatReload, MethodRotateToken:
		var p EmptyParams
		if err := strictUnmarshal(raw, &p); err != nil {
			return nil, err
		}
		return &p, nil

	default:
		return nil, NewError(CodeMethodNotFound, fmt.Sprintf("unknown method %q", method))
	}
}

func strictUnmarshal(raw json.RawMessage, dst any) *Error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return NewError(CodeInvalidRequest, fmt.Sprintf("bad params: %v", err))
	}
	return nil
}
