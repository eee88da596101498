// Package bridge defines the parent-worker IPC protocol: NDJSON
// messages exchanged over a session worker's stdin/stdout, plus the
// environment marker that distinguishes worker children from the
// daemon.
package bridge

import "encoding/json"

// EnvWorker marks a process as a session worker child. It must not be
// propagated to any further children a worker spawns.
const EnvWorker = "BREWVA_GATEWAY_WORKER"

// Parent-to-worker command kinds.
const (
	KindInit     = "init"
	KindSend     = "send"
	KindAbort    = "abort"
	KindShutdown = "shutdown"
	KindPing     = "bridge.ping"
)

// Worker-to-parent message kinds.
const (
	KindReady     = "ready"
	KindResult    = "result"
	KindEvent     = "event"
	KindLog       = "log"
	KindHeartbeat = "bridge.heartbeat"
)

// Command is a parent-to-worker message.
type Command struct {
	Kind      string       `json:"kind"`
	RequestID string       `json:"requestId,omitempty"`
	Init      *InitPayload `json:"payload,omitempty"`
	Prompt    string       `json:"prompt,omitempty"`
	TurnID    string       `json:"turnId,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Ts        int64        `json:"ts,omitempty"`
}

// InitPayload carries the resolved session parameters.
type InitPayload struct {
	SessionID          string `json:"sessionId"`
	RequestedSessionID string `json:"requestedSessionId,omitempty"`
	Cwd                string `json:"cwd,omitempty"`
	ConfigPath         string `json:"configPath,omitempty"`
	Model              string `json:"model,omitempty"`
	AgentID            string `json:"agentId,omitempty"`
	EnableExtensions   bool   `json:"enableExtensions,omitempty"`
	ParentPID          int    `json:"parentPid"`
}

// Message is a worker-to-parent message.
type Message struct {
	Kind      string          `json:"kind"`
	RequestID string          `json:"requestId,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Event     string          `json:"event,omitempty"`
	Level     string          `json:"level,omitempty"`
	Text      string          `json:"message,omitempty"`
	Fields    map[string]any  `json:"fields,omitempty"`
	Ts        int64           `json:"ts,omitempty"`
}

// ErrorCodeSessionBusy is returned on a send while a turn is running.
const ErrorCodeSessionBusy = "session_busy"

// ReadyPayload is the payload of a ready message.
type ReadyPayload struct {
	RequestedSessionID string `json:"requestedSessionId"`
	AgentSessionID     string `json:"agentSessionId"`
}

// SendAckPayload is the payload of a successful send result. TurnID is
// the worker's canonical id for the turn, which may differ from the id
// the parent proposed.
type SendAckPayload struct {
	TurnID string `json:"turnId"`
}

// TurnEventPayload is the payload of session.turn.* events emitted by a
// worker.
type TurnEventPayload struct {
	SessionID string `json:"sessionId"`
	TurnID    string `json:"turnId"`
	Chunk     string `json:"chunk,omitempty"`
	Output    string `json:"output,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Ts        int64  `json:"ts"`
}
