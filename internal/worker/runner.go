// Package worker implements the session worker child runtime: a bridge
// loop that answers the supervisor's NDJSON commands over stdin/stdout
// and runs at most one conversational turn at a time.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/brewva/brewva/internal/gateway/bridge"
	"github.com/brewva/brewva/internal/gateway/id"
)

// HeartbeatInterval is how often the worker emits bridge.heartbeat on
// its own, independent of pings. It must stay well under the
// supervisor's heartbeat timeout.
const HeartbeatInterval = 5 * time.Second

// Runner is one worker process's bridge loop.
type Runner struct {
	in  io.Reader
	out io.Writer

	writeMu sync.Mutex

	mu             sync.Mutex
	sessionID      string
	agentSessionID string
	initialized    bool
	turn           *activeTurn

	// chunkDelay paces simulated turn output; tests shrink it.
	chunkDelay time.Duration
}

type activeTurn struct {
	turnID string
	cancel context.CancelFunc
}

// New creates a Runner reading commands from in and writing messages to
// out.
func New(in io.Reader, out io.Writer) *Runner {
	return &Runner{in: in, out: out, chunkDelay: 20 * time.Millisecond}
}

// Run processes commands until stdin closes (parent exit), the context
// is cancelled, or a shutdown command arrives.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go r.heartbeatLoop(ctx)

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var cmd bridge.Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			r.log("warn", "malformed bridge command", map[string]any{"error": err.Error()})
			continue
		}

		if quit := r.handle(ctx, &cmd); quit {
			return nil
		}
	}
	return scanner.Err()
}

// handle dispatches one command. Returns true when the loop should end.
func (r *Runner) handle(ctx context.Context, cmd *bridge.Command) bool {
	switch cmd.Kind {
	case bridge.KindInit:
		r.handleInit(cmd)
	case bridge.KindSend:
		r.handleSend(ctx, cmd)
	case bridge.KindAbort:
		r.handleAbort(cmd)
	case bridge.KindShutdown:
		r.abortActive()
		r.result(cmd.RequestID, true, nil, "", "")
		return true
	case bridge.KindPing:
		r.heartbeat()
	default:
		r.result(cmd.RequestID, false, nil, fmt.Sprintf("unknown command kind %q", cmd.Kind), "")
	}
	return false
}

func (r *Runner) handleInit(cmd *bridge.Command) {
	if cmd.Init == nil {
		r.result(cmd.RequestID, false, nil, "init: missing payload", "")
		return
	}

	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		r.result(cmd.RequestID, false, nil, "init: already initialized", "")
		return
	}
	r.sessionID = cmd.Init.SessionID
	r.agentSessionID = id.Prefixed("agent")
	r.initialized = true
	agentSessionID := r.agentSessionID
	r.mu.Unlock()

	payload, _ := json.Marshal(bridge.ReadyPayload{
		RequestedSessionID: cmd.Init.RequestedSessionID,
		AgentSessionID:     agentSessionID,
	})
	r.send(&bridge.Message{
		Kind:      bridge.KindReady,
		RequestID: cmd.RequestID,
		Payload:   payload,
	})
}

func (r *Runner) handleSend(ctx context.Context, cmd *bridge.Command) {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		r.result(cmd.RequestID, false, nil, "send before init", "")
		return
	}
	if r.turn != nil {
		r.mu.Unlock()
		r.result(cmd.RequestID, false, nil, "a turn is already running", bridge.ErrorCodeSessionBusy)
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	r.turn = &activeTurn{turnID: cmd.TurnID, cancel: cancel}
	sessionID := r.sessionID
	r.mu.Unlock()

	ack, _ := json.Marshal(bridge.SendAckPayload{TurnID: cmd.TurnID})
	r.result(cmd.RequestID, true, ack, "", "")

	go r.runTurn(turnCtx, sessionID, cmd.TurnID, cmd.Prompt)
}

func (r *Runner) handleAbort(cmd *bridge.Command) {
	aborted := r.abortActive()
	payload, _ := json.Marshal(map[string]bool{"aborted": aborted})
	r.result(cmd.RequestID, true, payload, "", "")
}

// abortActive cancels the running turn, if any. Returns whether one was
// running.
func (r *Runner) abortActive() bool {
	r.mu.Lock()
	turn := r.turn
	r.mu.Unlock()
	if turn == nil {
		return false
	}
	turn.cancel()
	return true
}

func (r *Runner) clearTurn(turnID string) {
	r.mu.Lock()
	if r.turn != nil && r.turn.turnID == turnID {
		r.turn = nil
	}
	r.mu.Unlock()
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	r.heartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *Runner) heartbeat() {
	r.send(&bridge.Message{Kind: bridge.KindHeartbeat, Ts: time.Now().UnixMilli()})
}

func (r *Runner) result(requestID string, ok bool, payload json.RawMessage, errMsg, errCode string) {
	r.send(&bridge.Message{
		Kind:      bridge.KindResult,
		RequestID: requestID,
		OK:        ok,
		Payload:   payload,
		Error:     errMsg,
		ErrorCode: errCode,
	})
}

func (r *Runner) event(event string, payload bridge.TurnEventPayload) {
	data, _ := json.Marshal(payload)
	r.send(&bridge.Message{Kind: bridge.KindEvent, Event: event, Payload: data})
}

func (r *Runner) log(level, text string, fields map[string]any) {
	r.send(&bridge.Message{Kind: bridge.KindLog, Level: level, Text: text, Fields: fields})
}

// send serializes one message. The mutex keeps concurrent emitters
// (turn goroutine, heartbeat loop, command handlers) from interleaving
// lines.
func (r *Runner) send(msg *bridge.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	data = append(data, '\n')

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_, _ = r.out.Write(data)
}
