package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/brewva/brewva/internal/gateway/bridge"
	"github.com/brewva/brewva/internal/gateway/id"
	"github.com/brewva/brewva/internal/gateway/protocol"
)

// handle is the supervisor's view of one live worker: the process, the
// pending bridge RPCs keyed by request id, and the turns dispatched to
// it that have not yet reached a terminal event.
type handle struct {
	sup       *Supervisor
	sessionID string
	proc      Process
	pid       int
	startedAt time.Time

	writeMu sync.Mutex // serializes stdin NDJSON lines

	mu             sync.Mutex
	agentSessionID string
	lastActivity   time.Time
	lastHeartbeat  time.Time
	pending        map[string]chan *bridge.Message
	turns          map[string]*turnState // keyed by canonical turn id
	stopping       bool
	readyClosed    bool
	readyErr       error

	ready  chan struct{}
	exited chan struct{}
}

type turnState struct {
	walID string
	done  chan turnOutcome // nil unless a caller waits for completion
}

type turnOutcome struct {
	output string
	err    error
}

func newHandle(sup *Supervisor, sessionID string) *handle {
	now := time.Now()
	return &handle{
		sup:           sup,
		sessionID:     sessionID,
		startedAt:     now,
		lastActivity:  now,
		lastHeartbeat: now,
		pending:       make(map[string]chan *bridge.Message),
		turns:         make(map[string]*turnState),
		ready:         make(chan struct{}),
		exited:        make(chan struct{}),
	}
}

// call sends a command and waits for the worker's reply with a matching
// request id.
func (h *handle) call(ctx context.Context, cmd *bridge.Command, timeout time.Duration) (*bridge.Message, error) {
	if cmd.RequestID == "" {
		cmd.RequestID = id.Prefixed("breq")
	}

	ch := make(chan *bridge.Message, 1)
	h.mu.Lock()
	h.pending[cmd.RequestID] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, cmd.RequestID)
		h.mu.Unlock()
	}()

	if err := h.write(cmd); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		return msg, nil
	case <-h.exited:
		return nil, ErrWorkerExited
	case <-timer.C:
		return nil, ErrRPCTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// write serializes one command line to the worker's stdin.
func (h *handle) write(cmd *bridge.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_, err = h.proc.Stdin().Write(data)
	return err
}

// readLoop consumes the worker's stdout until it closes.
func (h *handle) readLoop() {
	scanner := bufio.NewScanner(h.proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg bridge.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Warn("malformed worker message", "session_id", h.sessionID, "error", err)
			continue
		}
		h.dispatch(&msg)
	}
}

func (h *handle) dispatch(msg *bridge.Message) {
	switch msg.Kind {
	case bridge.KindReady, bridge.KindResult:
		h.mu.Lock()
		ch, ok := h.pending[msg.RequestID]
		h.mu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
	case bridge.KindHeartbeat:
		h.mu.Lock()
		h.lastHeartbeat = time.Now()
		h.mu.Unlock()
	case bridge.KindEvent:
		h.handleEvent(msg)
	case bridge.KindLog:
		h.forwardLog(msg)
	default:
		slog.Warn("unknown worker message kind", "session_id", h.sessionID, "kind", msg.Kind)
	}
}

// handleEvent settles terminal turn events against the WAL and pending
// waiters, then forwards the event to the fan-out sink.
func (h *handle) handleEvent(msg *bridge.Message) {
	var p bridge.TurnEventPayload
	_ = json.Unmarshal(msg.Payload, &p)

	h.touch()
	switch msg.Event {
	case protocol.EventTurnEnd:
		h.settleTurn(p.TurnID, turnOutcome{output: p.Output}, "")
	case protocol.EventTurnError:
		reason := p.Reason
		if reason == "" {
			reason = "turn failed"
		}
		h.settleTurn(p.TurnID, turnOutcome{err: errors.New(reason)}, reason)
	}

	h.sup.forward(h.sessionID, msg.Event, msg.Payload)
}

// settleTurn removes the turn, transitions its WAL record, and wakes a
// waiting sender. failReason empty means success.
func (h *handle) settleTurn(turnID string, out turnOutcome, failReason string) {
	h.mu.Lock()
	ts, ok := h.turns[turnID]
	if ok {
		delete(h.turns, turnID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if ts.walID != "" && h.sup.wal != nil {
		if failReason == "" {
			h.sup.wal.MarkDone(ts.walID)
		} else {
			h.sup.wal.MarkFailed(ts.walID, failReason)
		}
	}
	if ts.done != nil {
		select {
		case ts.done <- out:
		default:
		}
	}
}

// registerTurn records a dispatched turn. Returns false when the id is
// already active.
func (h *handle) registerTurn(turnID string, ts *turnState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.turns[turnID]; dup {
		return false
	}
	h.turns[turnID] = ts
	h.lastActivity = time.Now()
	return true
}

// rekeyTurn moves a turn to the worker's canonical id from the send
// ack. Terminal events arriving before the rekey land on the proposed
// id, so the move is skipped if the entry is already gone.
func (h *handle) rekeyTurn(from, to string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ts, ok := h.turns[from]
	if !ok {
		return
	}
	delete(h.turns, from)
	h.turns[to] = ts
}

func (h *handle) dropTurn(turnID string) *turnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	ts := h.turns[turnID]
	delete(h.turns, turnID)
	return ts
}

func (h *handle) setTurnWAL(turnID, walID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ts, ok := h.turns[turnID]; ok {
		ts.walID = walID
	}
}

// failAllTurns settles every outstanding turn with the given reason.
// Used on worker exit.
func (h *handle) failAllTurns(reason string) []string {
	h.mu.Lock()
	var ids []string
	states := make([]*turnState, 0, len(h.turns))
	for turnID, ts := range h.turns {
		ids = append(ids, turnID)
		states = append(states, ts)
	}
	h.turns = make(map[string]*turnState)
	h.mu.Unlock()

	for _, ts := range states {
		if ts.walID != "" && h.sup.wal != nil {
			h.sup.wal.MarkFailed(ts.walID, reason)
		}
		if ts.done != nil {
			select {
			case ts.done <- turnOutcome{err: errors.New(reason)}:
			default:
			}
		}
	}
	return ids
}

func (h *handle) forwardLog(msg *bridge.Message) {
	attrs := make([]any, 0, 2+2*len(msg.Fields))
	attrs = append(attrs, "session_id", h.sessionID)
	for k, v := range msg.Fields {
		attrs = append(attrs, k, v)
	}
	switch msg.Level {
	case "error":
		slog.Error(msg.Text, attrs...)
	case "warn":
		slog.Warn(msg.Text, attrs...)
	case "debug":
		slog.Debug(msg.Text, attrs...)
	default:
		slog.Info(msg.Text, attrs...)
	}
}

func (h *handle) setReady(agentSessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.readyClosed {
		return
	}
	h.agentSessionID = agentSessionID
	h.readyClosed = true
	close(h.ready)
}

func (h *handle) failReady(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.readyClosed {
		return
	}
	h.readyErr = err
	h.readyClosed = true
	close(h.ready)
}

func (h *handle) readyError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readyErr
}

func (h *handle) agentSession() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agentSessionID
}

func (h *handle) markStopping() {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()
}

func (h *handle) isStopping() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

func (h *handle) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

// idle reports whether the handle has been quiet for at least ttl with
// no outstanding work.
func (h *handle) idle(now time.Time, ttl time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.readyClosed || h.stopping {
		return false
	}
	if len(h.pending) > 0 || len(h.turns) > 0 {
		return false
	}
	return now.Sub(h.lastActivity) >= ttl
}

func (h *handle) heartbeatAge(now time.Time) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return now.Sub(h.lastHeartbeat)
}
