// Package supervisor manages the pool of session worker processes: a
// bounded admission gate, per-session worker handles speaking the
// stdin/stdout bridge, durable turn tracking through the WAL, and the
// reapers that retire idle or unresponsive workers.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/brewva/brewva/internal/gateway/bridge"
	"github.com/brewva/brewva/internal/gateway/id"
	"github.com/brewva/brewva/internal/gateway/protocol"
	"github.com/brewva/brewva/internal/gateway/wal"
	"github.com/brewva/brewva/internal/metrics"
)

// Config tunes the supervisor. Zero durations fall back to defaults.
type Config struct {
	MaxWorkers   int
	MaxOpenQueue int

	// SessionIdleTTL retires workers with no activity. Zero disables
	// idle reaping.
	SessionIdleTTL time.Duration

	RPCTimeout       time.Duration
	ReadyTimeout     time.Duration
	PingInterval     time.Duration
	HeartbeatTimeout time.Duration
	StopGrace        time.Duration

	// RegistryPath is where the children registry is persisted. Empty
	// disables registry persistence.
	RegistryPath string

	Spawner Spawner

	DefaultCwd        string
	DefaultConfigPath string
	DefaultModel      string
	EnableExtensions  bool
}

func (c *Config) withDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 8
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 5 * time.Minute
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 4 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 20 * time.Second
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 3 * time.Second
	}
	if c.Spawner == nil {
		c.Spawner = SelfExec{}
	}
}

// EventSink receives worker events for fan-out to subscribers. May be
// nil.
type EventSink func(sessionID, event string, payload json.RawMessage)

// Supervisor owns all session workers.
type Supervisor struct {
	cfg  Config
	wal  *wal.Store
	sink EventSink
	adm  *admission

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool

	stopOnce sync.Once
	stopCh   chan struct{}
	loops    sync.WaitGroup
}

// New creates a Supervisor. walStore may be nil to run without
// durability.
func New(cfg Config, walStore *wal.Store, sink EventSink) *Supervisor {
	cfg.withDefaults()
	return &Supervisor{
		cfg:     cfg,
		wal:     walStore,
		sink:    sink,
		adm:     newAdmission(cfg.MaxWorkers, cfg.MaxOpenQueue),
		handles: make(map[string]*handle),
		stopCh:  make(chan struct{}),
	}
}

// Start reaps orphans from a previous run and launches the background
// ping and idle loops.
func (s *Supervisor) Start() {
	if s.cfg.RegistryPath != "" {
		if n := CleanupOrphans(s.cfg.RegistryPath, s.cfg.StopGrace); n > 0 {
			slog.Info("reaped orphaned workers", "count", n)
		}
	}

	s.loops.Add(1)
	go s.pingLoop()
	if s.cfg.SessionIdleTTL > 0 {
		s.loops.Add(1)
		go s.idleLoop()
	}
}

// OpenInput describes a session to open.
type OpenInput struct {
	SessionID        string
	Cwd              string
	ConfigPath       string
	Model            string
	EnableExtensions *bool
}

// OpenResult reports the session after an open.
type OpenResult struct {
	SessionID          string
	RequestedSessionID string
	Created            bool
	WorkerPID          int
	AgentSessionID     string
}

// OpenSession returns the existing worker for the session id, or spawns
// one, subject to admission. An empty session id gets a generated one.
func (s *Supervisor) OpenSession(ctx context.Context, in OpenInput) (*OpenResult, error) {
	requested := in.SessionID
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = id.Prefixed("sess")
	}

	if in.Cwd != "" {
		info, err := os.Stat(in.Cwd)
		if err != nil || !info.IsDir() {
			return nil, &InvalidCwdError{Cwd: in.Cwd}
		}
	}

	if h := s.lookup(sessionID); h != nil {
		return s.attach(ctx, h, requested)
	}

	if err := s.adm.Acquire(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.adm.Release()
		return nil, ErrShuttingDown
	}
	if h, ok := s.handles[sessionID]; ok {
		// Lost the race with a concurrent open for the same id.
		s.mu.Unlock()
		s.adm.Release()
		return s.attach(ctx, h, requested)
	}
	h := newHandle(s, sessionID)
	s.handles[sessionID] = h
	metrics.ActiveWorkers.Set(float64(len(s.handles)))
	s.mu.Unlock()

	if err := s.launch(ctx, h, in); err != nil {
		s.detach(h, "spawn failed: "+err.Error())
		return nil, err
	}
	s.persistRegistry()
	slog.Info("session opened", "session_id", sessionID, "worker_pid", h.pid)

	return &OpenResult{
		SessionID:          sessionID,
		RequestedSessionID: requested,
		Created:            true,
		WorkerPID:          h.pid,
		AgentSessionID:     h.agentSession(),
	}, nil
}

// attach waits for an in-flight open of the same session and reports
// the shared worker.
func (s *Supervisor) attach(ctx context.Context, h *handle, requested string) (*OpenResult, error) {
	select {
	case <-h.ready:
	case <-h.exited:
		return nil, ErrWorkerExited
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := h.readyError(); err != nil {
		return nil, err
	}

	h.touch()
	return &OpenResult{
		SessionID:          h.sessionID,
		RequestedSessionID: requested,
		Created:            false,
		WorkerPID:          h.pid,
		AgentSessionID:     h.agentSession(),
	}, nil
}

// launch spawns the child, wires its pipes, and completes the init
// handshake.
func (s *Supervisor) launch(ctx context.Context, h *handle, in OpenInput) error {
	proc, err := s.cfg.Spawner.Spawn(context.WithoutCancel(ctx))
	if err != nil {
		err = fmt.Errorf("spawn worker: %w", err)
		h.failReady(err)
		return err
	}
	h.proc = proc
	h.pid = proc.PID()

	go h.readLoop()
	go s.waitLoop(h)

	enableExt := s.cfg.EnableExtensions
	if in.EnableExtensions != nil {
		enableExt = *in.EnableExtensions
	}
	init := &bridge.InitPayload{
		SessionID:          h.sessionID,
		RequestedSessionID: in.SessionID,
		Cwd:                firstNonEmpty(in.Cwd, s.cfg.DefaultCwd),
		ConfigPath:         firstNonEmpty(in.ConfigPath, s.cfg.DefaultConfigPath),
		Model:              firstNonEmpty(in.Model, s.cfg.DefaultModel),
		EnableExtensions:   enableExt,
		ParentPID:          os.Getpid(),
	}

	msg, err := h.call(ctx, &bridge.Command{Kind: bridge.KindInit, Init: init}, s.cfg.ReadyTimeout)
	if err != nil {
		err = fmt.Errorf("worker init: %w", err)
		h.failReady(err)
		_ = proc.Terminate()
		return err
	}
	if msg.Kind != bridge.KindReady {
		err = fmt.Errorf("worker init rejected: %s", msg.Error)
		h.failReady(err)
		_ = proc.Terminate()
		return err
	}

	var ready bridge.ReadyPayload
	_ = json.Unmarshal(msg.Payload, &ready)
	h.setReady(ready.AgentSessionID)
	return nil
}

// waitLoop reaps the worker process and cleans up after an exit the
// supervisor did not initiate.
func (s *Supervisor) waitLoop(h *handle) {
	err := h.proc.Wait()
	close(h.exited)

	expected := h.isStopping()
	removed := s.detach(h, crashReason(err))
	if !removed {
		return
	}
	s.persistRegistry()

	if expected {
		slog.Info("worker stopped", "session_id", h.sessionID, "pid", h.pid)
		return
	}
	metrics.WorkerCrashesTotal.Inc()
	slog.Error("worker crashed",
		"session_id", h.sessionID,
		"pid", h.pid,
		"error", err,
		"stderr", h.proc.StderrTail(),
	)
}

func crashReason(err error) string {
	if err == nil {
		return "worker_crash:exited"
	}
	return "worker_crash:" + err.Error()
}

// detach removes the handle from the pool, fails its outstanding turns,
// and releases the admission slot. Idempotent; returns whether this
// call did the removal.
func (s *Supervisor) detach(h *handle, reason string) bool {
	s.mu.Lock()
	cur, ok := s.handles[h.sessionID]
	if !ok || cur != h {
		s.mu.Unlock()
		return false
	}
	delete(s.handles, h.sessionID)
	metrics.ActiveWorkers.Set(float64(len(s.handles)))
	s.mu.Unlock()

	failed := h.failAllTurns(reason)
	for _, turnID := range failed {
		payload, _ := json.Marshal(bridge.TurnEventPayload{
			SessionID: h.sessionID,
			TurnID:    turnID,
			Reason:    reason,
			Ts:        time.Now().UnixMilli(),
		})
		s.forward(h.sessionID, protocol.EventTurnError, payload)
	}

	h.failReady(ErrWorkerExited)
	s.adm.Release()
	return true
}

// SendInput describes a prompt dispatch.
type SendInput struct {
	SessionID string
	Prompt    string
	TurnID    string
	Source    wal.Source
	TTLMs     int64

	// Wait blocks until the turn reaches a terminal event and returns
	// its output.
	Wait bool

	// WALReplayID marks a recovery dispatch: the turn already has a WAL
	// record, so no new one is appended.
	WALReplayID string
}

// SendResult reports an accepted prompt.
type SendResult struct {
	SessionID      string
	AgentSessionID string
	TurnID         string
	Output         string // set when Wait
}

// SendPrompt dispatches one turn to a session's worker.
func (s *Supervisor) SendPrompt(ctx context.Context, in SendInput) (*SendResult, error) {
	h := s.lookup(in.SessionID)
	if h == nil {
		return nil, ErrSessionNotFound
	}

	turnID := in.TurnID
	if turnID == "" {
		turnID = id.Prefixed("turn")
	}
	source := in.Source
	if source == "" {
		source = wal.SourceGateway
	}

	ts := &turnState{}
	if in.Wait {
		ts.done = make(chan turnOutcome, 1)
	}
	if !h.registerTurn(turnID, ts) {
		return nil, &DuplicateTurnError{SessionID: in.SessionID, TurnID: turnID}
	}

	walID := in.WALReplayID
	if s.wal != nil && walID == "" {
		rec, err := s.wal.AppendPending(wal.TurnEnvelope{
			SessionID: in.SessionID,
			TurnID:    turnID,
			Parts:     []wal.Part{{Type: "text", Text: in.Prompt}},
			Timestamp: time.Now().UTC(),
		}, source, wal.AppendOptions{
			TTLMs:     in.TTLMs,
			DedupeKey: fmt.Sprintf("%s:%s:%s", source, in.SessionID, turnID),
		})
		if err != nil {
			h.dropTurn(turnID)
			return nil, err
		}
		walID = rec.WALID
	}
	if s.wal != nil {
		s.wal.MarkInflight(walID)
		h.setTurnWAL(turnID, walID)
	}

	msg, err := h.call(ctx, &bridge.Command{
		Kind:   bridge.KindSend,
		Prompt: in.Prompt,
		TurnID: turnID,
	}, s.cfg.RPCTimeout)
	if err != nil {
		s.failDispatch(h, turnID, err.Error())
		return nil, err
	}
	if !msg.OK {
		s.failDispatch(h, turnID, msg.Error)
		if msg.ErrorCode == bridge.ErrorCodeSessionBusy {
			return nil, ErrSessionBusy
		}
		return nil, fmt.Errorf("send rejected: %s", msg.Error)
	}

	var ack bridge.SendAckPayload
	_ = json.Unmarshal(msg.Payload, &ack)
	if ack.TurnID != "" && ack.TurnID != turnID {
		h.rekeyTurn(turnID, ack.TurnID)
		turnID = ack.TurnID
	}

	res := &SendResult{
		SessionID:      h.sessionID,
		AgentSessionID: h.agentSession(),
		TurnID:         turnID,
	}
	if !in.Wait {
		return res, nil
	}

	timer := time.NewTimer(s.cfg.RPCTimeout)
	defer timer.Stop()
	select {
	case out := <-ts.done:
		if out.err != nil {
			return nil, out.err
		}
		res.Output = out.output
		return res, nil
	case <-h.exited:
		return nil, ErrWorkerExited
	case <-timer.C:
		s.failDispatch(h, turnID, "turn timed out")
		return nil, ErrRPCTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failDispatch unwinds a turn whose dispatch did not take.
func (s *Supervisor) failDispatch(h *handle, turnID, reason string) {
	ts := h.dropTurn(turnID)
	if ts == nil {
		return
	}
	if ts.walID != "" && s.wal != nil {
		s.wal.MarkFailed(ts.walID, reason)
	}
	if ts.done != nil {
		select {
		case ts.done <- turnOutcome{err: errors.New(reason)}:
		default:
		}
	}
}

// AbortSession cancels the session's running turn, if any. Reports
// whether a turn was aborted.
func (s *Supervisor) AbortSession(ctx context.Context, sessionID string) (bool, error) {
	h := s.lookup(sessionID)
	if h == nil {
		return false, ErrSessionNotFound
	}

	msg, err := h.call(ctx, &bridge.Command{Kind: bridge.KindAbort}, s.cfg.StopGrace)
	if err != nil {
		return false, err
	}
	var p struct {
		Aborted bool `json:"aborted"`
	}
	_ = json.Unmarshal(msg.Payload, &p)
	return p.Aborted, nil
}

// StopSession shuts the session's worker down: a graceful shutdown
// command, then SIGTERM, then SIGKILL. Reports whether the session
// existed.
func (s *Supervisor) StopSession(ctx context.Context, sessionID, reason string) bool {
	h := s.lookup(sessionID)
	if h == nil {
		return false
	}
	s.stopHandle(ctx, h, reason)
	return true
}

func (s *Supervisor) stopHandle(ctx context.Context, h *handle, reason string) {
	h.markStopping()
	slog.Info("stopping worker", "session_id", h.sessionID, "pid", h.pid, "reason", reason)

	_, _ = h.call(ctx, &bridge.Command{Kind: bridge.KindShutdown, Reason: reason}, s.cfg.StopGrace)

	select {
	case <-h.exited:
		return
	case <-time.After(s.cfg.StopGrace):
	}
	_ = h.proc.Terminate()

	select {
	case <-h.exited:
		return
	case <-time.After(s.cfg.StopGrace):
	}
	_ = h.proc.Kill()
	<-h.exited
}

// Shutdown stops the background loops and all workers.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	hs := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })

	var wg sync.WaitGroup
	for _, h := range hs {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			s.stopHandle(ctx, h, "gateway_shutdown")
		}(h)
	}
	wg.Wait()
	s.loops.Wait()
	s.persistRegistry()
}

// pingLoop keeps workers' liveness fresh and retires the unresponsive.
func (s *Supervisor) pingLoop() {
	defer s.loops.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		now := time.Now()
		for _, h := range s.snapshot() {
			_ = h.write(&bridge.Command{Kind: bridge.KindPing, Ts: now.UnixMilli()})
			if h.heartbeatAge(now) > s.cfg.HeartbeatTimeout && !h.isStopping() {
				go s.stopHandle(context.Background(), h, "heartbeat_timeout")
			}
		}
	}
}

// idleLoop retires workers idle past the TTL.
func (s *Supervisor) idleLoop() {
	defer s.loops.Done()

	interval := 30 * time.Second
	if half := s.cfg.SessionIdleTTL / 2; half < interval {
		interval = half
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		now := time.Now()
		for _, h := range s.snapshot() {
			if h.idle(now, s.cfg.SessionIdleTTL) {
				go s.stopHandle(context.Background(), h, "session_idle")
			}
		}
	}
}

// RecoveryHandler adapts the supervisor for WAL replay: reopen the
// session and redispatch the recorded prompt against the existing WAL
// record.
func (s *Supervisor) RecoveryHandler(ctx context.Context) wal.Handler {
	return func(rec *wal.Record) error {
		if _, err := s.OpenSession(ctx, OpenInput{SessionID: rec.Envelope.SessionID}); err != nil {
			return err
		}
		_, err := s.SendPrompt(ctx, SendInput{
			SessionID:   rec.Envelope.SessionID,
			Prompt:      rec.Envelope.PromptText(),
			TurnID:      rec.Envelope.TurnID,
			Source:      rec.Source,
			WALReplayID: rec.WALID,
		})
		return err
	}
}

// SessionStatus is one worker's status snapshot.
type SessionStatus struct {
	SessionID      string    `json:"sessionId"`
	WorkerPID      int       `json:"workerPid"`
	AgentSessionID string    `json:"agentSessionId,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ActiveTurns    int       `json:"activeTurns"`
}

// Sessions lists the live workers.
func (s *Supervisor) Sessions() []SessionStatus {
	out := []SessionStatus{}
	for _, h := range s.snapshot() {
		h.mu.Lock()
		out = append(out, SessionStatus{
			SessionID:      h.sessionID,
			WorkerPID:      h.pid,
			AgentSessionID: h.agentSessionID,
			StartedAt:      h.startedAt,
			LastActivityAt: h.lastActivity,
			ActiveTurns:    len(h.turns),
		})
		h.mu.Unlock()
	}
	return out
}

// Counts returns (occupied worker slots, open queue depth).
func (s *Supervisor) Counts() (int, int) {
	return s.adm.Snapshot()
}

// HasSession reports whether a worker exists for the session id.
func (s *Supervisor) HasSession(sessionID string) bool {
	return s.lookup(sessionID) != nil
}

func (s *Supervisor) lookup(sessionID string) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[sessionID]
}

func (s *Supervisor) snapshot() []*handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h)
	}
	return out
}

// forward delivers a worker event to the fan-out sink.
func (s *Supervisor) forward(sessionID, event string, payload json.RawMessage) {
	if s.sink != nil {
		s.sink(sessionID, event, payload)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
