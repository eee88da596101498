package daemon

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/brewva/brewva/internal/gateway/protocol"
	"github.com/brewva/brewva/internal/metrics"
)

// fanout owns the connection registry, session subscriptions, and the
// global event sequence. Sequence numbers are assigned under the same
// lock that appends to each connection's outbound queue, so two events
// can never reach one connection out of seq order.
type fanout struct {
	mu    sync.Mutex
	seq   uint64
	conns map[string]*conn
	subs  map[string]map[string]*conn // session id -> conn id -> conn
	rsubs map[string]map[string]bool  // conn id -> session ids
}

func newFanout() *fanout {
	return &fanout{
		conns: make(map[string]*conn),
		subs:  make(map[string]map[string]*conn),
		rsubs: make(map[string]map[string]bool),
	}
}

func (f *fanout) register(c *conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[c.id] = c
	metrics.ActiveConnections.Set(float64(len(f.conns)))
}

func (f *fanout) unregister(c *conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, c.id)
	for sessionID := range f.rsubs[c.id] {
		if m := f.subs[sessionID]; m != nil {
			delete(m, c.id)
			if len(m) == 0 {
				delete(f.subs, sessionID)
			}
		}
	}
	delete(f.rsubs, c.id)
	metrics.ActiveConnections.Set(float64(len(f.conns)))
}

// subscribe adds c to the session's event stream. Reports whether the
// subscription changed (idempotent re-subscribes return false).
func (f *fanout) subscribe(c *conn, sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.conns[c.id]; !ok {
		return false
	}
	if f.rsubs[c.id][sessionID] {
		return false
	}
	if f.subs[sessionID] == nil {
		f.subs[sessionID] = make(map[string]*conn)
	}
	f.subs[sessionID][c.id] = c
	if f.rsubs[c.id] == nil {
		f.rsubs[c.id] = make(map[string]bool)
	}
	f.rsubs[c.id][sessionID] = true
	return true
}

// unsubscribe removes c from the session's event stream. Reports
// whether a subscription was actually removed.
func (f *fanout) unsubscribe(c *conn, sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.rsubs[c.id][sessionID] {
		return false
	}
	delete(f.rsubs[c.id], sessionID)
	if m := f.subs[sessionID]; m != nil {
		delete(m, c.id)
		if len(m) == 0 {
			delete(f.subs, sessionID)
		}
	}
	return true
}

// broadcast delivers an event frame to every authenticated connection.
func (f *fanout) broadcast(event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	targets := make([]*conn, 0, len(f.conns))
	for _, c := range f.conns {
		if c.authenticated() {
			targets = append(targets, c)
		}
	}
	f.emitLocked(targets, event, payload)
}

// sessionEvent delivers a session-scoped event to the session's
// subscribers only. Events that arrive without a session id cannot be
// scoped and are dropped.
func (f *fanout) sessionEvent(sessionID, event string, payload json.RawMessage) {
	if sessionID == "" {
		slog.Warn("dropping unscopeable session event", "event", event)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.subs[sessionID]
	if len(m) == 0 {
		return
	}
	targets := make([]*conn, 0, len(m))
	for _, c := range m {
		if c.authenticated() {
			targets = append(targets, c)
		}
	}
	f.emitLocked(targets, event, payload)
}

// emitLocked assigns the next seq, marshals the frame once, and appends
// it to every target's outbound queue. Caller holds f.mu.
func (f *fanout) emitLocked(targets []*conn, event string, payload any) {
	f.seq++
	frame := &protocol.Event{
		Type:    protocol.FrameEvent,
		Event:   event,
		Payload: payload,
		Seq:     f.seq,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("marshal event frame", "event", event, "error", err)
		return
	}
	for _, c := range targets {
		c.enqueue(data)
		metrics.EventsSentTotal.WithLabelValues(event).Inc()
	}
}

// snapshot returns all registered connections.
func (f *fanout) snapshot() []*conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*conn, 0, len(f.conns))
	for _, c := range f.conns {
		out = append(out, c)
	}
	return out
}

func (f *fanout) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}
