package heartbeat

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brewva/brewva/internal/gateway/protocol"
	"github.com/brewva/brewva/internal/gateway/supervisor"
	"github.com/brewva/brewva/internal/util/testutil"
)

// fakeSessions records supervisor calls.
type fakeSessions struct {
	mu      sync.Mutex
	open    []string
	sends   []supervisor.SendInput
	stopped map[string]string // session id -> reason
	live    map[string]bool
	sendErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{stopped: map[string]string{}, live: map[string]bool{}}
}

func (f *fakeSessions) OpenSession(_ context.Context, in supervisor.OpenInput) (*supervisor.OpenResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created := !f.live[in.SessionID]
	f.live[in.SessionID] = true
	f.open = append(f.open, in.SessionID)
	return &supervisor.OpenResult{SessionID: in.SessionID, Created: created}, nil
}

func (f *fakeSessions) SendPrompt(_ context.Context, in supervisor.SendInput) (*supervisor.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, in)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &supervisor.SendResult{SessionID: in.SessionID, Output: "ack: " + in.Prompt}, nil
}

func (f *fakeSessions) StopSession(_ context.Context, sessionID, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[sessionID] {
		return false
	}
	delete(f.live, sessionID)
	f.stopped[sessionID] = reason
	return true
}

func (f *fakeSessions) HasSession(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[sessionID]
}

func (f *fakeSessions) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heartbeat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPolicy(t *testing.T) {
	path := writePolicy(t, `
rules:
  - id: standup
    prompt: "summarize overnight activity"
    every: 1h
  - id: watchdog
    prompt: "check queue depth"
    every: 30s
    session_id: ops
    enabled: false
`)
	rules, err := loadPolicy(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, "standup", rules[0].ID)
	assert.Equal(t, time.Hour, rules[0].Every)
	assert.Equal(t, "heartbeat:standup", rules[0].SessionID)
	assert.True(t, rules[0].Enabled)

	assert.Equal(t, "ops", rules[1].SessionID)
	assert.False(t, rules[1].Enabled)
}

func TestLoadPolicyMissingFileIsEmpty(t *testing.T) {
	rules, err := loadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestLoadPolicyRejectsBadRules(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing id", "rules:\n  - prompt: p\n    every: 30s\n"},
		{"missing prompt", "rules:\n  - id: r1\n    every: 30s\n"},
		{"bad interval", "rules:\n  - id: r1\n    prompt: p\n    every: often\n"},
		{"sub-second interval", "rules:\n  - id: r1\n    prompt: p\n    every: 500ms\n"},
		{"duplicate id", "rules:\n  - id: r1\n    prompt: p\n    every: 30s\n  - id: r1\n    prompt: q\n    every: 30s\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadPolicy(writePolicy(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestTickFiresDueRules(t *testing.T) {
	path := writePolicy(t, `
rules:
  - id: r1
    prompt: "ping"
    every: 1h
`)
	sessions := newFakeSessions()

	var mu sync.Mutex
	var events []string
	s := New(path, sessions, func(event string, _ json.RawMessage) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})
	_, err := s.Reload(context.Background())
	require.NoError(t, err)

	now := time.Now()
	s.Tick(context.Background(), now)
	testutil.RequireEventually(t, func() bool { return sessions.sendCount() == 1 })

	sessions.mu.Lock()
	send := sessions.sends[0]
	sessions.mu.Unlock()
	assert.Equal(t, "heartbeat:r1", send.SessionID)
	assert.Equal(t, "ping", send.Prompt)
	assert.True(t, send.Wait)

	testutil.RequireEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1 && events[0] == protocol.EventHeartbeatFired
	})

	// Within the interval nothing new fires.
	s.Tick(context.Background(), now.Add(time.Minute))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sessions.sendCount())

	// Past the interval it fires again.
	s.Tick(context.Background(), now.Add(61*time.Minute))
	testutil.RequireEventually(t, func() bool { return sessions.sendCount() == 2 })
}

func TestTickSkipsDisabledRules(t *testing.T) {
	path := writePolicy(t, `
rules:
  - id: r1
    prompt: "ping"
    every: 1s
    enabled: false
`)
	sessions := newFakeSessions()
	s := New(path, sessions, nil)
	_, err := s.Reload(context.Background())
	require.NoError(t, err)

	s.Tick(context.Background(), time.Now())
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sessions.sendCount())
}

func TestReloadClosesRemovedDefaultSessions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heartbeat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: r1
    prompt: "ping"
    every: 1h
  - id: r2
    prompt: "pong"
    every: 1h
    session_id: shared
`), 0o644))

	sessions := newFakeSessions()
	s := New(path, sessions, nil)
	_, err := s.Reload(context.Background())
	require.NoError(t, err)

	// Fire once so the default session exists.
	s.Tick(context.Background(), time.Now())
	testutil.RequireEventually(t, func() bool { return sessions.HasSession("heartbeat:r1") })

	// r1 gone; its default session should be closed. r2's named session
	// is never a cleanup candidate.
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: r2
    prompt: "pong"
    every: 1h
    session_id: shared
`), 0o644))
	res, err := s.Reload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.RemovedRules)
	assert.Equal(t, 1, res.ClosedSessions)
	assert.Equal(t, []string{"r1"}, res.RemovedRuleIDs)
	assert.Equal(t, []string{"heartbeat:r1"}, res.ClosedSessionIDs)
	sessions.mu.Lock()
	assert.Equal(t, "heartbeat_rule_removed", sessions.stopped["heartbeat:r1"])
	sessions.mu.Unlock()
}

func TestReloadKeepsSessionStillReferenced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "heartbeat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: r1
    prompt: "ping"
    every: 1h
`), 0o644))

	sessions := newFakeSessions()
	s := New(path, sessions, nil)
	_, err := s.Reload(context.Background())
	require.NoError(t, err)

	s.Tick(context.Background(), time.Now())
	testutil.RequireEventually(t, func() bool { return sessions.HasSession("heartbeat:r1") })

	// r1 removed but r2 explicitly reuses its session: no cleanup.
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: r2
    prompt: "pong"
    every: 1h
    session_id: heartbeat:r1
`), 0o644))
	res, err := s.Reload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.RemovedRules)
	assert.Equal(t, []string{"r1"}, res.RemovedRuleIDs)
	assert.Zero(t, res.ClosedSessions)
	assert.Empty(t, res.ClosedSessionIDs)
	assert.True(t, sessions.HasSession("heartbeat:r1"))
}

func TestFireFailureDoesNotStopFutureTicks(t *testing.T) {
	path := writePolicy(t, `
rules:
  - id: r1
    prompt: "ping"
    every: 1s
`)
	sessions := newFakeSessions()
	sessions.sendErr = assert.AnError

	s := New(path, sessions, nil)
	_, err := s.Reload(context.Background())
	require.NoError(t, err)

	now := time.Now()
	s.Tick(context.Background(), now)
	testutil.RequireEventually(t, func() bool { return sessions.sendCount() == 1 })

	s.Tick(context.Background(), now.Add(2*time.Second))
	testutil.RequireEventually(t, func() bool { return sessions.sendCount() == 2 })
}
