package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brewva/brewva/internal/gateway/bridge"
	"github.com/brewva/brewva/internal/gateway/protocol"
	"github.com/brewva/brewva/internal/util/testutil"
)

// harness drives a Runner over in-memory pipes and collects its output
// messages.
type harness struct {
	t      *testing.T
	stdin  io.WriteCloser
	mu     sync.Mutex
	msgs   []bridge.Message
	done   chan error
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	r := New(inR, outW)
	r.chunkDelay = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, stdin: inW, done: make(chan error, 1), cancel: cancel}
	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
	})

	go func() {
		h.done <- r.Run(ctx)
		_ = outW.Close()
	}()
	go func() {
		scanner := bufio.NewScanner(outR)
		for scanner.Scan() {
			var msg bridge.Message
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				continue
			}
			h.mu.Lock()
			h.msgs = append(h.msgs, msg)
			h.mu.Unlock()
		}
	}()
	return h
}

func (h *harness) sendCmd(cmd bridge.Command) {
	data, err := json.Marshal(cmd)
	require.NoError(h.t, err)
	_, err = h.stdin.Write(append(data, '\n'))
	require.NoError(h.t, err)
}

// find returns the first message matching pred, if any.
func (h *harness) find(pred func(bridge.Message) bool) (bridge.Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.msgs {
		if pred(m) {
			return m, true
		}
	}
	return bridge.Message{}, false
}

func (h *harness) waitFor(pred func(bridge.Message) bool) bridge.Message {
	h.t.Helper()
	testutil.RequireEventually(h.t, func() bool {
		_, ok := h.find(pred)
		return ok
	})
	m, _ := h.find(pred)
	return m
}

func isResult(requestID string) func(bridge.Message) bool {
	return func(m bridge.Message) bool {
		return m.Kind == bridge.KindResult && m.RequestID == requestID
	}
}

func isEvent(event, turnID string) func(bridge.Message) bool {
	return func(m bridge.Message) bool {
		if m.Kind != bridge.KindEvent || m.Event != event {
			return false
		}
		var p bridge.TurnEventPayload
		_ = json.Unmarshal(m.Payload, &p)
		return p.TurnID == turnID
	}
}

func initSession(h *harness, sessionID string) bridge.ReadyPayload {
	h.t.Helper()
	h.sendCmd(bridge.Command{
		Kind:      bridge.KindInit,
		RequestID: "req-init",
		Init:      &bridge.InitPayload{SessionID: sessionID, RequestedSessionID: sessionID, ParentPID: 1},
	})
	ready := h.waitFor(func(m bridge.Message) bool {
		return m.Kind == bridge.KindReady && m.RequestID == "req-init"
	})
	var p bridge.ReadyPayload
	require.NoError(h.t, json.Unmarshal(ready.Payload, &p))
	return p
}

func TestInitAnnouncesAgentSession(t *testing.T) {
	h := newHarness(t)
	p := initSession(h, "s1")
	assert.Equal(t, "s1", p.RequestedSessionID)
	assert.NotEmpty(t, p.AgentSessionID)
}

func TestInitTwiceFails(t *testing.T) {
	h := newHarness(t)
	initSession(h, "s1")

	h.sendCmd(bridge.Command{
		Kind:      bridge.KindInit,
		RequestID: "req-init-2",
		Init:      &bridge.InitPayload{SessionID: "s1"},
	})
	res := h.waitFor(isResult("req-init-2"))
	assert.False(t, res.OK)
}

func TestSendRunsFullTurn(t *testing.T) {
	h := newHarness(t)
	initSession(h, "s1")

	h.sendCmd(bridge.Command{Kind: bridge.KindSend, RequestID: "req-send", TurnID: "t1", Prompt: "hello there"})

	res := h.waitFor(isResult("req-send"))
	assert.True(t, res.OK)
	var ack bridge.SendAckPayload
	require.NoError(t, json.Unmarshal(res.Payload, &ack))
	assert.Equal(t, "t1", ack.TurnID)

	h.waitFor(isEvent(protocol.EventTurnStart, "t1"))
	h.waitFor(isEvent(protocol.EventTurnChunk, "t1"))
	end := h.waitFor(isEvent(protocol.EventTurnEnd, "t1"))

	var p bridge.TurnEventPayload
	require.NoError(t, json.Unmarshal(end.Payload, &p))
	assert.Equal(t, "s1", p.SessionID)
	assert.Equal(t, "ack: hello there", p.Output)
}

func TestSendWhileBusyReturnsSessionBusy(t *testing.T) {
	h := newHarness(t)
	initSession(h, "s1")

	// A long prompt keeps the first turn running while the second lands.
	long := make([]byte, 0, 2048)
	for i := 0; i < 300; i++ {
		long = append(long, []byte("word ")...)
	}
	h.sendCmd(bridge.Command{Kind: bridge.KindSend, RequestID: "req-1", TurnID: "t1", Prompt: string(long)})
	h.waitFor(isEvent(protocol.EventTurnStart, "t1"))

	h.sendCmd(bridge.Command{Kind: bridge.KindSend, RequestID: "req-2", TurnID: "t2", Prompt: "second"})
	res := h.waitFor(isResult("req-2"))
	assert.False(t, res.OK)
	assert.Equal(t, bridge.ErrorCodeSessionBusy, res.ErrorCode)
}

func TestAbortEmitsTurnError(t *testing.T) {
	h := newHarness(t)
	initSession(h, "s1")

	long := make([]byte, 0, 2048)
	for i := 0; i < 300; i++ {
		long = append(long, []byte("word ")...)
	}
	h.sendCmd(bridge.Command{Kind: bridge.KindSend, RequestID: "req-send", TurnID: "t1", Prompt: string(long)})
	h.waitFor(isEvent(protocol.EventTurnStart, "t1"))

	h.sendCmd(bridge.Command{Kind: bridge.KindAbort, RequestID: "req-abort"})
	res := h.waitFor(isResult("req-abort"))
	assert.True(t, res.OK)

	errEvt := h.waitFor(isEvent(protocol.EventTurnError, "t1"))
	var p bridge.TurnEventPayload
	require.NoError(t, json.Unmarshal(errEvt.Payload, &p))
	assert.Equal(t, "aborted", p.Reason)

	// No turn.end for an aborted turn.
	_, ended := h.find(func(m bridge.Message) bool {
		return m.Kind == bridge.KindEvent && m.Event == protocol.EventTurnEnd
	})
	assert.False(t, ended)
}

func TestSendBeforeInitFails(t *testing.T) {
	h := newHarness(t)
	h.sendCmd(bridge.Command{Kind: bridge.KindSend, RequestID: "req-send", TurnID: "t1", Prompt: "hi"})
	res := h.waitFor(isResult("req-send"))
	assert.False(t, res.OK)
}

func TestPingAnswersHeartbeat(t *testing.T) {
	h := newHarness(t)
	h.sendCmd(bridge.Command{Kind: bridge.KindPing, Ts: time.Now().UnixMilli()})
	h.waitFor(func(m bridge.Message) bool { return m.Kind == bridge.KindHeartbeat })
}

func TestShutdownEndsRun(t *testing.T) {
	h := newHarness(t)
	initSession(h, "s1")

	h.sendCmd(bridge.Command{Kind: bridge.KindShutdown, RequestID: "req-stop", Reason: "test"})
	res := h.waitFor(isResult("req-stop"))
	assert.True(t, res.OK)

	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.Fail(t, "Run did not return after shutdown")
	}
}

func TestRespondTruncates(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	out := respond(string(long))
	assert.Len(t, out, len("ack: ")+maxEchoLen)
}
