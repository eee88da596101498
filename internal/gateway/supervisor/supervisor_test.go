package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brewva/brewva/internal/gateway/protocol"
	"github.com/brewva/brewva/internal/gateway/wal"
	"github.com/brewva/brewva/internal/util/testutil"
	"github.com/brewva/brewva/internal/worker"
)

// fakeSpawner runs the real worker runtime in-process over pipes, so
// supervisor tests exercise the full bridge without child processes.
type fakeSpawner struct {
	mu       sync.Mutex
	nextPID  int
	procs    []*fakeProc
	spawnErr error
}

type fakeProc struct {
	pid     int
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	cancel  context.CancelFunc
	done    chan error
	close   sync.Once
}

func (f *fakeSpawner) Spawn(ctx context.Context) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())

	f.nextPID++
	p := &fakeProc{
		pid:     f.nextPID + 10000,
		stdinW:  inW,
		stdoutR: outR,
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	f.procs = append(f.procs, p)

	r := worker.New(inR, outW)
	go func() {
		err := r.Run(runCtx)
		_ = outW.Close()
		p.done <- err
	}()
	return p, nil
}

func (f *fakeSpawner) last() *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.procs) == 0 {
		return nil
	}
	return f.procs[len(f.procs)-1]
}

func (p *fakeProc) PID() int           { return p.pid }
func (p *fakeProc) Stdin() io.Writer   { return p.stdinW }
func (p *fakeProc) Stdout() io.Reader  { return p.stdoutR }
func (p *fakeProc) StderrTail() string { return "" }

func (p *fakeProc) Terminate() error {
	p.shutdown()
	return nil
}

func (p *fakeProc) Kill() error {
	p.shutdown()
	return nil
}

func (p *fakeProc) Wait() error {
	return <-p.done
}

// shutdown closes the worker's stdin, ending its bridge loop, and
// cancels any running turn.
func (p *fakeProc) shutdown() {
	p.close.Do(func() {
		p.cancel()
		_ = p.stdinW.Close()
	})
}

// eventSink collects forwarded worker events.
type eventSink struct {
	mu     sync.Mutex
	events []sunkEvent
}

type sunkEvent struct {
	sessionID string
	event     string
	payload   json.RawMessage
}

func (c *eventSink) sink(sessionID, event string, payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, sunkEvent{sessionID, event, payload})
}

func (c *eventSink) has(sessionID, event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.sessionID == sessionID && e.event == event {
			return true
		}
	}
	return false
}

type fixture struct {
	sup     *Supervisor
	spawner *fakeSpawner
	sink    *eventSink
	wal     *wal.Store
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	spawner := &fakeSpawner{}
	sink := &eventSink{}
	cfg.Spawner = spawner
	cfg.RegistryPath = filepath.Join(t.TempDir(), "children.json")

	store, err := wal.Open(t.TempDir(), "gateway", wal.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sup := New(cfg, store, sink.sink)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	})
	return &fixture{sup: sup, spawner: spawner, sink: sink, wal: store}
}

// longPrompt keeps a simulated turn running long enough for a test to
// observe the busy state.
func longPrompt() string {
	return strings.TrimSpace(strings.Repeat("word ", 400))
}

func TestOpenCreatesAndReusesWorker(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 4})
	ctx := context.Background()

	res, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "s1", res.SessionID)
	assert.NotEmpty(t, res.AgentSessionID)
	assert.NotZero(t, res.WorkerPID)

	again, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s1"})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.WorkerPID, again.WorkerPID)
	assert.Equal(t, res.AgentSessionID, again.AgentSessionID)
}

func TestOpenGeneratesSessionID(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 4})

	res, err := f.sup.OpenSession(context.Background(), OpenInput{})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.NotEmpty(t, res.SessionID)
	assert.Empty(t, res.RequestedSessionID)
}

func TestOpenRejectsInvalidCwd(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 1, MaxOpenQueue: 0})
	ctx := context.Background()

	var badCwd *InvalidCwdError
	_, err := f.sup.OpenSession(ctx, OpenInput{
		SessionID: "s1",
		Cwd:       filepath.Join(t.TempDir(), "does-not-exist"),
	})
	require.ErrorAs(t, err, &badCwd)

	plainFile := filepath.Join(t.TempDir(), "plain.txt")
	require.NoError(t, os.WriteFile(plainFile, []byte("x"), 0o644))
	_, err = f.sup.OpenSession(ctx, OpenInput{SessionID: "s1", Cwd: plainFile})
	require.ErrorAs(t, err, &badCwd)

	// Rejection happens before admission: no session exists and the
	// single worker slot is still free.
	workers, depth := f.sup.Counts()
	assert.Zero(t, workers)
	assert.Zero(t, depth)

	res, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s1", Cwd: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestOpenRefusedAtWorkerLimit(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 1, MaxOpenQueue: 0})
	ctx := context.Background()

	_, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s1"})
	require.NoError(t, err)

	_, err = f.sup.OpenSession(ctx, OpenInput{SessionID: "s2"})
	var admErr *AdmissionError
	require.ErrorAs(t, err, &admErr)
	assert.Equal(t, "worker_limit", admErr.Kind)
	assert.Equal(t, 1, admErr.MaxWorkers)
	assert.Equal(t, 1, admErr.CurrentWorkers)
	assert.True(t, admErr.Retryable())
}

func TestOpenQueueWaitsForFreeSlot(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 1, MaxOpenQueue: 2})
	ctx := context.Background()

	_, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s1"})
	require.NoError(t, err)

	type opened struct {
		res *OpenResult
		err error
	}
	ch := make(chan opened, 1)
	go func() {
		res, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s2"})
		ch <- opened{res, err}
	}()

	testutil.RequireEventually(t, func() bool {
		_, depth := f.sup.Counts()
		return depth == 1
	})

	require.True(t, f.sup.StopSession(ctx, "s1", "test"))

	select {
	case got := <-ch:
		require.NoError(t, got.err)
		assert.True(t, got.res.Created)
		assert.Equal(t, "s2", got.res.SessionID)
	case <-time.After(10 * time.Second):
		t.Fatal("queued open never completed")
	}
}

func TestOpenRefusedAtQueueLimit(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 1, MaxOpenQueue: 1})
	ctx := context.Background()

	_, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s1"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_, _ = f.sup.OpenSession(waitCtx, OpenInput{SessionID: "s2"})
	}()
	testutil.RequireEventually(t, func() bool {
		_, depth := f.sup.Counts()
		return depth == 1
	})

	_, err = f.sup.OpenSession(ctx, OpenInput{SessionID: "s3"})
	var admErr *AdmissionError
	require.ErrorAs(t, err, &admErr)
	assert.Equal(t, "open_queue_full", admErr.Kind)
	assert.False(t, admErr.Retryable())
}

func TestSendPromptWaitsForOutput(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 2})
	ctx := context.Background()

	_, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s1"})
	require.NoError(t, err)

	res, err := f.sup.SendPrompt(ctx, SendInput{
		SessionID: "s1",
		Prompt:    "hello there",
		Wait:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "ack: hello there", res.Output)
	assert.NotEmpty(t, res.TurnID)

	// The turn's WAL record reached done before the waiter woke.
	assert.Empty(t, f.wal.ListPending())
}

func TestSendToUnknownSession(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 2})

	_, err := f.sup.SendPrompt(context.Background(), SendInput{SessionID: "nope", Prompt: "hi"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDuplicateActiveTurnID(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 2})
	ctx := context.Background()

	_, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s1"})
	require.NoError(t, err)

	_, err = f.sup.SendPrompt(ctx, SendInput{SessionID: "s1", Prompt: longPrompt(), TurnID: "t1"})
	require.NoError(t, err)

	_, err = f.sup.SendPrompt(ctx, SendInput{SessionID: "s1", Prompt: "again", TurnID: "t1"})
	var dupErr *DuplicateTurnError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, "t1", dupErr.TurnID)
}

func TestSecondTurnWhileBusy(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 2})
	ctx := context.Background()

	_, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s1"})
	require.NoError(t, err)

	_, err = f.sup.SendPrompt(ctx, SendInput{SessionID: "s1", Prompt: longPrompt(), TurnID: "t1"})
	require.NoError(t, err)

	_, err = f.sup.SendPrompt(ctx, SendInput{SessionID: "s1", Prompt: "second", TurnID: "t2"})
	assert.ErrorIs(t, err, ErrSessionBusy)

	// Only the running turn's record stays non-terminal.
	pending := f.wal.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, "t1", pending[0].Envelope.TurnID)
}

func TestAbortSession(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 2})
	ctx := context.Background()

	_, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s1"})
	require.NoError(t, err)

	_, err = f.sup.SendPrompt(ctx, SendInput{SessionID: "s1", Prompt: longPrompt(), TurnID: "t1"})
	require.NoError(t, err)

	aborted, err := f.sup.AbortSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, aborted)

	testutil.RequireEventually(t, func() bool {
		return f.sink.has("s1", protocol.EventTurnError)
	})
	testutil.RequireEventually(t, func() bool {
		return len(f.wal.ListPending()) == 0
	})
}

func TestAbortWithNoActiveTurn(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 2})
	ctx := context.Background()

	_, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s1"})
	require.NoError(t, err)

	aborted, err := f.sup.AbortSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, aborted)
}

func TestStopSessionReleasesSlot(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 1})
	ctx := context.Background()

	_, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s1"})
	require.NoError(t, err)

	require.True(t, f.sup.StopSession(ctx, "s1", "test"))
	assert.False(t, f.sup.HasSession("s1"))

	testutil.RequireEventually(t, func() bool {
		slots, _ := f.sup.Counts()
		return slots == 0
	})

	// The freed slot admits a new session.
	res, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s2"})
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestStopUnknownSession(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 1})
	assert.False(t, f.sup.StopSession(context.Background(), "nope", "test"))
}

func TestWorkerCrashFailsOutstandingTurns(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 2})
	ctx := context.Background()

	_, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s1"})
	require.NoError(t, err)

	_, err = f.sup.SendPrompt(ctx, SendInput{SessionID: "s1", Prompt: longPrompt(), TurnID: "t1"})
	require.NoError(t, err)

	// Simulate a crash mid-turn.
	f.spawner.last().shutdown()

	testutil.RequireEventually(t, func() bool {
		return !f.sup.HasSession("s1")
	})
	testutil.RequireEventually(t, func() bool {
		return len(f.wal.ListPending()) == 0
	})
	assert.True(t, f.sink.has("s1", protocol.EventTurnError))

	rec := findByTurn(t, f.wal, "t1")
	assert.Equal(t, wal.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "worker_crash")
}

func TestEventsForwardedToSink(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 2})
	ctx := context.Background()

	_, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s1"})
	require.NoError(t, err)

	_, err = f.sup.SendPrompt(ctx, SendInput{
		SessionID: "s1",
		Prompt:    "hello there",
		TurnID:    "t1",
		Wait:      true,
	})
	require.NoError(t, err)

	assert.True(t, f.sink.has("s1", protocol.EventTurnStart))
	assert.True(t, f.sink.has("s1", protocol.EventTurnChunk))
	assert.True(t, f.sink.has("s1", protocol.EventTurnEnd))
}

func TestRecoveryHandlerReplaysRecord(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 2})
	ctx := context.Background()

	rec, err := f.wal.AppendPending(wal.TurnEnvelope{
		SessionID: "s1",
		TurnID:    "t1",
		Parts:     []wal.Part{{Type: "text", Text: "replay me"}},
		Timestamp: time.Now().UTC(),
	}, wal.SourceGateway, wal.AppendOptions{})
	require.NoError(t, err)

	recovery := wal.NewRecovery(f.wal)
	recovery.Register(wal.SourceGateway, f.sup.RecoveryHandler(ctx))
	stats := recovery.Run()
	assert.Equal(t, 1, stats.Dispatched)

	assert.True(t, f.sup.HasSession("s1"))
	testutil.RequireEventually(t, func() bool {
		got := f.wal.Get(rec.WALID)
		return got != nil && got.Status == wal.StatusDone
	})
}

func TestIdleWorkerIsReaped(t *testing.T) {
	f := newFixture(t, Config{
		MaxWorkers:     2,
		SessionIdleTTL: 200 * time.Millisecond,
	})
	f.sup.Start()
	ctx := context.Background()

	_, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s1"})
	require.NoError(t, err)

	testutil.RequireEventually(t, func() bool {
		return !f.sup.HasSession("s1")
	})
}

func TestShutdownStopsAllWorkers(t *testing.T) {
	spawner := &fakeSpawner{}
	store, err := wal.Open(t.TempDir(), "gateway", wal.Options{})
	require.NoError(t, err)
	defer store.Close()

	sup := New(Config{MaxWorkers: 4, Spawner: spawner}, store, nil)
	ctx := context.Background()
	for _, sid := range []string{"s1", "s2", "s3"} {
		_, err := sup.OpenSession(ctx, OpenInput{SessionID: sid})
		require.NoError(t, err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	sup.Shutdown(shutdownCtx)

	assert.Empty(t, sup.Sessions())
	slots, _ := sup.Counts()
	assert.Equal(t, 0, slots)

	_, err = sup.OpenSession(ctx, OpenInput{SessionID: "s4"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestSpawnFailureReleasesSlot(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 1})
	f.spawner.spawnErr = errors.New("fork: resource exhausted")

	_, err := f.sup.OpenSession(context.Background(), OpenInput{SessionID: "s1"})
	require.Error(t, err)
	assert.False(t, f.sup.HasSession("s1"))

	f.spawner.spawnErr = nil
	res, err := f.sup.OpenSession(context.Background(), OpenInput{SessionID: "s1"})
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestRegistryPersisted(t *testing.T) {
	f := newFixture(t, Config{MaxWorkers: 2})
	ctx := context.Background()

	res, err := f.sup.OpenSession(ctx, OpenInput{SessionID: "s1"})
	require.NoError(t, err)

	data, err := os.ReadFile(f.sup.cfg.RegistryPath)
	require.NoError(t, err)
	var entries []registryEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "s1", entries[0].SessionID)
	assert.Equal(t, res.WorkerPID, entries[0].PID)
}

func findByTurn(t *testing.T, store *wal.Store, turnID string) *wal.Record {
	t.Helper()
	// ListPending excludes terminal records, so walk the raw file via
	// Get on the ids we saw; tests only ever append a handful.
	for _, rec := range allRecords(store) {
		if rec.Envelope.TurnID == turnID {
			return rec
		}
	}
	t.Fatalf("no wal record for turn %s", turnID)
	return nil
}

func allRecords(store *wal.Store) []*wal.Record {
	var out []*wal.Record
	store.Walk(func(rec *wal.Record) {
		out = append(out, rec)
	})
	return out
}
