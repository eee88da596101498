package wal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(sessionID, turnID, prompt string) TurnEnvelope {
	return TurnEnvelope{
		SessionID: sessionID,
		TurnID:    turnID,
		Parts:     []Part{{Type: "text", Text: prompt}},
		Timestamp: time.Now().UTC(),
	}
}

func openStore(t *testing.T, dir string, opts Options) *Store {
	t.Helper()
	s, err := Open(dir, "runtime", opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndTransitions(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{})

	rec, err := s.AppendPending(envelope("s1", "t1", "hi"), SourceGateway, AppendOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
	assert.NotEmpty(t, rec.WALID)

	got := s.MarkInflight(rec.WALID)
	require.NotNil(t, got)
	assert.Equal(t, StatusInflight, got.Status)

	got = s.MarkDone(rec.WALID)
	require.NotNil(t, got)
	assert.Equal(t, StatusDone, got.Status)

	// Terminal: every further transition is a no-op.
	assert.Nil(t, s.MarkInflight(rec.WALID))
	assert.Nil(t, s.MarkFailed(rec.WALID, "late"))
	assert.Nil(t, s.MarkExpired(rec.WALID))
	assert.Equal(t, StatusDone, s.Get(rec.WALID).Status)
}

func TestIllegalTransitions(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{})

	rec, err := s.AppendPending(envelope("s1", "t1", "hi"), SourceGateway, AppendOptions{})
	require.NoError(t, err)

	// pending -> done is not an edge.
	assert.Nil(t, s.MarkDone(rec.WALID))
	assert.Equal(t, StatusPending, s.Get(rec.WALID).Status)

	// pending -> failed is.
	got := s.MarkFailed(rec.WALID, "worker_crash: exit 1")
	require.NotNil(t, got)
	assert.Equal(t, "worker_crash: exit 1", got.Error)
}

func TestDedupeKeyCollision(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{})

	first, err := s.AppendPending(envelope("s1", "t1", "hi"), SourceGateway, AppendOptions{DedupeKey: "k1"})
	require.NoError(t, err)

	second, err := s.AppendPending(envelope("s1", "t2", "other"), SourceGateway, AppendOptions{DedupeKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, first.WALID, second.WALID)
	assert.Equal(t, "t1", second.Envelope.TurnID)
	assert.Len(t, s.ListPending(), 1)

	// Once the first record is terminal, the key is free again.
	s.MarkInflight(first.WALID)
	s.MarkDone(first.WALID)
	third, err := s.AppendPending(envelope("s1", "t3", "again"), SourceGateway, AppendOptions{DedupeKey: "k1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.WALID, third.WALID)
}

func TestListPendingOrder(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{})

	a, _ := s.AppendPending(envelope("s1", "t1", "a"), SourceGateway, AppendOptions{})
	b, _ := s.AppendPending(envelope("s2", "t2", "b"), SourceHeartbeat, AppendOptions{})
	c, _ := s.AppendPending(envelope("s3", "t3", "c"), SourceChannel, AppendOptions{})
	s.MarkInflight(b.WALID)
	s.MarkDone(b.WALID)

	pending := s.ListPending()
	require.Len(t, pending, 2)
	assert.Equal(t, a.WALID, pending[0].WALID)
	assert.Equal(t, c.WALID, pending[1].WALID)
}

func TestReloadAfterRestart(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir, Options{})
	rec, err := s.AppendPending(envelope("s1", "t1", "hi"), SourceGateway, AppendOptions{DedupeKey: "k1"})
	require.NoError(t, err)
	s.MarkInflight(rec.WALID)
	require.NoError(t, s.Close())

	reopened, err := Open(dir, "runtime", Options{})
	require.NoError(t, err)
	defer reopened.Close()

	got := reopened.Get(rec.WALID)
	require.NotNil(t, got)
	assert.Equal(t, StatusInflight, got.Status)
	assert.Equal(t, "k1", got.DedupeKey)
	assert.Equal(t, "hi", got.Envelope.PromptText())
}

func TestCompact(t *testing.T) {
	dir := t.TempDir()
	clock := time.Now().UTC()
	now := func() time.Time { return clock }
	s := openStore(t, dir, Options{CompactHorizon: time.Hour, Now: now})

	old, _ := s.AppendPending(envelope("s1", "t1", "old"), SourceGateway, AppendOptions{})
	s.MarkInflight(old.WALID)
	s.MarkDone(old.WALID)
	live, _ := s.AppendPending(envelope("s2", "t2", "live"), SourceGateway, AppendOptions{})

	// Not old enough yet: nothing dropped.
	stats, err := s.Compact()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Dropped)

	clock = clock.Add(2 * time.Hour)
	stats, err = s.Compact()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Dropped)
	assert.Equal(t, 1, stats.Retained)

	assert.Nil(t, s.Get(old.WALID))
	assert.NotNil(t, s.Get(live.WALID))

	// Dropped records land in the zstd archive.
	raw, err := ReadArchive(s.archivePath())
	require.NoError(t, err)
	assert.Contains(t, string(raw), old.WALID)

	// The store still appends after the live-file rewrite.
	_, err = s.AppendPending(envelope("s3", "t3", "after"), SourceGateway, AppendOptions{})
	require.NoError(t, err)
}

func TestRecovery(t *testing.T) {
	clock := time.Now().UTC()
	now := func() time.Time { return clock }
	s := openStore(t, t.TempDir(), Options{Now: now})

	fresh, _ := s.AppendPending(envelope("s1", "t1", "replay me"), SourceGateway, AppendOptions{TTLMs: 60000})
	s.MarkInflight(fresh.WALID)
	stale, _ := s.AppendPending(envelope("s2", "t2", "too old"), SourceGateway, AppendOptions{TTLMs: 1000})
	empty, _ := s.AppendPending(TurnEnvelope{SessionID: "s3", TurnID: "t3"}, SourceGateway, AppendOptions{})
	done, _ := s.AppendPending(envelope("s4", "t4", "finished"), SourceGateway, AppendOptions{})
	s.MarkInflight(done.WALID)
	s.MarkDone(done.WALID)

	clock = clock.Add(30 * time.Second) // stale's 1s TTL elapsed, fresh's 60s has not

	var dispatched []string
	rec := NewRecovery(s)
	rec.Register(SourceGateway, func(r *Record) error {
		dispatched = append(dispatched, r.WALID)
		s.MarkInflight(r.WALID)
		return nil
	})
	stats := rec.Run()

	assert.Equal(t, []string{fresh.WALID}, dispatched)
	assert.Equal(t, 1, stats.Dispatched)
	assert.Equal(t, 1, stats.Expired)
	assert.Equal(t, 1, stats.Failed)

	assert.Equal(t, StatusExpired, s.Get(stale.WALID).Status)
	failed := s.Get(empty.WALID)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "recovery_missing_prompt_or_session", failed.Error)
	assert.Equal(t, StatusDone, s.Get(done.WALID).Status)
}

func TestRecovery_HandlerError(t *testing.T) {
	s := openStore(t, t.TempDir(), Options{})
	bad, _ := s.AppendPending(envelope("s1", "t1", "boom"), SourceHeartbeat, AppendOptions{})

	rec := NewRecovery(s)
	rec.Register(SourceHeartbeat, func(r *Record) error {
		return assert.AnError
	})
	stats := rec.Run()

	assert.Equal(t, 1, stats.Failed)
	got := s.Get(bad.WALID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.Error, "recovery_dispatch:"))
}

func TestPromptText(t *testing.T) {
	env := TurnEnvelope{Parts: []Part{
		{Type: "text", Text: "hello "},
		{Type: "image"},
		{Type: "text", Text: "world"},
	}}
	assert.Equal(t, "hello world", env.PromptText())
}
