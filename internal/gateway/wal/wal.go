// Package wal implements the durable turn write-ahead log: an
// append-only, scope-partitioned record of in-flight prompt turns that
// lets a restarted daemon replay pending work with at-most-one
// semantics.
package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/brewva/brewva/internal/gateway/id"
	"github.com/brewva/brewva/internal/metrics"
)

// Status is a WAL record's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInflight Status = "inflight"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// legal transitions form a DAG; everything else is a no-op.
var legal = map[Status][]Status{
	StatusPending:  {StatusInflight, StatusFailed, StatusExpired},
	StatusInflight: {StatusDone, StatusFailed, StatusExpired},
}

func canTransition(from, to Status) bool {
	for _, next := range legal[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Source identifies which pipeline appended a record.
type Source string

const (
	SourceGateway   Source = "gateway"
	SourceHeartbeat Source = "heartbeat"
	SourceChannel   Source = "channel"
)

// Part is one piece of a turn's prompt content.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TurnEnvelope captures everything needed to replay a turn.
type TurnEnvelope struct {
	SessionID      string         `json:"session_id"`
	TurnID         string         `json:"turn_id"`
	Channel        string         `json:"channel,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Parts          []Part         `json:"parts"`
	Meta           map[string]any `json:"meta,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// PromptText returns the concatenated text of all text parts.
func (e *TurnEnvelope) PromptText() string {
	var sb strings.Builder
	for _, p := range e.Parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Record is one WAL entry.
type Record struct {
	WALID     string       `json:"wal_id"`
	Scope     string       `json:"scope"`
	Envelope  TurnEnvelope `json:"turn_envelope"`
	Source    Source       `json:"source"`
	Status    Status       `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	TTLMs     int64        `json:"ttl_ms,omitempty"`
	DedupeKey string       `json:"dedupe_key,omitempty"`
	Error     string       `json:"error,omitempty"`
}

func (r *Record) clone() *Record {
	cp := *r
	return &cp
}

// expiredAt reports whether the record's TTL has elapsed at now.
func (r *Record) expiredAt(now time.Time) bool {
	return r.TTLMs > 0 && now.Sub(r.CreatedAt) >= time.Duration(r.TTLMs)*time.Millisecond
}

// AppendOptions configures AppendPending.
type AppendOptions struct {
	TTLMs     int64
	DedupeKey string
}

// Store is a single-scope WAL backed by one JSONL append file: every
// state change appends a full record snapshot, last write wins on load.
type Store struct {
	mu         sync.Mutex
	dir        string
	scope      string
	file       *os.File
	records    map[string]*Record
	order      []string // wal ids in first-append order
	horizon    time.Duration
	compacting bool
	now        func() time.Time
}

// Options configures a Store.
type Options struct {
	// CompactHorizon is how long terminal records are retained before
	// Compact drops them. Zero means the 24h default.
	CompactHorizon time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Open loads (or creates) the WAL for the given scope under dir.
func Open(dir, scope string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	s := &Store{
		dir:     dir,
		scope:   scope,
		records: make(map[string]*Record),
		horizon: opts.CompactHorizon,
		now:     opts.Now,
	}
	if s.horizon <= 0 {
		s.horizon = 24 * time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(s.livePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}
	s.file = f
	return s, nil
}

func (s *Store) livePath() string {
	return filepath.Join(s.dir, s.scope+".wal.jsonl")
}

func (s *Store) archivePath() string {
	return filepath.Join(s.dir, s.scope+".archive.zst")
}

// Scope returns the scope this store was opened for.
func (s *Store) Scope() string { return s.scope }

func (s *Store) load() error {
	f, err := os.Open(s.livePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open wal file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			// A torn trailing line from a crash mid-append is expected;
			// anything else in the middle of the file is not.
			continue
		}
		if _, seen := s.records[rec.WALID]; !seen {
			s.order = append(s.order, rec.WALID)
		}
		s.records[rec.WALID] = &rec
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan wal file: %w", err)
	}
	return nil
}

// appendLine persists a record snapshot. Called with s.mu held.
func (s *Store) appendLine(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal wal record: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("append wal record: %w", err)
	}
	return nil
}

// AppendPending appends a new pending record, or returns the existing
// record unchanged when the dedupe key collides with a non-terminal one.
func (s *Store) AppendPending(env TurnEnvelope, source Source, opts AppendOptions) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.DedupeKey != "" {
		for _, wid := range s.order {
			rec := s.records[wid]
			if rec.DedupeKey == opts.DedupeKey && !rec.Status.Terminal() {
				return rec.clone(), nil
			}
		}
	}

	now := s.now().UTC()
	rec := &Record{
		WALID:     id.Prefixed("wal"),
		Scope:     s.scope,
		Envelope:  env,
		Source:    source,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		TTLMs:     opts.TTLMs,
		DedupeKey: opts.DedupeKey,
	}
	if err := s.appendLine(rec); err != nil {
		return nil, err
	}
	s.records[rec.WALID] = rec
	s.order = append(s.order, rec.WALID)
	metrics.WALAppendsTotal.Inc()
	return rec.clone(), nil
}

// MarkInflight transitions a record to inflight. Illegal transitions
// are a no-op returning nil.
func (s *Store) MarkInflight(walID string) *Record {
	return s.transition(walID, StatusInflight, "")
}

// MarkDone transitions a record to done.
func (s *Store) MarkDone(walID string) *Record {
	return s.transition(walID, StatusDone, "")
}

// MarkFailed transitions a record to failed with an optional error.
func (s *Store) MarkFailed(walID, errMsg string) *Record {
	return s.transition(walID, StatusFailed, errMsg)
}

// MarkExpired transitions a record to expired.
func (s *Store) MarkExpired(walID string) *Record {
	return s.transition(walID, StatusExpired, "")
}

func (s *Store) transition(walID string, to Status, errMsg string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[walID]
	if !ok || !canTransition(rec.Status, to) {
		return nil
	}
	rec.Status = to
	rec.UpdatedAt = s.now().UTC()
	if errMsg != "" {
		rec.Error = errMsg
	}
	if err := s.appendLine(rec); err != nil {
		// The in-memory state is authoritative for this process; the
		// missed append surfaces on the next successful one.
		return rec.clone()
	}
	metrics.WALTransitionsTotal.WithLabelValues(string(to)).Inc()
	return rec.clone()
}

// Get returns a copy of the record, or nil.
func (s *Store) Get(walID string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[walID]
	if !ok {
		return nil
	}
	return rec.clone()
}

// ListPending returns all non-terminal records in first-append order.
func (s *Store) ListPending() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Record
	for _, wid := range s.order {
		if rec := s.records[wid]; !rec.Status.Terminal() {
			out = append(out, rec.clone())
		}
	}
	return out
}

// Walk visits a copy of every record in first-append order.
func (s *Store) Walk(fn func(rec *Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wid := range s.order {
		fn(s.records[wid].clone())
	}
}

// CompactStats summarizes one compaction pass.
type CompactStats struct {
	Scanned  int `json:"scanned"`
	Retained int `json:"retained"`
	Dropped  int `json:"dropped"`
}

// Compact removes terminal records older than the horizon, archiving
// them zstd-compressed, and rewrites the live file. Reentrant calls
// while a pass is running return immediately.
func (s *Store) Compact() (CompactStats, error) {
	s.mu.Lock()
	if s.compacting {
		s.mu.Unlock()
		return CompactStats{}, nil
	}
	s.compacting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.compacting = false
		s.mu.Unlock()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-s.horizon)
	stats := CompactStats{Scanned: len(s.order)}

	var keep []string
	var dropped [][]byte
	for _, wid := range s.order {
		rec := s.records[wid]
		if rec.Status.Terminal() && rec.UpdatedAt.Before(cutoff) {
			if data, err := json.Marshal(rec); err == nil {
				dropped = append(dropped, data)
			}
			delete(s.records, wid)
			stats.Dropped++
			continue
		}
		keep = append(keep, wid)
		stats.Retained++
	}

	if stats.Dropped == 0 {
		return stats, nil
	}

	if err := appendArchive(s.archivePath(), dropped); err != nil {
		return stats, fmt.Errorf("archive dropped records: %w", err)
	}

	s.order = keep
	if err := s.rewriteLive(); err != nil {
		return stats, err
	}
	return stats, nil
}

// rewriteLive atomically replaces the live file with the retained
// records. Called with s.mu held.
func (s *Store) rewriteLive() error {
	tmp, err := os.CreateTemp(s.dir, "."+s.scope+"-wal-*")
	if err != nil {
		return fmt.Errorf("create temp wal file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	for _, wid := range s.order {
		data, err := json.Marshal(s.records[wid])
		if err != nil {
			_ = tmp.Close()
			return fmt.Errorf("marshal wal record: %w", err)
		}
		data = append(data, '\n')
		if _, err := w.Write(data); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write temp wal file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush temp wal file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp wal file: %w", err)
	}

	_ = s.file.Close()
	if err := os.Rename(tmpName, s.livePath()); err != nil {
		return fmt.Errorf("rename wal file: %w", err)
	}

	f, err := os.OpenFile(s.livePath(), os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("reopen wal file: %w", err)
	}
	s.file = f
	return nil
}

// Close closes the append handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
