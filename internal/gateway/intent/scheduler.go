package intent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brewva/brewva/internal/gateway/id"
	"github.com/brewva/brewva/internal/metrics"
)

// ExecuteFunc performs one intent firing's side effect and may return
// the evaluation session the firing ran in.
type ExecuteFunc func(ctx context.Context, in *Intent) (evaluationSessionID string, err error)

// ConvergeFunc decides, after a successful firing, whether the intent's
// goal is met and it should stop recurring.
type ConvergeFunc func(ctx context.Context, in *Intent) bool

// Config tunes the scheduler. Zero values get defaults.
type Config struct {
	LogPath   string
	CachePath string // empty disables the sqlite mirror

	MaxActivePerSession  int
	MaxActiveGlobal      int
	MaxConsecutiveErrors int
	MaxRecoveryCatchUps  int
	MinInterval          time.Duration

	// Execute is optional: without it the scheduler replays and emits
	// events but performs no side effects.
	Execute  ExecuteFunc
	Converge ConvergeFunc

	Now func() time.Time
}

func (c *Config) withDefaults() {
	if c.MaxActivePerSession <= 0 {
		c.MaxActivePerSession = 16
	}
	if c.MaxActiveGlobal <= 0 {
		c.MaxActiveGlobal = 128
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 3
	}
	if c.MaxRecoveryCatchUps <= 0 {
		c.MaxRecoveryCatchUps = 8
	}
	if c.MinInterval <= 0 {
		c.MinInterval = time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Scheduler owns the event log and its projection.
type Scheduler struct {
	cfg   Config
	log   *Log
	cache *cache

	mu   sync.Mutex
	proj *projection
}

// Open loads the event log, replays it, and rebuilds the cache. A
// corrupt log refuses to open.
func Open(cfg Config) (*Scheduler, error) {
	cfg.withDefaults()

	log, events, err := OpenLog(cfg.LogPath)
	if err != nil {
		return nil, err
	}

	proj := newProjection(cfg.MinInterval)
	for i := range events {
		proj.apply(&events[i])
	}

	s := &Scheduler{cfg: cfg, log: log, proj: proj}
	if cfg.CachePath != "" {
		c, err := openCache(cfg.CachePath)
		if err != nil {
			_ = log.Close()
			return nil, err
		}
		s.cache = c
		if err := c.rebuild(s.allIntents()); err != nil {
			slog.Warn("intent cache rebuild failed", "error", err)
		}
	}

	metrics.ActiveIntents.Set(float64(len(proj.active(""))))
	slog.Info("intent scheduler loaded", "events", len(events), "intents", len(proj.intents))
	return s, nil
}

// Close closes the log and cache.
func (s *Scheduler) Close() error {
	err := s.log.Close()
	if s.cache != nil {
		if cerr := s.cache.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// CreateInput describes a new intent.
type CreateInput struct {
	IntentID        string
	ParentSessionID string
	Prompt          string
	Reason          string
	ContinuityMode  string
	Convergence     *ConvergenceCondition
	RunAt           *time.Time
	Cron            string
	TimeZone        string
	MaxRuns         int
}

// CreateIntent validates, appends intent_created, and returns the
// projected row.
func (s *Scheduler) CreateIntent(in CreateInput) (*Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.IntentID == "" {
		in.IntentID = id.Prefixed("intent")
	}
	if _, exists := s.proj.intents[in.IntentID]; exists {
		return nil, &ValidationError{Code: CodeIntentExists, Message: fmt.Sprintf("intent %q already exists", in.IntentID)}
	}
	if in.ParentSessionID == "" {
		return nil, &ValidationError{Code: CodeInvalidSchedule, Message: "parent session id required"}
	}
	if in.ContinuityMode != "" && in.ContinuityMode != ContinuityInherit && in.ContinuityMode != ContinuityFresh {
		return nil, &ValidationError{Code: CodeInvalidSchedule, Message: fmt.Sprintf("unknown continuity mode %q", in.ContinuityMode)}
	}
	if err := s.validateScheduleLocked(in.RunAt, in.Cron, in.TimeZone); err != nil {
		return nil, err
	}
	if err := s.checkLimitsLocked(in.ParentSessionID, in.IntentID); err != nil {
		return nil, err
	}

	ev := &Event{
		Kind:            KindCreated,
		Ts:              s.cfg.Now().UTC(),
		IntentID:        in.IntentID,
		ParentSessionID: in.ParentSessionID,
		Prompt:          in.Prompt,
		Reason:          in.Reason,
		ContinuityMode:  in.ContinuityMode,
		Convergence:     in.Convergence,
		RunAt:           in.RunAt,
		Cron:            in.Cron,
		TimeZone:        in.TimeZone,
	}
	if in.MaxRuns > 0 {
		ev.MaxRuns = &in.MaxRuns
	}
	if err := s.appendLocked(ev); err != nil {
		return nil, err
	}
	return s.proj.intents[in.IntentID].clone(), nil
}

// UpdateInput carries the fields an update may change. Nil/zero fields
// are left alone.
type UpdateInput struct {
	IntentID string
	Prompt   string
	RunAt    *time.Time
	Cron     string
	TimeZone string
	MaxRuns  *int
}

// UpdateIntent validates, appends intent_updated, and returns the
// projected row.
func (s *Scheduler) UpdateIntent(in UpdateInput) (*Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.proj.intents[in.IntentID]
	if !ok {
		return nil, &ValidationError{Code: CodeIntentNotFound, Message: fmt.Sprintf("intent %q not found", in.IntentID)}
	}
	if cur.Status == StatusCancelled {
		return nil, &ValidationError{Code: CodeIntentNotEditable, Message: "cancelled intents cannot be updated"}
	}
	if in.Cron != "" || in.TimeZone != "" {
		cronExpr := in.Cron
		if cronExpr == "" {
			cronExpr = cur.Cron
		}
		if err := s.validateScheduleLocked(nil, cronExpr, in.TimeZone); err != nil {
			return nil, err
		}
	}

	// A revival from converged re-enters the active population.
	if cur.Status == StatusConverged {
		if err := s.checkLimitsLocked(cur.ParentSessionID, cur.ID); err != nil {
			return nil, err
		}
	}

	ev := &Event{
		Kind:            KindUpdated,
		Ts:              s.cfg.Now().UTC(),
		IntentID:        in.IntentID,
		ParentSessionID: cur.ParentSessionID,
		Prompt:          in.Prompt,
		RunAt:           in.RunAt,
		Cron:            in.Cron,
		TimeZone:        in.TimeZone,
		MaxRuns:         in.MaxRuns,
	}
	if err := s.appendLocked(ev); err != nil {
		return nil, err
	}
	return s.proj.intents[in.IntentID].clone(), nil
}

// CancelIntent appends intent_cancelled.
func (s *Scheduler) CancelIntent(intentID, reason string) (*Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.proj.intents[intentID]
	if !ok {
		return nil, &ValidationError{Code: CodeIntentNotFound, Message: fmt.Sprintf("intent %q not found", intentID)}
	}
	if cur.Status == StatusCancelled {
		return cur.clone(), nil
	}

	ev := &Event{
		Kind:            KindCancelled,
		Ts:              s.cfg.Now().UTC(),
		IntentID:        intentID,
		ParentSessionID: cur.ParentSessionID,
		Reason:          reason,
	}
	if err := s.appendLocked(ev); err != nil {
		return nil, err
	}
	return s.proj.intents[intentID].clone(), nil
}

// Get returns a copy of the intent, or nil.
func (s *Scheduler) Get(intentID string) *Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.proj.intents[intentID]
	if !ok {
		return nil
	}
	return in.clone()
}

// List returns all intents, newest first.
func (s *Scheduler) List() []*Intent {
	out := s.allIntents()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *Scheduler) allIntents() []*Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Intent, 0, len(s.proj.intents))
	for _, in := range s.proj.intents {
		out = append(out, in.clone())
	}
	return out
}

func (s *Scheduler) validateScheduleLocked(runAt *time.Time, cronExpr, timeZone string) error {
	if cronExpr != "" {
		_, err := parseCron(cronExpr, timeZone)
		return err
	}
	if timeZone != "" {
		return &ValidationError{Code: CodeInvalidTimeZone, Message: "time_zone requires cron"}
	}
	if runAt == nil {
		return &ValidationError{Code: CodeInvalidSchedule, Message: "intent needs run_at or cron"}
	}
	return nil
}

// checkLimitsLocked enforces the active-intent caps, not counting the
// intent being created/revived itself.
func (s *Scheduler) checkLimitsLocked(sessionID, exceptID string) error {
	perSession, global := 0, 0
	for _, in := range s.proj.intents {
		if in.Status != StatusActive || in.ID == exceptID {
			continue
		}
		global++
		if in.ParentSessionID == sessionID {
			perSession++
		}
	}
	if perSession >= s.cfg.MaxActivePerSession {
		return &ValidationError{
			Code:    CodePerSessionLimit,
			Message: fmt.Sprintf("session %s already has %d active intents", sessionID, perSession),
		}
	}
	if global >= s.cfg.MaxActiveGlobal {
		return &ValidationError{
			Code:    CodeGlobalLimit,
			Message: fmt.Sprintf("%d active intents globally", global),
		}
	}
	return nil
}

// appendLocked writes the event, applies it, and mirrors the touched
// row to the cache. Called with s.mu held.
func (s *Scheduler) appendLocked(ev *Event) error {
	if err := s.log.Append(ev); err != nil {
		return err
	}
	s.proj.apply(ev)
	if s.cache != nil && ev.IntentID != "" {
		if in, ok := s.proj.intents[ev.IntentID]; ok {
			if err := s.cache.upsert(in); err != nil {
				slog.Warn("intent cache upsert failed", "intent_id", in.ID, "error", err)
			}
		}
	}
	metrics.ActiveIntents.Set(float64(len(s.proj.active(""))))
	return nil
}

// dueLocked returns active intents with next_run_at at or before now,
// oldest first.
func (s *Scheduler) dueLocked(now time.Time) []*Intent {
	var due []*Intent
	for _, in := range s.proj.intents {
		if in.Status == StatusActive && in.NextRunAt != nil && !in.NextRunAt.After(now) {
			due = append(due, in.clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRunAt.Equal(*due[j].NextRunAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextRunAt.Before(*due[j].NextRunAt)
	})
	return due
}

// fire executes one intent and appends the outcome events. Returns the
// metric outcome label.
func (s *Scheduler) fire(ctx context.Context, intentID string, now time.Time) string {
	s.mu.Lock()
	cur, ok := s.proj.intents[intentID]
	if !ok || cur.Status != StatusActive {
		s.mu.Unlock()
		return "skipped"
	}
	snapshot := cur.clone()
	s.mu.Unlock()

	var evalSessionID string
	var execErr error
	if s.cfg.Execute != nil {
		evalSessionID, execErr = s.cfg.Execute(ctx, snapshot)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if execErr != nil {
		ev := &Event{
			Kind:            KindFired,
			Ts:              now.UTC(),
			IntentID:        intentID,
			ParentSessionID: snapshot.ParentSessionID,
			OK:              boolPtr(false),
			Error:           execErr.Error(),
		}
		if err := s.appendLocked(ev); err != nil {
			slog.Error("append intent_fired failed", "intent_id", intentID, "error", err)
			return "error"
		}

		if in := s.proj.intents[intentID]; in != nil && in.ConsecutiveErrors >= s.cfg.MaxConsecutiveErrors {
			cancel := &Event{
				Kind:            KindCancelled,
				Ts:              now.UTC(),
				IntentID:        intentID,
				ParentSessionID: snapshot.ParentSessionID,
				Reason:          "circuit_open:" + execErr.Error(),
			}
			if err := s.appendLocked(cancel); err != nil {
				slog.Error("append circuit cancellation failed", "intent_id", intentID, "error", err)
			}
			slog.Warn("intent circuit opened", "intent_id", intentID, "error", execErr)
			return "circuit_open"
		}
		return "error"
	}

	ev := &Event{
		Kind:                KindFired,
		Ts:                  now.UTC(),
		IntentID:            intentID,
		ParentSessionID:     snapshot.ParentSessionID,
		OK:                  boolPtr(true),
		EvaluationSessionID: evalSessionID,
	}
	if err := s.appendLocked(ev); err != nil {
		slog.Error("append intent_fired failed", "intent_id", intentID, "error", err)
		return "error"
	}

	// A convergence predicate can stop a still-active recurrence.
	if s.cfg.Converge != nil {
		if in := s.proj.intents[intentID]; in != nil && in.Status == StatusActive {
			snap := in.clone()
			s.mu.Unlock()
			converged := s.cfg.Converge(ctx, snap)
			s.mu.Lock()
			if converged {
				conv := &Event{
					Kind:            KindConverged,
					Ts:              now.UTC(),
					IntentID:        intentID,
					ParentSessionID: snapshot.ParentSessionID,
				}
				if err := s.appendLocked(conv); err != nil {
					slog.Error("append intent_converged failed", "intent_id", intentID, "error", err)
				}
			}
		}
	}
	return "ok"
}

// SessionRecovery is the per-session slice of a recovery report.
type SessionRecovery struct {
	Due      int `json:"due"`
	Fired    int `json:"fired"`
	Deferred int `json:"deferred"`
}

// RecoveryReport summarizes one Recover pass.
type RecoveryReport struct {
	Due              int                        `json:"due"`
	Fired            int                        `json:"fired"`
	Deferred         int                        `json:"deferred"`
	ExecutionEnabled bool                       `json:"executionEnabled"`
	Sessions         map[string]SessionRecovery `json:"sessions,omitempty"`
}

// Recover catches up due intents after a restart: round-robin across
// parent sessions, one due intent per round, capped at
// MaxRecoveryCatchUps firings; the remainder is deferred by
// MinInterval. One recovery_summary event is emitted per session
// involved.
func (s *Scheduler) Recover(ctx context.Context) (*RecoveryReport, error) {
	now := s.cfg.Now().UTC()

	s.mu.Lock()
	due := s.dueLocked(now)
	s.mu.Unlock()

	// Group due intents per session, preserving due order.
	bySession := make(map[string][]*Intent)
	var sessionOrder []string
	for _, in := range due {
		if _, seen := bySession[in.ParentSessionID]; !seen {
			sessionOrder = append(sessionOrder, in.ParentSessionID)
		}
		bySession[in.ParentSessionID] = append(bySession[in.ParentSessionID], in)
	}

	report := &RecoveryReport{
		Due:              len(due),
		ExecutionEnabled: s.cfg.Execute != nil,
		Sessions:         make(map[string]SessionRecovery),
	}
	for _, in := range due {
		sr := report.Sessions[in.ParentSessionID]
		sr.Due++
		report.Sessions[in.ParentSessionID] = sr
	}

	// Round-robin: one intent per session per round.
	fired := 0
	for fired < s.cfg.MaxRecoveryCatchUps {
		progressed := false
		for _, sid := range sessionOrder {
			queue := bySession[sid]
			if len(queue) == 0 {
				continue
			}
			if fired >= s.cfg.MaxRecoveryCatchUps {
				break
			}
			in := queue[0]
			bySession[sid] = queue[1:]
			progressed = true

			outcome := s.fire(ctx, in.ID, now)
			metrics.IntentFiringsTotal.WithLabelValues(outcome).Inc()
			fired++
			sr := report.Sessions[sid]
			sr.Fired++
			report.Sessions[sid] = sr
		}
		if !progressed {
			break
		}
	}
	report.Fired = fired

	// Defer whatever remains due.
	s.mu.Lock()
	for _, sid := range sessionOrder {
		for _, in := range bySession[sid] {
			cur, ok := s.proj.intents[in.ID]
			if !ok || cur.Status != StatusActive {
				continue
			}
			deferredTo := now.Add(s.cfg.MinInterval).UTC()
			ev := &Event{
				Kind:            KindRecoveryDeferred,
				Ts:              now,
				IntentID:        in.ID,
				ParentSessionID: sid,
				DeferredTo:      &deferredTo,
			}
			if err := s.appendLocked(ev); err != nil {
				s.mu.Unlock()
				return nil, err
			}
			report.Deferred++
			sr := report.Sessions[sid]
			sr.Deferred++
			report.Sessions[sid] = sr
		}
	}
	for _, sid := range sessionOrder {
		sr := report.Sessions[sid]
		ev := &Event{
			Kind:            KindRecoverySummary,
			Ts:              now,
			ParentSessionID: sid,
			Due:             sr.Due,
			Fired:           sr.Fired,
			Deferred:        sr.Deferred,
		}
		if err := s.appendLocked(ev); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Unlock()

	slog.Info("intent recovery complete",
		"due", report.Due, "fired", report.Fired, "deferred", report.Deferred,
		"execution_enabled", report.ExecutionEnabled)
	return report, nil
}

// Tick fires every intent that has come due. The daemon calls this on
// its periodic tick.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.cfg.Now().UTC()

	s.mu.Lock()
	due := s.dueLocked(now)
	s.mu.Unlock()

	for _, in := range due {
		outcome := s.fire(ctx, in.ID, now)
		metrics.IntentFiringsTotal.WithLabelValues(outcome).Inc()
	}
}
