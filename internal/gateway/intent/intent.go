package intent

import "time"

// Status is an intent's projected lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusConverged Status = "converged"
)

// Continuity modes: whether a firing reuses the parent session's
// context or starts fresh.
const (
	ContinuityInherit = "inherit"
	ContinuityFresh   = "fresh"
)

// ConvergenceCondition is the tagged predicate bound to an intent.
type ConvergenceCondition struct {
	Type        string `json:"type"` // truth_resolved, task_done, custom, none
	FactID      string `json:"factId,omitempty"`
	EvaluatorID string `json:"evaluatorId,omitempty"`
}

// Intent is one projected intent row.
type Intent struct {
	ID              string `json:"intentId"`
	ParentSessionID string `json:"parentSessionId"`
	Prompt          string `json:"prompt,omitempty"`
	Reason          string `json:"reason,omitempty"`
	ContinuityMode  string `json:"continuityMode,omitempty"`

	Convergence *ConvergenceCondition `json:"convergenceCondition,omitempty"`

	RunAt    *time.Time `json:"runAt,omitempty"`
	Cron     string     `json:"cron,omitempty"`
	TimeZone string     `json:"timeZone,omitempty"`
	MaxRuns  int        `json:"maxRuns,omitempty"` // 0 means unlimited (cron)

	Status                  Status     `json:"status"`
	RunCount                int        `json:"runCount"`
	NextRunAt               *time.Time `json:"nextRunAt,omitempty"`
	LastFiredAt             *time.Time `json:"lastFiredAt,omitempty"`
	LastEvaluationSessionID string     `json:"lastEvaluationSessionId,omitempty"`
	ConsecutiveErrors       int        `json:"consecutiveErrors,omitempty"`
	LastError               string     `json:"lastError,omitempty"`
	CancelReason            string     `json:"cancelReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (in *Intent) clone() *Intent {
	cp := *in
	return &cp
}

// exhausted reports whether the intent has no further runs: a one-shot
// that fired, or a capped cron that reached max_runs.
func (in *Intent) exhausted() bool {
	if in.Cron == "" {
		return in.RunCount > 0
	}
	return in.MaxRuns > 0 && in.RunCount >= in.MaxRuns
}

// projection is the in-memory state rebuilt from the event log. Apply
// is pure: replaying the same events always yields the same state.
type projection struct {
	intents     map[string]*Intent
	minInterval time.Duration
}

func newProjection(minInterval time.Duration) *projection {
	return &projection{intents: make(map[string]*Intent), minInterval: minInterval}
}

func (p *projection) apply(ev *Event) {
	switch ev.Kind {
	case KindCreated:
		p.applyCreated(ev)
	case KindUpdated:
		p.applyUpdated(ev)
	case KindCancelled:
		if in, ok := p.intents[ev.IntentID]; ok {
			in.Status = StatusCancelled
			in.NextRunAt = nil
			in.CancelReason = ev.Reason
			in.UpdatedAt = ev.Ts
		}
	case KindFired:
		p.applyFired(ev)
	case KindConverged:
		if in, ok := p.intents[ev.IntentID]; ok {
			in.Status = StatusConverged
			in.NextRunAt = nil
			in.UpdatedAt = ev.Ts
		}
	case KindRecoveryDeferred:
		if in, ok := p.intents[ev.IntentID]; ok && ev.DeferredTo != nil {
			t := ev.DeferredTo.UTC()
			in.NextRunAt = &t
			in.UpdatedAt = ev.Ts
		}
	case KindRecoverySummary:
		// Informational only.
	}
}

func (p *projection) applyCreated(ev *Event) {
	in := &Intent{
		ID:              ev.IntentID,
		ParentSessionID: ev.ParentSessionID,
		Prompt:          ev.Prompt,
		Reason:          ev.Reason,
		ContinuityMode:  ev.ContinuityMode,
		Convergence:     ev.Convergence,
		RunAt:           ev.RunAt,
		Cron:            ev.Cron,
		TimeZone:        ev.TimeZone,
		Status:          StatusActive,
		CreatedAt:       ev.Ts,
		UpdatedAt:       ev.Ts,
	}
	if in.ContinuityMode == "" {
		in.ContinuityMode = ContinuityInherit
	}
	if ev.MaxRuns != nil {
		in.MaxRuns = *ev.MaxRuns
	}
	if next, err := nextRun(in, ev.Ts, p.minInterval); err == nil {
		in.NextRunAt = next
	}
	p.intents[in.ID] = in
}

func (p *projection) applyUpdated(ev *Event) {
	in, ok := p.intents[ev.IntentID]
	if !ok {
		return
	}

	if ev.Prompt != "" {
		in.Prompt = ev.Prompt
	}
	if ev.ContinuityMode != "" {
		in.ContinuityMode = ev.ContinuityMode
	}
	if ev.Convergence != nil {
		in.Convergence = ev.Convergence
	}
	if ev.RunAt != nil {
		in.RunAt = ev.RunAt
		in.Cron = ""
		in.TimeZone = ""
	}
	if ev.Cron != "" {
		in.Cron = ev.Cron
		in.TimeZone = ev.TimeZone
		in.RunAt = nil
	}
	maxRunsRaised := false
	if ev.MaxRuns != nil {
		maxRunsRaised = *ev.MaxRuns > in.MaxRuns
		in.MaxRuns = *ev.MaxRuns
	}

	// A raised cap revives a converged intent.
	if in.Status == StatusConverged && maxRunsRaised && !in.exhausted() {
		in.Status = StatusActive
	}
	if in.Status == StatusActive {
		if next, err := nextRun(in, ev.Ts, p.minInterval); err == nil {
			in.NextRunAt = next
		}
	}
	in.UpdatedAt = ev.Ts
}

func (p *projection) applyFired(ev *Event) {
	in, ok := p.intents[ev.IntentID]
	if !ok {
		return
	}
	in.UpdatedAt = ev.Ts

	if ev.OK == nil || !*ev.OK {
		in.ConsecutiveErrors++
		in.LastError = ev.Error
		return
	}

	in.RunCount++
	ts := ev.Ts
	in.LastFiredAt = &ts
	in.LastEvaluationSessionID = ev.EvaluationSessionID
	in.ConsecutiveErrors = 0
	in.LastError = ""

	if in.exhausted() {
		in.Status = StatusConverged
		in.NextRunAt = nil
		return
	}
	if next, err := nextRun(in, ev.Ts, p.minInterval); err == nil {
		in.NextRunAt = next
	}
}

// active returns clones of active intents, optionally scoped to one
// session.
func (p *projection) active(sessionID string) []*Intent {
	var out []*Intent
	for _, in := range p.intents {
		if in.Status != StatusActive {
			continue
		}
		if sessionID != "" && in.ParentSessionID != sessionID {
			continue
		}
		out = append(out, in.clone())
	}
	return out
}
