// Package intent implements the durable intent scheduler: every state
// change is an event appended to a JSONL log, the live state is a pure
// projection of that log, and a sqlite cache mirrors the projection for
// external inspection.
package intent

import "time"

// EventKind discriminates schedule events.
type EventKind string

const (
	KindCreated          EventKind = "intent_created"
	KindUpdated          EventKind = "intent_updated"
	KindCancelled        EventKind = "intent_cancelled"
	KindFired            EventKind = "intent_fired"
	KindConverged        EventKind = "intent_converged"
	KindRecoveryDeferred EventKind = "recovery_deferred"
	KindRecoverySummary  EventKind = "recovery_summary"
)

// eventType is the fixed type discriminator on every logged event.
const eventType = "schedule_event"

// Event is one schedule_event log entry. Seq is assigned by the log and
// is strictly monotonic; it breaks ties between events sharing a
// millisecond timestamp.
type Event struct {
	Type string    `json:"type"`
	Kind EventKind `json:"kind"`
	Seq  uint64    `json:"seq"`
	Ts   time.Time `json:"ts"`

	IntentID        string `json:"intent_id,omitempty"`
	ParentSessionID string `json:"parent_session_id,omitempty"`

	// Creation / update fields.
	Prompt         string                `json:"prompt,omitempty"`
	RunAt          *time.Time            `json:"run_at,omitempty"`
	Cron           string                `json:"cron,omitempty"`
	TimeZone       string                `json:"time_zone,omitempty"`
	MaxRuns        *int                  `json:"max_runs,omitempty"`
	ContinuityMode string                `json:"continuity_mode,omitempty"`
	Convergence    *ConvergenceCondition `json:"convergence_condition,omitempty"`

	// Firing fields.
	OK                  *bool      `json:"ok,omitempty"`
	Error               string     `json:"error,omitempty"`
	EvaluationSessionID string     `json:"evaluation_session_id,omitempty"`
	NextRunAt           *time.Time `json:"next_run_at,omitempty"`

	// Cancellation reason, e.g. "circuit_open:<error>".
	Reason string `json:"reason,omitempty"`

	// Recovery fields.
	DeferredTo *time.Time `json:"deferred_to,omitempty"`
	Due        int        `json:"due,omitempty"`
	Fired      int        `json:"fired,omitempty"`
	Deferred   int        `json:"deferred,omitempty"`
}

func boolPtr(b bool) *bool { return &b }
