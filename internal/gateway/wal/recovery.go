package wal

import (
	"fmt"
	"log/slog"
	"time"
)

// Handler replays one recoverable record. Returning an error marks the
// record failed.
type Handler func(rec *Record) error

// RecoveryStats summarizes one recovery pass.
type RecoveryStats struct {
	Scanned    int
	Dispatched int
	Expired    int
	Failed     int
	Skipped    int
}

// Recovery replays non-terminal records of one store through per-source
// handlers. Handlers are registered per scope by the owning component;
// recovery is run once per process lifecycle, before the scope accepts
// new work.
type Recovery struct {
	store    *Store
	handlers map[Source]Handler
	now      func() time.Time
}

// NewRecovery creates a recovery pass over store.
func NewRecovery(store *Store) *Recovery {
	return &Recovery{
		store:    store,
		handlers: make(map[Source]Handler),
		now:      store.now,
	}
}

// Register installs the handler for a source. Last registration wins.
func (r *Recovery) Register(source Source, h Handler) {
	r.handlers[source] = h
}

// Run walks every record of the scope:
//   - terminal records are skipped;
//   - records whose TTL elapsed are marked expired;
//   - records with no session or no prompt text are marked failed;
//   - the rest are dispatched to the handler for their source.
func (r *Recovery) Run() RecoveryStats {
	var stats RecoveryStats
	now := r.now().UTC()

	for _, rec := range r.store.ListPending() {
		stats.Scanned++

		if rec.expiredAt(now) {
			r.store.MarkExpired(rec.WALID)
			stats.Expired++
			continue
		}

		if rec.Envelope.SessionID == "" || rec.Envelope.PromptText() == "" {
			r.store.MarkFailed(rec.WALID, "recovery_missing_prompt_or_session")
			stats.Failed++
			continue
		}

		h, ok := r.handlers[rec.Source]
		if !ok {
			slog.Warn("wal recovery: no handler for source",
				"scope", r.store.Scope(), "source", rec.Source, "wal_id", rec.WALID)
			stats.Skipped++
			continue
		}

		if err := h(rec); err != nil {
			r.store.MarkFailed(rec.WALID, fmt.Sprintf("recovery_dispatch: %v", err))
			stats.Failed++
			continue
		}
		stats.Dispatched++
	}

	slog.Info("wal recovery complete",
		"scope", r.store.Scope(),
		"scanned", stats.Scanned,
		"dispatched", stats.Dispatched,
		"expired", stats.Expired,
		"failed", stats.Failed,
	)
	return stats
}
