package supervisor

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to the gateway dispatch layer, which maps
// them onto wire error codes.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionBusy     = errors.New("session is busy with another turn")
	ErrWorkerExited    = errors.New("worker exited")
	ErrRPCTimeout      = errors.New("worker rpc timed out")
	ErrShuttingDown    = errors.New("supervisor is shutting down")
)

// AdmissionError reports a refused open: either the worker cap with an
// empty queue (retryable) or a full open queue.
type AdmissionError struct {
	Kind           string // "worker_limit" or "open_queue_full"
	MaxWorkers     int
	CurrentWorkers int
	QueueDepth     int
	MaxQueueDepth  int
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s: workers %d/%d, queue %d/%d",
		e.Kind, e.CurrentWorkers, e.MaxWorkers, e.QueueDepth, e.MaxQueueDepth)
}

// Retryable reports whether the condition is transient.
func (e *AdmissionError) Retryable() bool {
	return e.Kind == "worker_limit"
}

// InvalidCwdError reports an open whose working directory does not
// exist or is not a directory. Rejected before admission, so no worker
// slot is consumed.
type InvalidCwdError struct {
	Cwd string
}

func (e *InvalidCwdError) Error() string {
	return fmt.Sprintf("cwd %q does not exist or is not a directory", e.Cwd)
}

// DuplicateTurnError reports a send whose turn id is already active on
// the worker.
type DuplicateTurnError struct {
	SessionID string
	TurnID    string
}

func (e *DuplicateTurnError) Error() string {
	return fmt.Sprintf("turn id %q is already active on session %s", e.TurnID, e.SessionID)
}
