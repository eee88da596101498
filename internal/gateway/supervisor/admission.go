package supervisor

import (
	"context"
	"sync"

	"github.com/brewva/brewva/internal/metrics"
)

// admission gates worker creation against the worker cap and a bounded
// open queue. A slot covers a live worker or an open still in flight
// (a reservation); slots are released on every terminal outcome so the
// oldest waiter can re-evaluate.
type admission struct {
	mu         sync.Mutex
	maxWorkers int
	maxQueue   int
	slots      int
	waiters    []chan struct{}
}

func newAdmission(maxWorkers, maxQueue int) *admission {
	return &admission{maxWorkers: maxWorkers, maxQueue: maxQueue}
}

// Acquire takes one slot, waiting in FIFO order when the cap is
// reached and the queue has room. With maxQueue == 0 it never blocks.
func (a *admission) Acquire(ctx context.Context) error {
	for {
		a.mu.Lock()
		if a.slots < a.maxWorkers {
			a.slots++
			a.mu.Unlock()
			return nil
		}

		if a.maxQueue == 0 {
			err := a.errLocked("worker_limit")
			a.mu.Unlock()
			return err
		}
		if len(a.waiters) >= a.maxQueue {
			err := a.errLocked("open_queue_full")
			a.mu.Unlock()
			return err
		}

		ch := make(chan struct{}, 1)
		a.waiters = append(a.waiters, ch)
		metrics.OpenQueueDepth.Set(float64(len(a.waiters)))
		a.mu.Unlock()

		select {
		case <-ch:
			// Woken: loop and re-evaluate under the lock.
		case <-ctx.Done():
			a.removeWaiter(ch)
			return ctx.Err()
		}
	}
}

// Release frees one slot and wakes the oldest waiter.
func (a *admission) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.slots > 0 {
		a.slots--
	}
	if len(a.waiters) > 0 && a.slots < a.maxWorkers {
		ch := a.waiters[0]
		a.waiters = a.waiters[1:]
		metrics.OpenQueueDepth.Set(float64(len(a.waiters)))
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (a *admission) removeWaiter(ch chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, w := range a.waiters {
		if w == ch {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			metrics.OpenQueueDepth.Set(float64(len(a.waiters)))
			break
		}
	}
	// A wake-up may have raced the cancellation; pass it on so the
	// slot is not lost.
	select {
	case <-ch:
		if len(a.waiters) > 0 {
			next := a.waiters[0]
			a.waiters = a.waiters[1:]
			select {
			case next <- struct{}{}:
			default:
			}
		}
	default:
	}
}

// errLocked builds the refusal snapshot. Called with a.mu held.
func (a *admission) errLocked(kind string) *AdmissionError {
	return &AdmissionError{
		Kind:           kind,
		MaxWorkers:     a.maxWorkers,
		CurrentWorkers: a.slots,
		QueueDepth:     len(a.waiters),
		MaxQueueDepth:  a.maxQueue,
	}
}

// Snapshot returns (slots, queueDepth) for status reporting.
func (a *admission) Snapshot() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slots, len(a.waiters)
}
