package migrate

// run_limiter.go bounds concurrent run execution.
//
// Two independent controls apply when a run starts:
//  1. A semaphore caps the number of simultaneously executing runs.
//  2. A per-process registry enforces single-flight: at most one run per
//     process id at any moment, regardless of free slots.
//
// When every slot is occupied, a new run waits up to maxWait before failing
// with ErrTooManyRuns. A second run for an already-running process fails
// immediately with ErrAlreadyRunning.

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTooManyRuns is returned when all run slots stay occupied past the wait
// timeout. Callers should retry after a short delay.
var ErrTooManyRuns = errors.New("too many concurrent runs, please try again later")

// ErrAlreadyRunning is returned when a run is requested for a process that
// already has one in flight.
var ErrAlreadyRunning = errors.New("process already has a run in progress")

// DefaultMaxConcurrentRuns is the default limit for parallel runs.
const DefaultMaxConcurrentRuns = 4

// DefaultMaxWaitTime is how long to wait for a slot before rejecting.
const DefaultMaxWaitTime = 30 * time.Second

// RunLimiter controls concurrent run execution.
type RunLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu      sync.RWMutex
	running map[uuid.UUID]bool
}

// NewRunLimiter creates a limiter allowing at most maxConcurrent
// simultaneous runs across all processes.
func NewRunLimiter(maxConcurrent int, maxWait time.Duration) *RunLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentRuns
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}

	return &RunLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
		running:   make(map[uuid.UUID]bool),
	}
}

// Acquire claims a run slot for the process. The single-flight check happens
// before waiting on the semaphore, so a duplicate request fails fast instead
// of queueing. The caller MUST call Release with the same id when the run
// completes (use defer).
func (l *RunLimiter) Acquire(ctx context.Context, processID uuid.UUID) error {
	if !l.claim(processID) {
		return ErrAlreadyRunning
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.semaphore <- struct{}{}:
		return nil

	case <-waitCtx.Done():
		l.unclaim(processID)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyRuns
	}
}

// Release frees the slot and the single-flight claim. Must be called exactly
// once per successful Acquire.
func (l *RunLimiter) Release(processID uuid.UUID) {
	l.unclaim(processID)
	<-l.semaphore
}

// Running reports whether the process currently has a run in flight.
func (l *RunLimiter) Running(processID uuid.UUID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running[processID]
}

// ActiveCount returns the number of currently executing runs.
func (l *RunLimiter) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.running)
}

// WaitForDrain blocks until all active runs complete or the context is
// cancelled. Used for graceful shutdown.
func (l *RunLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if l.ActiveCount() == 0 {
				return nil
			}
		}
	}
}

func (l *RunLimiter) claim(processID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running[processID] {
		return false
	}
	l.running[processID] = true
	return true
}

func (l *RunLimiter) unclaim(processID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, processID)
}
