package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LockRegistry serializes chains that touch the same resource. Locks live in
// the Store so that every node sees the same holders; waiting callers poll
// the store and are woken early when a holder in this process releases.
type LockRegistry struct {
	store        Store
	logger       zerolog.Logger
	recorder     Recorder
	pollInterval time.Duration

	mu       sync.Mutex
	released chan struct{}
}

// NewLockRegistry creates a lock registry backed by store.
func NewLockRegistry(store Store, logger zerolog.Logger) *LockRegistry {
	return &LockRegistry{
		store:        store,
		logger:       logger.With().Str("component", "locks").Logger(),
		recorder:     nopRecorder{},
		pollInterval: time.Second,
		released:     make(chan struct{}),
	}
}

// SetRecorder sets the metrics recorder.
func (r *LockRegistry) SetRecorder(rec Recorder) {
	if rec != nil {
		r.recorder = rec
	}
}

// SetPollInterval sets how often a blocked Acquire re-checks the store.
func (r *LockRegistry) SetPollInterval(d time.Duration) {
	if d > 0 {
		r.pollInterval = d
	}
}

// Acquire takes resource for holder, blocking until the current holder
// releases it or ctx is done. Acquiring a lock already held by holder
// succeeds immediately.
func (r *LockRegistry) Acquire(ctx context.Context, resource, holder string) error {
	start := time.Now()
	logged := false

	for {
		// Grab the wake channel before trying so a release between the
		// attempt and the wait is not missed.
		r.mu.Lock()
		wake := r.released
		r.mu.Unlock()

		current, ok, err := r.store.AcquireLock(ctx, resource, holder, time.Now())
		if err != nil {
			return fmt.Errorf("failed to acquire lock %s: %w", resource, err)
		}
		if ok {
			r.recorder.LockWait(time.Since(start))
			r.logger.Debug().
				Str("resource", resource).
				Str("holder", holder).
				Dur("waited", time.Since(start)).
				Msg("Lock acquired")
			return nil
		}

		if !logged {
			r.logger.Info().
				Str("resource", resource).
				Str("holder", holder).
				Str("held_by", current).
				Msg("Waiting for lock")
			logged = true
		}

		timer := time.NewTimer(r.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// TryAcquire takes resource for holder without waiting. It reports whether
// holder owns the lock afterwards.
func (r *LockRegistry) TryAcquire(ctx context.Context, resource, holder string) (bool, error) {
	_, ok, err := r.store.AcquireLock(ctx, resource, holder, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", resource, err)
	}
	return ok, nil
}

// Release drops every lock of holder and wakes local waiters.
func (r *LockRegistry) Release(ctx context.Context, holder string) error {
	n, err := r.store.ReleaseLocks(ctx, holder)
	if err != nil {
		return fmt.Errorf("failed to release locks of %s: %w", holder, err)
	}

	if n > 0 {
		r.logger.Debug().Str("holder", holder).Int("count", n).Msg("Locks released")
		r.mu.Lock()
		close(r.released)
		r.released = make(chan struct{})
		r.mu.Unlock()
	}
	return nil
}

// List returns all held locks.
func (r *LockRegistry) List(ctx context.Context) ([]Lock, error) {
	return r.store.ListLocks(ctx)
}
