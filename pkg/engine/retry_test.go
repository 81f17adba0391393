package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type countingRecorder struct {
	nopRecorder
	retries int
}

func (r *countingRecorder) Retry(string) { r.retries++ }

func newTestRetrier(sleeps *[]time.Duration) *Retrier {
	r := NewRetrier(DefaultRetryPolicy(), zerolog.Nop())
	r.Sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return r
}

func TestRetryTransientBound(t *testing.T) {
	var sleeps []time.Duration
	r := newTestRetrier(&sleeps)
	rec := &countingRecorder{}
	r.Recorder = rec

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return NewCommandError("iptables -A", 1, "iptables: Resource temporarily unavailable.")
	})

	if !IsCommandFailure(err) {
		t.Fatalf("Expected command failure, got %v", err)
	}
	if calls != 4 {
		t.Errorf("Expected 4 attempts, got %d", calls)
	}
	if len(sleeps) != 3 {
		t.Errorf("Expected 3 sleeps, got %d", len(sleeps))
	}
	for _, d := range sleeps {
		if d != 3*time.Second {
			t.Errorf("Expected fixed 3s delay, got %v", d)
		}
	}
	if rec.retries != 3 {
		t.Errorf("Expected 3 recorded retries, got %d", rec.retries)
	}
}

func TestRetryPermanentFailure(t *testing.T) {
	var sleeps []time.Duration
	r := newTestRetrier(&sleeps)

	tests := []struct {
		name string
		err  error
	}{
		{"other output", NewCommandError("zfs", 1, "dataset does not exist")},
		{"other exit status", NewCommandError("zfs", 2, "Resource temporarily unavailable")},
		{"not a command error", errors.New("Resource temporarily unavailable")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := r.Do(context.Background(), func() error {
				calls++
				return tt.err
			})
			if err != tt.err {
				t.Errorf("Expected original error, got %v", err)
			}
			if calls != 1 {
				t.Errorf("Expected 1 attempt, got %d", calls)
			}
		})
	}
	if len(sleeps) != 0 {
		t.Errorf("Expected no sleeps, got %d", len(sleeps))
	}
}

func TestRetryEventualSuccess(t *testing.T) {
	var sleeps []time.Duration
	r := newTestRetrier(&sleeps)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return NewCommandError("iptables", 1, "Resource temporarily unavailable")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 || len(sleeps) != 2 {
		t.Errorf("Expected 3 attempts and 2 sleeps, got %d and %d", calls, len(sleeps))
	}
}

func TestRetryCancelled(t *testing.T) {
	r := NewRetrier(DefaultRetryPolicy(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := r.Do(ctx, func() error {
		calls++
		return NewCommandError("iptables", 1, "Resource temporarily unavailable")
	})
	if !IsCommandFailure(err) || calls != 1 {
		t.Errorf("Expected a single attempt returning the command failure, got %d %v", calls, err)
	}
}
