package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy describes which command failures are transient and how often
// they are retried.
type RetryPolicy struct {
	// Attempts is the number of retries after the first attempt.
	Attempts int

	// Delay is the fixed pause between attempts.
	Delay time.Duration

	// Signatures are substrings of the command output that mark a failure
	// as transient.
	Signatures []string

	// ExitStatus is the exit status a transient failure must have.
	ExitStatus int
}

// DefaultRetryPolicy retries "Resource temporarily unavailable" three times.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:   3,
		Delay:      3 * time.Second,
		Signatures: []string{"Resource temporarily unavailable"},
		ExitStatus: 1,
	}
}

// Transient reports whether err is a command failure matching the policy.
func (p RetryPolicy) Transient(err error) bool {
	var ce *CommandError
	if !errors.As(err, &ce) {
		return false
	}
	if ce.ExitStatus != p.ExitStatus {
		return false
	}
	for _, sig := range p.Signatures {
		if strings.Contains(ce.Output, sig) {
			return true
		}
	}
	return false
}

// Retrier runs operations under a RetryPolicy.
type Retrier struct {
	Policy   RetryPolicy
	Recorder Recorder
	Logger   zerolog.Logger

	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier with the given policy.
func NewRetrier(policy RetryPolicy, logger zerolog.Logger) *Retrier {
	return &Retrier{
		Policy:   policy,
		Recorder: nopRecorder{},
		Logger:   logger.With().Str("component", "retry").Logger(),
		Sleep:    sleepContext,
	}
}

// Do runs fn until it succeeds, fails permanently, or the retry bound is
// reached. The last error is returned unchanged.
func (r *Retrier) Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !r.Policy.Transient(err) || attempt >= r.Policy.Attempts {
			return err
		}

		var ce *CommandError
		errors.As(err, &ce)
		r.Logger.Warn().
			Str("cmd", ce.Cmd).
			Int("attempt", attempt+1).
			Int("max", r.Policy.Attempts+1).
			Msg("Transient command failure, retrying")
		if r.Recorder != nil {
			r.Recorder.Retry(ce.Cmd)
		}

		if serr := r.Sleep(ctx, r.Policy.Delay); serr != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
