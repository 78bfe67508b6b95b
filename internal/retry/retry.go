// Package retry runs remote operations under a uniform retry policy.
//
// Every attempt is gated by a precondition that is re-evaluated before the
// attempt, so a retry loop stops on its own as soon as the condition it
// depends on (typically "the connection is up") no longer holds. Errors are
// sorted by a Classifier rather than by their concrete type.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Class is the retry category of an error.
type Class int

const (
	// Fatal errors are returned to the caller immediately.
	Fatal Class = iota
	// Transient errors are retried after a backoff delay.
	Transient
	// Ignorable errors end the operation as a success with no effect.
	Ignorable
	// Auth errors are owned by the connection state machine. They are not
	// retried and not surfaced; the status callback handles them.
	Auth
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Ignorable:
		return "ignorable"
	case Auth:
		return "auth"
	default:
		return "fatal"
	}
}

// Result describes how Execute finished.
type Result int

const (
	// Done means the operation ran and succeeded.
	Done Result = iota
	// Ignored means the operation failed with an Ignorable or Auth error.
	Ignored
	// Skipped means shouldRun was false before an attempt could be made,
	// or ctx was cancelled.
	Skipped
	// Failed means the operation returned a Fatal error.
	Failed
)

func (r Result) String() string {
	switch r {
	case Ignored:
		return "ignored"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "done"
	}
}

// Operation is a single attempt of a remote call.
type Operation func(ctx context.Context) error

// Classifier maps an error to its retry class.
type Classifier func(err error) Class

// Always is a precondition that always holds.
func Always() bool { return true }

// WithIgnorable returns a classifier that treats the given sentinel errors
// (matched with errors.Is) as Ignorable and defers to base otherwise.
func WithIgnorable(base Classifier, sentinels ...error) Classifier {
	return func(err error) Class {
		for _, s := range sentinels {
			if errors.Is(err, s) {
				return Ignorable
			}
		}
		if base == nil {
			return Fatal
		}
		return base(err)
	}
}

// Backoff controls the delay between attempts after a transient error.
type Backoff struct {
	// InitialDelay is the delay before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the delay growth.
	MaxDelay time.Duration
	// Multiplier scales the delay after each transient failure.
	Multiplier float64
}

// DefaultBackoff returns 1s, 2s, 4s, ... capped at 30s.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.MaxDelay < b.InitialDelay {
		b.MaxDelay = b.InitialDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	return b
}

func (b Backoff) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * b.Multiplier)
	if delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	return delay
}

// Executor runs operations with retries. It holds no per-call state and is
// safe for concurrent use.
type Executor struct {
	backoff Backoff
	log     zerolog.Logger
}

// New creates an Executor. Zero-valued backoff fields take their defaults.
func New(backoff Backoff, log zerolog.Logger) *Executor {
	return &Executor{
		backoff: backoff.withDefaults(),
		log:     log,
	}
}

// Execute runs op until it succeeds, fails with a non-transient error,
// shouldRun reports false, or ctx is cancelled.
//
// There is no attempt limit: callers that need Execute to terminate while
// shouldRun keeps holding must bound ctx.
func (e *Executor) Execute(ctx context.Context, name string, op Operation, shouldRun func() bool, classify Classifier) (Result, error) {
	if shouldRun == nil {
		shouldRun = Always
	}
	delay := e.backoff.InitialDelay

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			e.log.Debug().Str("operation", name).Int("attempt", attempt).Msg("cancelled before attempt")
			return Skipped, err
		}
		if !shouldRun() {
			e.log.Debug().Str("operation", name).Int("attempt", attempt).Msg("precondition not met, skipping")
			return Skipped, nil
		}

		err := op(ctx)
		if err == nil {
			e.log.Debug().Str("operation", name).Int("attempts", attempt).Msg("operation completed")
			return Done, nil
		}

		class := Fatal
		if classify != nil {
			class = classify(err)
		}

		switch class {
		case Ignorable:
			e.log.Info().Str("operation", name).Err(err).Msg("ignoring error")
			return Ignored, nil
		case Auth:
			e.log.Warn().Str("operation", name).Err(err).Msg("authorization error left to connection status handling")
			return Ignored, nil
		case Transient:
			e.log.Warn().
				Str("operation", name).
				Int("attempt", attempt).
				Dur("next_delay", delay).
				Err(err).
				Msg("transient error, retrying")
		default:
			e.log.Error().Str("operation", name).Int("attempt", attempt).Err(err).Msg("operation failed")
			return Failed, err
		}

		if !sleepCtx(ctx, delay) {
			e.log.Debug().Str("operation", name).Int("attempt", attempt).Msg("cancelled during backoff")
			return Skipped, ctx.Err()
		}
		delay = e.backoff.next(delay)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
