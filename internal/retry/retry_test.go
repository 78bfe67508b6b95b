package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errBusy   = errors.New("busy")
	errDenied = errors.New("denied")
	errBroken = errors.New("broken")
	errLock   = errors.New("lock lost")
)

func classify(err error) Class {
	switch {
	case errors.Is(err, errBusy):
		return Transient
	case errors.Is(err, errDenied):
		return Auth
	default:
		return Fatal
	}
}

func newTestExecutor() *Executor {
	return New(Backoff{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}, zerolog.Nop())
}

func TestExecuteSuccess(t *testing.T) {
	e := newTestExecutor()
	calls := 0

	res, err := e.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		return nil
	}, Always, classify)

	require.NoError(t, err)
	assert.Equal(t, Done, res)
	assert.Equal(t, 1, calls)
}

func TestExecuteIgnorableReturnsWithoutRetry(t *testing.T) {
	e := newTestExecutor()
	calls := 0

	res, err := e.Execute(context.Background(), "receive", func(context.Context) error {
		calls++
		return errLock
	}, Always, WithIgnorable(classify, errLock))

	require.NoError(t, err)
	assert.Equal(t, Ignored, res)
	assert.Equal(t, 1, calls)
}

func TestExecuteAuthIsNotRetried(t *testing.T) {
	e := newTestExecutor()
	calls := 0

	res, err := e.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		return errDenied
	}, Always, classify)

	require.NoError(t, err)
	assert.Equal(t, Ignored, res)
	assert.Equal(t, 1, calls)
}

func TestExecuteFatalSurfacesImmediately(t *testing.T) {
	e := newTestExecutor()
	calls := 0

	res, err := e.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		return errBroken
	}, Always, classify)

	require.ErrorIs(t, err, errBroken)
	assert.Equal(t, Failed, res)
	assert.Equal(t, 1, calls)
}

func TestExecuteNilClassifierIsFatal(t *testing.T) {
	e := newTestExecutor()

	res, err := e.Execute(context.Background(), "op", func(context.Context) error {
		return errBusy
	}, Always, nil)

	require.ErrorIs(t, err, errBusy)
	assert.Equal(t, Failed, res)
}

func TestExecuteTransientRetriesUntilSuccess(t *testing.T) {
	e := newTestExecutor()
	calls := 0

	res, err := e.Execute(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 4 {
			return errBusy
		}
		return nil
	}, Always, classify)

	require.NoError(t, err)
	assert.Equal(t, Done, res)
	assert.Equal(t, 4, calls)
}

func TestExecuteTransientStopsWhenPreconditionFails(t *testing.T) {
	e := newTestExecutor()
	var calls atomic.Int32

	shouldRun := func() bool { return calls.Load() < 3 }

	res, err := e.Execute(context.Background(), "send", func(context.Context) error {
		calls.Add(1)
		return errBusy
	}, shouldRun, classify)

	require.NoError(t, err)
	assert.Equal(t, Skipped, res)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecuteSkipsWhenPreconditionFalseInitially(t *testing.T) {
	e := newTestExecutor()
	calls := 0

	res, err := e.Execute(context.Background(), "send", func(context.Context) error {
		calls++
		return nil
	}, func() bool { return false }, classify)

	require.NoError(t, err)
	assert.Equal(t, Skipped, res)
	assert.Zero(t, calls)
}

func TestExecuteCancelledDuringBackoff(t *testing.T) {
	e := New(Backoff{InitialDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var res Result
	var err error
	go func() {
		defer close(done)
		res, err = e.Execute(ctx, "op", func(context.Context) error {
			return errBusy
		}, Always, classify)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Skipped, res)
}

func TestExecuteCancelledBeforeAttempt(t *testing.T) {
	e := newTestExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := e.Execute(ctx, "op", func(context.Context) error {
		calls++
		return nil
	}, Always, classify)

	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestBackoffGrowth(t *testing.T) {
	b := Backoff{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}.withDefaults()

	d := b.InitialDelay
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, d)
		d = b.next(d)
	}

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}, got)
}

func TestBackoffDefaults(t *testing.T) {
	b := Backoff{}.withDefaults()
	assert.Equal(t, DefaultBackoff(), b)
}

func TestBackoffUnsetMaxDelayGrows(t *testing.T) {
	b := Backoff{InitialDelay: 10 * time.Millisecond}.withDefaults()
	assert.Equal(t, 30*time.Second, b.MaxDelay)

	var got []time.Duration
	d := b.InitialDelay
	for i := 0; i < 4; i++ {
		got = append(got, d)
		d = b.next(d)
	}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 80 * time.Millisecond,
	}, got)
}

func TestBackoffMaxDelayBelowInitial(t *testing.T) {
	b := Backoff{InitialDelay: 2 * time.Second, MaxDelay: time.Second}.withDefaults()
	assert.Equal(t, 2*time.Second, b.MaxDelay)
}

func TestWithIgnorableWrapped(t *testing.T) {
	c := WithIgnorable(classify, errLock)

	assert.Equal(t, Ignorable, c(errors.Join(errors.New("complete"), errLock)))
	assert.Equal(t, Transient, c(errBusy))
	assert.Equal(t, Fatal, WithIgnorable(nil)(errBusy))
}
