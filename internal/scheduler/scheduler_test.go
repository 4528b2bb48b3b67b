package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRunOnStartFiresImmediately(t *testing.T) {
	s := New(Options{Interval: time.Hour, RunOnStart: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan time.Time, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(_ context.Context, at time.Time) error {
			fired <- at
			return nil
		})
	}()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("startup tick did not fire")
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRunContinuesAfterTickErrors(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, RunOnStart: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			calls.Add(1)
			return errors.New("upstream exploded")
		})
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRunWithoutStartupTickWaitsForInterval(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	var calls atomic.Int32
	err := s.Run(ctx, func(context.Context, time.Time) error {
		calls.Add(1)
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, calls.Load())
}

func TestNextTickAlignment(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2025, 1, 1, 10, 7, 30, 0, time.UTC)
	require.Equal(t, time.Date(2025, 1, 1, 10, 10, 0, 0, time.UTC), s.nextTick(now))

	onBoundary := time.Date(2025, 1, 1, 10, 10, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 1, 1, 10, 15, 0, 0, time.UTC), s.nextTick(onBoundary))
}

func TestNewRejectsNonPositiveInterval(t *testing.T) {
	require.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}

func TestTriggerRunsOutOfBand(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			fired <- struct{}{}
			return nil
		})
	}()

	require.True(t, s.Trigger())
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("manual tick did not fire")
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestTriggerCoalesces(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())
	require.True(t, s.Trigger())
	require.False(t, s.Trigger())
}

func TestStartupDelayHonoursCancel(t *testing.T) {
	s := New(Options{Interval: time.Minute, StartupDelay: time.Hour, RunOnStart: true}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("tick must not run during startup delay")
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
