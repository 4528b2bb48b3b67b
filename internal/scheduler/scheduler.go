package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per refresh period.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunOnStart fires one tick immediately instead of waiting a full interval.
	RunOnStart bool
}

// Scheduler drives periodic refresh cycles. Ticks run on the loop goroutine, so a slow tick delays
// the next one rather than overlapping it.
type Scheduler struct {
	opts    Options
	trigger chan struct{}
	logger  zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:    opts,
		trigger: make(chan struct{}, 1),
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}
}

// Trigger requests an out-of-band tick. Requests made while one is already pending collapse into
// it. The regular schedule is not shifted.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run blocks, invoking tick on every interval until ctx is cancelled. Tick errors are logged and
// never stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	if s.opts.RunOnStart {
		s.execute(ctx, tick, time.Now().UTC(), "startup")
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	next := s.nextTick(time.Now().UTC())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.trigger:
			s.execute(ctx, tick, time.Now().UTC(), "manual")
			continue
		case <-timer.C:
		}

		s.execute(ctx, tick, s.bucketStart(next), "interval")

		next = next.Add(s.opts.Interval)
		if now := time.Now().UTC(); !next.After(now) {
			// a tick overran one or more periods; skip the missed slots
			skipped := int(now.Sub(next)/s.opts.Interval) + 1
			s.logger.Warn().Int("skipped", skipped).Msg("tick overran its period")
			next = s.nextTick(now)
		}
		timer.Reset(time.Until(next))
	}
}

func (s *Scheduler) execute(ctx context.Context, tick TickFunc, at time.Time, reason string) {
	log := s.logger.With().Time("at", at).Str("reason", reason).Logger()
	log.Debug().Msg("executing scheduled tick")
	if err := tick(ctx, at); err != nil {
		log.Error().Err(err).Msg("tick execution failed")
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
