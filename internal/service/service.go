package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"metalwatch/internal/alerting"
	"metalwatch/internal/market"
	"metalwatch/internal/recorder"
	"metalwatch/internal/scheduler"
	"metalwatch/internal/storage"
)

// PriceSource serves every currency projected from one base reading.
type PriceSource interface {
	Snapshots(ctx context.Context) (map[market.Currency]market.Snapshot, error)
}

// CycleWriter persists one cycle of snapshots.
type CycleWriter interface {
	WriteCycle(ctx context.Context, snaps map[market.Currency]market.Snapshot) error
}

// AlertEvaluator checks rules against the newest stored prices.
type AlertEvaluator interface {
	EvaluateAlerts(ctx context.Context) (alerting.Summary, error)
}

// SnapshotPublisher distributes a cycle's snapshots to readers outside the process.
type SnapshotPublisher interface {
	Publish(ctx context.Context, cycleID string, snaps map[market.Currency]market.Snapshot) error
}

// Deps wires the collaborators of a Service. Alerts, Publisher and Locker are optional.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Prices    PriceSource
	Writer    CycleWriter
	Alerts    AlertEvaluator
	Publisher SnapshotPublisher
	Locker    storage.AdvisoryLocker
	LockKey   int64
	Clock     func() time.Time
}

// CycleReport summarises one refresh cycle.
type CycleReport struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Skipped    bool
	SkipReason string
	Source     string
	Degraded   bool
	Snapshots  map[market.Currency]market.Snapshot
	PersistErr error
	PublishErr error
	AlertErr   error
	Alerts     alerting.Summary
}

// Err joins the failures that make a cycle unsuccessful. Publishing is best-effort and excluded.
func (r CycleReport) Err() error {
	return errors.Join(r.PersistErr, r.AlertErr)
}

// Service orchestrates fetching, persistence, distribution and alerting.
type Service struct {
	deps    Deps
	running atomic.Bool
	logger  zerolog.Logger
}

// New constructs the refresh service.
func New(deps Deps, logger zerolog.Logger) *Service {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Service{
		deps:   deps,
		logger: logger.With().Str("component", "service").Logger(),
	}
}

// Run starts the periodic refresh loop and blocks until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, func(ctx context.Context, _ time.Time) error {
		report, err := s.RunCycle(ctx)
		if err != nil {
			return err
		}
		return report.Err()
	})
}

// RunCycle executes one refresh: collect snapshots, persist then evaluate alerts, and publish.
// Stage failures are recorded on the report rather than aborting later stages. The returned
// error covers only conditions that prevented the cycle from running.
func (s *Service) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{ID: uuid.NewString(), StartedAt: s.deps.Clock().UTC()}
	log := s.logger.With().Str("cycle_id", report.ID).Logger()

	if !s.running.CompareAndSwap(false, true) {
		report.Skipped, report.SkipReason = true, "previous cycle still running"
		log.Warn().Msg("skip cycle: previous cycle still running")
		return report, nil
	}
	defer s.running.Store(false)

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return report, err
	}
	if !proceed {
		report.Skipped, report.SkipReason = true, "advisory lock held elsewhere"
		log.Debug().Msg("skip cycle because advisory lock held elsewhere")
		return report, nil
	}
	if unlock != nil {
		defer unlock()
	}

	snaps, err := s.deps.Prices.Snapshots(ctx)
	if err != nil {
		return report, fmt.Errorf("collect snapshots: %w", err)
	}
	report.Snapshots = snaps
	if base, ok := snaps[market.BaseCurrency]; ok {
		report.Source, report.Degraded = base.Source, base.Degraded
	}

	var g errgroup.Group
	if s.deps.Publisher != nil {
		g.Go(func() error {
			if err := s.deps.Publisher.Publish(ctx, report.ID, snaps); err != nil {
				report.PublishErr = err
				log.Warn().Err(err).Msg("publish snapshots failed")
			}
			return nil
		})
	}
	g.Go(func() error {
		s.persistAndEvaluate(ctx, log, snaps, &report)
		return nil
	})
	_ = g.Wait()

	report.FinishedAt = s.deps.Clock().UTC()
	log.Info().
		Str("source", report.Source).
		Bool("degraded", report.Degraded).
		Int("triggered", report.Alerts.Triggered).
		Bool("persist_ok", report.PersistErr == nil).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).
		Msg("cycle complete")
	return report, nil
}

// persistAndEvaluate writes before evaluating so rules see this cycle's readings. A write failure
// does not block evaluation.
func (s *Service) persistAndEvaluate(ctx context.Context, log zerolog.Logger, snaps map[market.Currency]market.Snapshot, report *CycleReport) {
	if s.deps.Writer != nil {
		if err := s.deps.Writer.WriteCycle(ctx, snaps); err != nil {
			report.PersistErr = err
			evt := log.Warn().Err(err)
			var partial *recorder.PartialWriteError
			if errors.As(err, &partial) {
				names := make([]string, 0, len(partial.Failed))
				for _, inst := range partial.Instruments() {
					names = append(names, string(inst))
				}
				evt = evt.Strs("failed_instruments", names)
			}
			evt.Msg("persist cycle incomplete")
		}
	}

	if s.deps.Alerts != nil {
		summary, err := s.deps.Alerts.EvaluateAlerts(ctx)
		report.Alerts = summary
		if err != nil {
			report.AlertErr = err
			log.Error().Err(err).Msg("alert evaluation failed")
		}
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.deps.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.deps.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
