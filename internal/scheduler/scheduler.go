// Package scheduler runs the periodic background jobs: applying due
// scheduled tier rollouts and retiring lapsed credit allocations.
// Multiple instances may run the loop concurrently; the jobs themselves
// carry the compare-and-set logic that makes that safe.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/quillora/quillbill/internal/clock"
	creditdomain "github.com/quillora/quillbill/internal/credit/domain"
	obsmetrics "github.com/quillora/quillbill/internal/observability/metrics"
	tierdomain "github.com/quillora/quillbill/internal/tier/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	Log       *zap.Logger
	Clock     clock.Clock
	TierSvc   tierdomain.Service
	CreditSvc creditdomain.Service
	Config    Config `optional:"true"`
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	clock     clock.Clock
	tierSvc   tierdomain.Service
	creditSvc creditdomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.TierSvc == nil || p.CreditSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		clock:     p.Clock,
		tierSvc:   p.TierSvc,
		creditSvc: p.CreditSvc,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) (int, error)) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	processed, err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if processed > 0 {
		schedMetrics.AddBatchProcessed(name, processed)
	}
	if err == nil {
		if processed > 0 {
			s.log.Info("job processed work",
				zap.String("job", name),
				zap.Int("processed", processed),
			)
		}
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, obsmetrics.ClassifyJobError(err))
	s.log.Warn("job failed",
		zap.String("job", name),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	return err
}

// RunOnce executes one pass of every job. Errors are joined so one
// failing job never starves the others.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	err = errors.Join(err, s.runJob(parent, "process_rollouts", s.cfg.RolloutTimeout, func(ctx context.Context) (int, error) {
		return s.tierSvc.ProcessPendingRollouts(ctx)
	}))
	err = errors.Join(err, s.runJob(parent, "expire_allocations", s.cfg.ExpiryTimeout, func(ctx context.Context) (int, error) {
		return s.creditSvc.ExpireLapsed(ctx, s.cfg.BatchSize)
	}))
	return err
}

// RunForever loops RunOnce on the configured interval until the
// context is canceled. The current pass finishes before the loop
// observes cancellation, so a shutdown never aborts a batch midway.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if lag := time.Since(nextRun); lag > 0 {
			schedMetrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
