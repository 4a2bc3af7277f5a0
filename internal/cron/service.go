package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/stockhold/pkg/logger"
	"github.com/angelmondragon/stockhold/pkg/metrics"
)

const defaultInterval = time.Minute

// ServiceParams configure the cron service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	// Interval is the tick. It defaults to the shortest job interval.
	Interval time.Duration
}

// Service executes registered jobs under a shared lock. Each tick runs the
// jobs whose own interval has elapsed; jobs without one run every tick.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.CronJobMetrics
	interval time.Duration
	now      func() time.Time
	lastRun  map[string]time.Time
}

// NewService builds a cron service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	interval := params.Interval
	if interval <= 0 {
		interval = shortestInterval(registry.Jobs())
	}
	return &Service{
		logg:     params.Logger,
		registry: registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: interval,
		now:      time.Now,
		lastRun:  map[string]time.Time{},
	}, nil
}

// Run starts the cron loop until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.runCycle(ctx); err != nil {
		s.logg.Error(ctx, "scheduled run failed", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron service context canceled")
			return ctx.Err()
		case <-ticker.C:
			if err := s.runCycle(ctx); err != nil {
				s.logg.Error(ctx, "scheduled run failed", err)
			}
		}
	}
}

// RunJob runs one registered job immediately under the lock. It returns
// false when another instance held the lock.
func (s *Service) RunJob(ctx context.Context, name string) (bool, error) {
	job, ok := s.registry.Lookup(name)
	if !ok {
		return false, fmt.Errorf("unknown job %q", name)
	}
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.recordLockSkipped([]Job{job})
		return false, nil
	}
	defer s.release(ctx)
	return true, s.runJob(ctx, job)
}

func (s *Service) runCycle(ctx context.Context) error {
	due := s.dueJobs(s.now())
	if len(due) == 0 {
		return nil
	}
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.logg.Info(ctx, "another worker holds the job lock; skipping this cycle")
		s.recordLockSkipped(due)
		return nil
	}
	defer s.release(ctx)

	for _, job := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = s.runJob(ctx, job)
	}
	return nil
}

func (s *Service) dueJobs(now time.Time) []Job {
	var due []Job
	for _, job := range s.registry.Jobs() {
		last, ran := s.lastRun[job.Name()]
		if !ran || now.Sub(last) >= jobInterval(job) {
			due = append(due, job)
		}
	}
	return due
}

func (s *Service) release(ctx context.Context) {
	// release even when the loop was canceled mid cycle
	if err := s.lock.Release(context.WithoutCancel(ctx)); err != nil {
		s.logg.Error(ctx, "failed to release job lock", err)
	}
}

func (s *Service) runJob(ctx context.Context, job Job) error {
	jobCtx := s.logg.WithField(ctx, "job", job.Name())
	jobCtx = s.logg.WithField(jobCtx, "event", "cron.job")
	s.logg.Debug(jobCtx, "job start")
	start := s.now()
	s.lastRun[job.Name()] = start
	err := job.Run(jobCtx)
	duration := s.now().Sub(start)
	s.metrics.ObserveDuration(job.Name(), duration)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		s.metrics.IncFailure(job.Name())
		return err
	}
	s.logg.Debug(jobCtx, "job completed")
	s.metrics.IncSuccess(job.Name())
	return nil
}

func (s *Service) recordLockSkipped(jobs []Job) {
	for _, job := range jobs {
		s.metrics.IncLockSkipped(job.Name())
	}
}

func shortestInterval(jobs []Job) time.Duration {
	shortest := time.Duration(0)
	for _, job := range jobs {
		d := jobInterval(job)
		if d > 0 && (shortest == 0 || d < shortest) {
			shortest = d
		}
	}
	if shortest == 0 {
		return defaultInterval
	}
	return shortest
}
