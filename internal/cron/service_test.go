package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/angelmondragon/stockhold/pkg/logger"
	"github.com/angelmondragon/stockhold/pkg/metrics"
)

type fakeLock struct {
	acquired bool
	err      error
	releases int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.acquired {
		return false, nil
	}
	f.acquired = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error {
	f.acquired = false
	f.releases++
	return nil
}

type testJob struct {
	name     string
	err      error
	runs     int
	interval time.Duration
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Interval() time.Duration { return t.interval }

func (t *testJob) Run(context.Context) error {
	t.runs++
	return t.err
}

func newTestService(t *testing.T, lock Lock, jobs ...Job) (*Service, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	service, err := NewService(ServiceParams{
		Logger:   logger.Nop(),
		Registry: NewRegistry(jobs...),
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(reg),
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return service, reg
}

func TestNewServiceRequiresLock(t *testing.T) {
	if _, err := NewService(ServiceParams{Logger: logger.Nop()}); err == nil {
		t.Fatal("expected missing lock error")
	}
}

func TestServiceIntervalDefaultsToShortestJob(t *testing.T) {
	service, _ := newTestService(t, &fakeLock{},
		&testJob{name: "slow", interval: time.Hour},
		&testJob{name: "fast", interval: 30 * time.Second},
	)
	if service.interval != 30*time.Second {
		t.Fatalf("expected 30s tick, got %s", service.interval)
	}

	empty, _ := newTestService(t, &fakeLock{})
	if empty.interval != defaultInterval {
		t.Fatalf("expected default tick, got %s", empty.interval)
	}
}

func TestServiceRunCycleRunsAllJobsEvenOnFailure(t *testing.T) {
	success := &testJob{name: "success"}
	failure := &testJob{name: "fail", err: errors.New("boom")}
	lock := &fakeLock{}
	service, _ := newTestService(t, lock, success, failure)

	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if success.runs != 1 || failure.runs != 1 {
		t.Fatalf("expected each job to run once, got %d and %d", success.runs, failure.runs)
	}
	if lock.acquired || lock.releases != 1 {
		t.Fatal("expected the lock to be released after the cycle")
	}
}

func TestServiceRunsJobsOnTheirOwnCadence(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sweep := &testJob{name: "sweep", interval: time.Minute}
	reconcile := &testJob{name: "reconcile", interval: 15 * time.Minute}
	service, _ := newTestService(t, &fakeLock{}, sweep, reconcile)
	service.now = func() time.Time { return clock }

	ctx := context.Background()
	for i := 0; i < 16; i++ {
		if err := service.runCycle(ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		clock = clock.Add(time.Minute)
	}
	if sweep.runs != 16 {
		t.Fatalf("expected sweep every minute, ran %d", sweep.runs)
	}
	if reconcile.runs != 2 {
		t.Fatalf("expected reconcile at 0 and 15 minutes, ran %d", reconcile.runs)
	}
}

func TestServiceSkipsCycleWhenLockHeld(t *testing.T) {
	job := &testJob{name: "sweep"}
	lock := &fakeLock{acquired: true}
	service, _ := newTestService(t, lock, job)

	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("job must not run without the lock, ran %d", job.runs)
	}
	if lock.releases != 0 {
		t.Fatal("a lock we did not take must not be released")
	}
}

func TestServiceLockErrorIsReturned(t *testing.T) {
	job := &testJob{name: "sweep"}
	service, _ := newTestService(t, &fakeLock{err: errors.New("redis down")}, job)

	if err := service.runCycle(context.Background()); err == nil {
		t.Fatal("expected lock error")
	}
	if job.runs != 0 {
		t.Fatal("job must not run when the lock errors")
	}
}

func TestServiceRunJob(t *testing.T) {
	reconcile := &testJob{name: "reconcile", err: errors.New("drift")}
	lock := &fakeLock{}
	service, _ := newTestService(t, lock, &testJob{name: "sweep"}, reconcile)

	ran, err := service.RunJob(context.Background(), "reconcile")
	if !ran {
		t.Fatal("expected the job to run")
	}
	if err == nil {
		t.Fatal("expected the job error to surface")
	}
	if reconcile.runs != 1 || lock.acquired {
		t.Fatalf("unexpected state runs=%d held=%v", reconcile.runs, lock.acquired)
	}

	if _, err := service.RunJob(context.Background(), "missing"); err == nil {
		t.Fatal("expected unknown job error")
	}

	lock.acquired = true
	ran, err = service.RunJob(context.Background(), "reconcile")
	if ran || err != nil {
		t.Fatalf("expected a skipped run, got ran=%v err=%v", ran, err)
	}
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	job := &testJob{name: "sweep", interval: time.Hour}
	service, _ := newTestService(t, &fakeLock{}, job)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestServiceRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCronJobMetrics(reg)
	lock := &fakeLock{}
	service, err := NewService(ServiceParams{
		Logger:   logger.Nop(),
		Registry: NewRegistry(&testJob{name: "ok"}, &testJob{name: "bad", err: errors.New("boom")}),
		Lock:     lock,
		Metrics:  m,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	lock.acquired = true
	service.lastRun = map[string]time.Time{}
	if err := service.runCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if got := counterValue(mfs, "stockhold_job_success_total", "ok"); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := counterValue(mfs, "stockhold_job_failure_total", "bad"); got != 1 {
		t.Fatalf("expected 1 failure, got %v", got)
	}
	if got := counterValue(mfs, "stockhold_job_lock_skipped_total", "ok"); got != 1 {
		t.Fatalf("expected 1 lock skip, got %v", got)
	}
}

func counterValue(mfs []*dto.MetricFamily, name, job string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "job" && label.GetValue() == job {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return -1
}
