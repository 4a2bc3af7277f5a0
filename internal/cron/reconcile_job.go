package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/stockhold/internal/reconcile"
	"github.com/angelmondragon/stockhold/pkg/logger"
)

// ReconcileJobName identifies the integrity reconciler.
const ReconcileJobName = "stock-reconcile"

type reconciler interface {
	Run(ctx context.Context) reconcile.ReconcileResult
}

type ReconcileJobParams struct {
	Logger     *logger.Logger
	Reconciler reconciler
	Interval   time.Duration
}

func NewReconcileJob(params ReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("reconciler required")
	}
	if params.Interval <= 0 {
		return nil, fmt.Errorf("reconcile interval must be positive")
	}
	return &reconcileJob{
		logg:       params.Logger,
		reconciler: params.Reconciler,
		interval:   params.Interval,
	}, nil
}

type reconcileJob struct {
	logg       *logger.Logger
	reconciler reconciler
	interval   time.Duration
}

func (j *reconcileJob) Name() string { return ReconcileJobName }

func (j *reconcileJob) Interval() time.Duration { return j.interval }

func (j *reconcileJob) Run(ctx context.Context) error {
	result := j.reconciler.Run(ctx)
	if len(result.Corrections) > 0 {
		logCtx := j.logg.WithFields(ctx, map[string]any{
			"run_id":      result.RunID,
			"corrections": len(result.Corrections),
		})
		j.logg.Warn(logCtx, "reserved counters drifted and were corrected")
	}
	if result.Err != nil {
		return fmt.Errorf("reconcile %s: %w", result.RunID, result.Err)
	}
	return nil
}
