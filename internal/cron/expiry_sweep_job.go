package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/stockhold/internal/expiry"
	"github.com/angelmondragon/stockhold/pkg/logger"
)

// ExpirySweepJobName identifies the expiry sweep in logs, metrics and RunJob.
const ExpirySweepJobName = "expiry-sweep"

type sweeper interface {
	Sweep(ctx context.Context) expiry.SweepResult
}

type ExpirySweepJobParams struct {
	Logger   *logger.Logger
	Sweeper  sweeper
	Interval time.Duration
}

func NewExpirySweepJob(params ExpirySweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Sweeper == nil {
		return nil, fmt.Errorf("sweeper required")
	}
	if params.Interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive")
	}
	return &expirySweepJob{
		logg:     params.Logger,
		sweeper:  params.Sweeper,
		interval: params.Interval,
	}, nil
}

type expirySweepJob struct {
	logg     *logger.Logger
	sweeper  sweeper
	interval time.Duration
}

func (j *expirySweepJob) Name() string { return ExpirySweepJobName }

func (j *expirySweepJob) Interval() time.Duration { return j.interval }

func (j *expirySweepJob) Run(ctx context.Context) error {
	result := j.sweeper.Sweep(ctx)
	if result.Err != nil {
		return fmt.Errorf("expiry sweep: %d order(s) and %d cart reservation(s) failed: %w",
			result.OrdersFailed, result.CartsFailed, result.Err)
	}
	return nil
}
