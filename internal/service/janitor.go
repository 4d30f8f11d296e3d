package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/windsim/simrunner/internal/joblog"
	"github.com/windsim/simrunner/internal/model"
	"github.com/windsim/simrunner/internal/observability"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// Janitor prunes old calculation logs of every case on a schedule.
type Janitor struct {
	casesDir  string
	keep      int
	metrics   *observability.Metrics
	scheduler gocron.Scheduler
}

// NewJanitor builds the scheduler for cfg. It does not run until Start.
func NewJanitor(ctx context.Context, casesDir string, cfg model.Janitor, metrics *observability.Metrics, clock clockwork.Clock) (*Janitor, error) {
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	j := &Janitor{
		casesDir: casesDir,
		keep:     cfg.Keep,
		metrics:  metrics,
	}
	s, err := newScheduler(ctx, cfg.Schedule, clock, func() {
		if _, err := j.Sweep(ctx); err != nil {
			slog.ErrorContext(ctx, "pruning calculation logs", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	j.scheduler = s
	return j, nil
}

func (j *Janitor) Start() {
	j.scheduler.Start()
}

func (j *Janitor) Shutdown(ctx context.Context) {
	if err := j.scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
}

// Sweep removes old logs once and returns how many were deleted.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	n, err := joblog.Prune(ctx, j.casesDir, j.keep)
	if n > 0 {
		j.metrics.LogsPruned.Add(float64(n))
		slog.InfoContext(ctx, "calculation logs pruned", "removed", n)
	}
	return n, err
}

func newScheduler(ctx context.Context, cfg model.Schedule, clock clockwork.Clock, task func()) (gocron.Scheduler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	now := clock.Now()
	next, err := cfg.Next(now)
	if err != nil {
		return nil, err
	}
	var job gocron.JobDefinition
	if cfg.Cron != "" {
		job = gocron.CronJob(cfg.Cron, false)
	} else {
		job = gocron.DurationJob(next.Sub(now))
	}
	slog.DebugContext(ctx, "janitor scheduled", "cron", cfg.Cron, "every", cfg.Every, "next", next)

	s, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
