// Package worker runs the periodic slot generation job.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"slotbook/internal/domain"
)

type Generator interface {
	GenerateAhead(ctx context.Context) ([]domain.Slot, error)
}

// GenerateJob fills the advance booking window. Existing slots are never
// touched, so overlapping or repeated runs are harmless.
type GenerateJob struct {
	gen     Generator
	log     *slog.Logger
	timeout time.Duration
}

func NewGenerateJob(gen Generator, log *slog.Logger, timeout time.Duration) *GenerateJob {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &GenerateJob{gen: gen, log: log, timeout: timeout}
}

func (j *GenerateJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	j.run(ctx)
}

func (j *GenerateJob) run(ctx context.Context) {
	start := time.Now()
	created, err := j.gen.GenerateAhead(ctx)
	if err != nil {
		j.log.Error("slot generation failed", slog.Int("created", len(created)), slog.Any("err", err))
		return
	}
	j.log.Info("slot generation finished",
		slog.Int("created", len(created)),
		slog.Duration("duration", time.Since(start)),
	)
}

type Scheduler struct {
	cron       *cron.Cron
	job        *GenerateJob
	runOnStart bool
}

// NewScheduler registers job under a standard five-field cron spec evaluated
// in UTC.
func NewScheduler(spec string, job *GenerateJob, runOnStart bool, log *slog.Logger) (*Scheduler, error) {
	logger := cronLogger{log: log}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddJob(spec, job); err != nil {
		return nil, fmt.Errorf("generator schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c, job: job, runOnStart: runOnStart}, nil
}

// Run starts the scheduler and blocks until ctx is done and any running job
// has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.runOnStart {
		s.job.run(ctx)
	}
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{slog.Any("err", err)}, keysAndValues...)...)
}
