package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/LucPettett/what-do-i-become/internal/logfields"
	"github.com/LucPettett/what-do-i-become/internal/tick"
)

// Runner runs one tick.
type Runner interface {
	Run(ctx context.Context) (tick.Report, error)
}

// Scheduler runs ticks on a fixed cadence. Ticks never overlap within the
// process; the device lock still guards against other processes.
type Scheduler struct {
	scheduler gocron.Scheduler
	runner    Runner
	logger    *slog.Logger

	mu   sync.Mutex
	ctx  context.Context
	last *tick.Report
	runs int
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(runner Runner, logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{scheduler: s, runner: runner, logger: logger, ctx: context.Background()}, nil
}

// Every schedules the tick. With immediate set the first tick runs on start.
func (s *Scheduler) Every(interval time.Duration, immediate bool) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be >0")
	}
	opts := []gocron.JobOption{
		gocron.WithName("tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if immediate {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}
	if _, err := s.scheduler.NewJob(gocron.DurationJob(interval), gocron.NewTask(s.execute), opts...); err != nil {
		return fmt.Errorf("failed to create tick job: %w", err)
	}
	return nil
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.logger.Info("Starting scheduler")
	s.scheduler.Start()
	<-ctx.Done()
	s.logger.Info("Stopping scheduler")
	return s.scheduler.Shutdown()
}

// Last returns the report of the newest finished tick and how many ran.
func (s *Scheduler) Last() (*tick.Report, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.runs
}

func (s *Scheduler) execute() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	rep, err := s.runner.Run(ctx)
	attrs := []any{logfields.Device(rep.DeviceID), logfields.Cycle(rep.CycleID), logfields.Outcome(rep.Outcome)}
	if err != nil {
		// Failures are already durable incidents; the loop keeps going.
		s.logger.Warn("Scheduled tick failed", append(attrs, logfields.ExitCode(tick.ExitCode(err)), logfields.Error(err))...)
	} else {
		s.logger.Info("Scheduled tick finished", attrs...)
	}

	s.mu.Lock()
	s.last = &rep
	s.runs++
	s.mu.Unlock()
}
