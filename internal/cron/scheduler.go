// Package cron runs the controller's periodic maintenance sweeps: learning
// store flushes and pool floor checks. Jobs are registered with standard
// 5-field cron expressions and fired from a single ticker loop.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one registered maintenance sweep.
type job struct {
	name     string
	schedule cronlib.Schedule
	run      func(context.Context) error
	nextRun  time.Time
}

// Config holds the scheduler's dependencies.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 30 seconds if zero
}

// Scheduler fires due jobs on each tick.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:   logger,
		interval: interval,
	}
}

// AddJob registers a sweep under a cron expression. Returns an error when
// the expression does not parse.
func (s *Scheduler) AddJob(name, expr string, run func(context.Context) error) error {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:     name,
		schedule: schedule,
		run:      run,
		nextRun:  schedule.Next(time.Now()),
	})
	return nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every job whose next run time has passed and reschedules it.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !now.Before(j.nextRun) {
			due = append(due, j)
			j.nextRun = j.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if err := j.run(ctx); err != nil {
			s.logger.Error("maintenance sweep failed", "job", j.name, "error", err)
			continue
		}
		s.logger.Debug("maintenance sweep finished", "job", j.name)
	}
}

// NextRunTime parses the cron expression and returns the next run time
// after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
