/*
Package scheduler runs named background jobs on fixed intervals.

PURPOSE:
  Timeline maintenance (regenerate every client) and duplicate checks run
  periodically and on demand. Jobs are registered explicitly at startup so
  the set of background work is visible in one place and inspectable at
  runtime.

DESIGN:
  - One goroutine per job, driven by a time.Ticker
  - A job never overlaps itself: a tick or RunNow that arrives while the job
    is running is skipped (RunNow reports ErrJobRunning)
  - Stop cancels the jobs' context and waits for running jobs to return
  - Per-job state (last run, next run, run count, last error) is kept for
    the admin API

CONFIGURATION:
  - Enabled: Whether Start launches the timers (default: true). RunNow works
    either way.
  - Job.RunOnStart: Run once immediately when the scheduler starts

USAGE:
  s := scheduler.New()
  s.Register(scheduler.Job{Name: "maintenance", Interval: 24 * time.Hour, Run: m.Run})
  s.Start(ctx)
  defer s.Stop()

SEE ALSO:
  - timeline/maintenance.go: The jobs registered by cmd/server
  - api/handlers.go: ListJobs and RunJob endpoints
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrUnknownJob is returned for a job name that was never registered.
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobRunning is returned by RunNow when the job is already running.
	ErrJobRunning = errors.New("job already running")

	// ErrInvalidJob is returned by Register for incomplete or duplicate jobs.
	ErrInvalidJob = errors.New("invalid job")
)

// Job is a unit of recurring background work.
type Job struct {
	Name       string
	Interval   time.Duration
	Run        func(ctx context.Context) error
	RunOnStart bool
}

// JobState is a snapshot of a job's bookkeeping.
type JobState struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Running      bool          `json:"running"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int           `json:"run_count"`
	LastError    string        `json:"last_error,omitempty"`
}

type entry struct {
	job   Job
	state JobState
}

// Scheduler owns a set of jobs.
type Scheduler struct {
	Enabled bool
	Logger  *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*entry
	order   []string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	now     func() time.Time
}

// New creates an enabled scheduler with no jobs.
func New() *Scheduler {
	return &Scheduler{
		Enabled: true,
		jobs:    make(map[string]*entry),
		now:     time.Now,
	}
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(job Job) error {
	switch {
	case job.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	case job.Interval <= 0:
		return fmt.Errorf("%w: %s: interval must be positive", ErrInvalidJob, job.Name)
	case job.Run == nil:
		return fmt.Errorf("%w: %s: run function is required", ErrInvalidJob, job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("%w: %s: scheduler already started", ErrInvalidJob, job.Name)
	}
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("%w: %s: already registered", ErrInvalidJob, job.Name)
	}
	s.jobs[job.Name] = &entry{job: job, state: JobState{Name: job.Name, Interval: job.Interval}}
	s.order = append(s.order, job.Name)
	return nil
}

// Start launches a timer per job. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger().Info("scheduler disabled, not starting", "component", "scheduler")
		return
	}
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	now := s.now()
	for _, name := range s.order {
		e := s.jobs[name]
		if e.job.RunOnStart {
			e.state.NextRun = now
		} else {
			e.state.NextRun = now.Add(e.job.Interval)
		}
		s.wg.Add(1)
		go s.loop(ctx, e)
	}

	s.logger().Info("scheduler started", "component", "scheduler", "jobs", len(s.order))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger().Info("scheduler stopped", "component", "scheduler")
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	if e.job.RunOnStart {
		s.tick(ctx, e)
	}

	ticker := time.NewTicker(e.job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx, e)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, e *entry) {
	if err := s.execute(ctx, e); errors.Is(err, ErrJobRunning) {
		jobRuns.WithLabelValues(e.job.Name, "skipped").Inc()
		s.logger().Debug("skipping overlapping run", "component", "scheduler", "job", e.job.Name)
	}
}

// RunNow runs a job synchronously in the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, e)
}

// execute runs the job unless it is already running and records the outcome.
func (s *Scheduler) execute(ctx context.Context, e *entry) error {
	s.mu.Lock()
	if e.state.Running {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobRunning, e.job.Name)
	}
	e.state.Running = true
	s.mu.Unlock()

	started := s.now()
	s.logger().Info("job started", "component", "scheduler", "job", e.job.Name)
	err := e.job.Run(ctx)
	elapsed := s.now().Sub(started)

	s.mu.Lock()
	e.state.Running = false
	e.state.LastRun = started
	e.state.LastDuration = elapsed
	e.state.NextRun = started.Add(e.job.Interval)
	e.state.RunCount++
	e.state.LastError = ""
	if err != nil {
		e.state.LastError = err.Error()
	}
	s.mu.Unlock()

	jobDuration.WithLabelValues(e.job.Name).Observe(elapsed.Seconds())
	if err != nil {
		jobRuns.WithLabelValues(e.job.Name, "error").Inc()
		s.logger().Error("job failed", "component", "scheduler", "job", e.job.Name, "duration", elapsed, "error", err)
		return err
	}
	jobRuns.WithLabelValues(e.job.Name, "success").Inc()
	s.logger().Info("job completed", "component", "scheduler", "job", e.job.Name, "duration", elapsed)
	return nil
}

// States returns every job's state in registration order.
func (s *Scheduler) States() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]JobState, 0, len(s.order))
	for _, name := range s.order {
		states = append(states, s.jobs[name].state)
	}
	return states
}
