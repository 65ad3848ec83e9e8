// Package scheduler contains the daemon's clock: a single loop that computes
// the earliest upcoming trigger across all registered jobs, sleeps until it
// (or until the registry changes), and hands due jobs to an execution pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flemzord/cronus/internal/job"
	"github.com/flemzord/cronus/internal/metrics"
	"github.com/flemzord/cronus/internal/registry"
)

// Dispatcher receives due jobs for execution. Dispatch must not block: the
// loop that calls it is also the one watching the clock.
type Dispatcher interface {
	Dispatch(j job.Job, firedAt time.Time)
}

// Config configures the scheduler loop.
type Config struct {
	Registry   *registry.Registry
	Dispatcher Dispatcher
	Location   *time.Location   // cron evaluation timezone, Local when nil
	Metrics    *metrics.Metrics // optional
	Logger     *slog.Logger
}

// Scheduler owns the trigger-planning loop. One instance drives the whole
// job set; per-job timers would multiply wakeups without buying precision.
type Scheduler struct {
	registry   *registry.Registry
	dispatcher Dispatcher
	loc        *time.Location
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// skips records, per job, the instant up to which triggers are consumed.
	// Owned by the run goroutine, never locked.
	skips map[string]time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a scheduler. Start begins planning; jobs may be added and
// removed at any time before or after.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Scheduler{
		registry:   cfg.Registry,
		dispatcher: cfg.Dispatcher,
		loc:        cfg.Location,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		skips:      make(map[string]time.Time),
		done:       make(chan struct{}),
	}
}

// Start launches the planning loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("scheduler: already started")
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)

	s.logger.Info("scheduler: started", "timezone", s.loc.String())
	return nil
}

// Stop halts the loop and waits for it to exit or for ctx to expire. Jobs
// already handed to the dispatcher are unaffected.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-s.done:
		s.logger.Info("scheduler: stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: loop did not stop: %w", ctx.Err())
	}
}

// run is the planning loop. Each cycle recomputes the earliest trigger from
// scratch; correctness never depends on incremental state beyond the skip
// horizon.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	for {
		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if deadline, ok := s.plan(); ok {
			timer = time.NewTimer(time.Until(deadline))
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.registry.Changed():
			if timer != nil {
				timer.Stop()
			}
			s.wakeup(metrics.WakeupChange)
		case <-fire:
			s.wakeup(metrics.WakeupDeadline)
			s.dispatchDue(ctx, time.Now().In(s.loc))
		}
	}
}

// plan returns the earliest upcoming trigger across all jobs, or ok=false
// when nothing is scheduled and the loop should sleep until a change.
func (s *Scheduler) plan() (time.Time, bool) {
	jobs := s.registry.List()
	s.prune(jobs)

	var (
		earliest time.Time
		found    bool
	)
	for _, j := range jobs {
		next, ok := j.Expr.Next(s.reference(j))
		if !ok {
			s.logger.Debug("scheduler: no future trigger",
				"job", j.ID,
				"cron", j.Spec,
			)
			continue
		}
		if !found || next.Before(earliest) {
			earliest, found = next, true
		}
	}
	return earliest, found
}

// dispatchDue fires every job whose next trigger is at or before now. A job
// still running when its trigger comes due has that trigger consumed: it is
// skipped outright, and the job's next execution is its first trigger after
// the consumption point, never a catch-up run.
func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) {
	for _, j := range s.registry.List() {
		next, ok := j.Expr.Next(s.reference(j))
		if !ok || next.After(now) {
			continue
		}

		if j.Running {
			s.skips[j.ID] = now
			s.overlapSkip(j, next)
			continue
		}

		snap, err := s.registry.BeginRun(ctx, j.ID, now)
		switch {
		case errors.Is(err, registry.ErrAlreadyRunning):
			s.skips[j.ID] = now
			s.overlapSkip(j, next)
		case errors.Is(err, registry.ErrNotFound):
			// Deleted between the snapshot and here. Nothing to do.
		case err != nil:
			s.logger.Error("scheduler: begin run",
				"job", j.ID,
				"error", err,
			)
		default:
			s.dispatcher.Dispatch(snap, now)
		}
	}
}

// reference is the instant a job's next trigger is computed from: its own
// bookkeeping reference, or the skip horizon when that is further ahead.
func (s *Scheduler) reference(j job.Job) time.Time {
	ref := j.Reference()
	if h, ok := s.skips[j.ID]; ok && h.After(ref) {
		ref = h
	}
	return ref.In(s.loc)
}

// prune drops skip horizons for jobs that no longer exist or whose own
// reference has caught up.
func (s *Scheduler) prune(jobs []job.Job) {
	if len(s.skips) == 0 {
		return
	}
	keep := make(map[string]time.Time, len(s.skips))
	for _, j := range jobs {
		if h, ok := s.skips[j.ID]; ok && h.After(j.Reference()) {
			keep[j.ID] = h
		}
	}
	s.skips = keep
}

func (s *Scheduler) overlapSkip(j job.Job, trigger time.Time) {
	s.logger.Warn("scheduler: job still running, skipping trigger",
		"job", j.ID,
		"command", j.Command,
		"trigger", trigger,
	)
	if s.metrics != nil {
		s.metrics.OverlapSkip()
	}
}

func (s *Scheduler) wakeup(cause string) {
	if s.metrics != nil {
		s.metrics.Wakeup(cause)
	}
}
