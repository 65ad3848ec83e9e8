package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flemzord/cronus/internal/events"
	"github.com/flemzord/cronus/internal/job"
	"github.com/flemzord/cronus/internal/metrics"
	"github.com/flemzord/cronus/internal/registry"
	"github.com/flemzord/cronus/pkg/protocol"
)

// resultBuffer decouples execution goroutines from the result processor.
const resultBuffer = 64

// PoolConfig configures the execution pool.
type PoolConfig struct {
	Registry *registry.Registry
	Runner   Runner
	Events   *events.Hub      // optional
	Metrics  *metrics.Metrics // optional
	Logger   *slog.Logger

	// MaxConcurrent bounds simultaneous executions across all jobs.
	MaxConcurrent int
}

// Pool executes dispatched jobs concurrently, bounded by a weighted
// semaphore, and feeds every outcome back to the registry through a single
// result-processing goroutine. It implements Dispatcher.
type Pool struct {
	registry *registry.Registry
	runner   Runner
	hub      *events.Hub
	metrics  *metrics.Metrics
	logger   *slog.Logger
	sem      *semaphore.Weighted
	max      int

	results  chan job.Result
	procDone chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
	acquire context.Context
	cancel  context.CancelFunc
}

var _ Dispatcher = (*Pool)(nil)

// NewPool creates an execution pool. Start must be called before Dispatch.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Pool{
		registry: cfg.Registry,
		runner:   cfg.Runner,
		hub:      cfg.Events,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		max:      cfg.MaxConcurrent,
		results:  make(chan job.Result, resultBuffer),
		procDone: make(chan struct{}),
	}
}

// Start launches the result processor.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("dispatcher: already started")
	}
	p.started = true
	p.acquire, p.cancel = context.WithCancel(context.Background())

	go p.processResults()
	p.logger.Info("dispatcher: started", "max_concurrent", p.max)
	return nil
}

// Dispatch hands a job snapshot to the pool for execution and returns
// immediately. The caller must have marked the job running via
// Registry.BeginRun; the pool guarantees a matching FinishRun, even when it
// is shutting down and the command never launches.
func (p *Pool) Dispatch(j job.Job, firedAt time.Time) {
	p.mu.Lock()
	if !p.started || p.closed {
		p.mu.Unlock()
		p.logger.Warn("dispatcher: rejecting dispatch, pool not accepting work",
			"job", j.ID,
			"command", j.Command,
		)
		p.complete(job.Result{JobID: j.ID, Outcome: notStarted(firedAt)})
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.execute(j, firedAt)
}

// execute runs one job inside a pool slot. It always delivers exactly one
// result, and the result is sent before wg.Done so Stop's wait implies the
// processor has nothing more to consume.
func (p *Pool) execute(j job.Job, firedAt time.Time) {
	defer p.wg.Done()

	if err := p.sem.Acquire(p.acquire, 1); err != nil {
		// Shutdown began while this execution was queued behind the
		// concurrency limit. It never started, so it reports as such.
		p.results <- job.Result{JobID: j.ID, Outcome: notStarted(firedAt)}
		return
	}
	defer p.sem.Release(1)

	p.publish(protocol.Event{
		Type:    protocol.EventJobStarted,
		JobID:   j.ID,
		Command: j.Command,
	})
	p.logger.Info("dispatcher: job started",
		"job", j.ID,
		"command", j.Command,
		"fired_at", firedAt,
	)

	// Executions are detached from shutdown: once a command is running it
	// keeps its slot until it exits or its own timeout kills it.
	outcome := p.runner.Run(context.Background(), j)
	p.results <- job.Result{JobID: j.ID, Outcome: outcome}
}

// processResults is the single consumer of execution outcomes.
func (p *Pool) processResults() {
	defer close(p.procDone)
	for res := range p.results {
		p.complete(res)
	}
}

// complete records one outcome: registry bookkeeping, event, metrics, log.
func (p *Pool) complete(res job.Result) {
	p.registry.FinishRun(context.Background(), res.JobID, res.Outcome)

	o := res.Outcome
	detail := string(o.Status)
	if o.Error != "" {
		detail += ": " + o.Error
	}
	p.publish(protocol.Event{
		Type:   protocol.EventJobFinished,
		JobID:  res.JobID,
		Detail: detail,
	})
	if p.metrics != nil {
		p.metrics.ObserveExecution(string(o.Status), o.Duration)
	}

	if o.Status == job.StatusSucceeded {
		p.logger.Info("dispatcher: job finished",
			"job", res.JobID,
			"duration", o.Duration,
		)
	} else {
		p.logger.Warn("dispatcher: job finished",
			"job", res.JobID,
			"status", o.Status,
			"exit_code", o.ExitCode,
			"error", o.Error,
			"duration", o.Duration,
		)
	}
}

// Stop refuses new dispatches, aborts executions still queued on the
// semaphore, and waits for running commands until ctx expires. On timeout the
// stragglers are abandoned; their results are still consumed so they cannot
// block, but the process is expected to exit shortly after.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started || p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("dispatcher: %d executions still running: %w",
			p.registry.RunningCount(), ctx.Err())
	}

	close(p.results)
	<-p.procDone
	p.logger.Info("dispatcher: stopped")
	return nil
}

func (p *Pool) publish(ev protocol.Event) {
	if p.hub != nil {
		p.hub.Publish(ev)
	}
}

// notStarted is the outcome recorded for a dispatch whose command never
// launched because the daemon was shutting down.
func notStarted(firedAt time.Time) job.Outcome {
	return job.Outcome{
		Status:    job.StatusFailed,
		ExitCode:  -1,
		Error:     "not started: daemon shutting down",
		StartedAt: firedAt,
	}
}
