// Package registry owns every job record. All mutation goes through it, and
// each add or remove is durably recorded before the caller sees success.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flemzord/cronus/internal/cronexpr"
	"github.com/flemzord/cronus/internal/events"
	"github.com/flemzord/cronus/internal/job"
	"github.com/flemzord/cronus/pkg/protocol"
)

// Sentinel errors for registry operations.
var (
	ErrNotFound        = errors.New("registry: job not found")
	ErrAlreadyRunning  = errors.New("registry: job already running")
	ErrEmptyCommand    = errors.New("registry: command must not be empty")
	ErrNegativeTimeout = errors.New("registry: timeout must not be negative")
)

// Store persists job records. Implementations must complete each mutation
// durably before returning; the registry acks callers only after the store
// does (write-then-ack).
type Store interface {
	Insert(ctx context.Context, j job.Job) error
	Delete(ctx context.Context, id string) error
	UpdateLastFire(ctx context.Context, id string, at time.Time) error
	UpdateOutcome(ctx context.Context, id string, o job.Outcome) error
	LoadAll(ctx context.Context) ([]job.Job, error)
}

// Definition is the client-supplied part of a job.
type Definition struct {
	Spec    string
	Command string
	Args    []string
	Timeout time.Duration
}

// Config holds registry dependencies.
type Config struct {
	Store  Store
	Events *events.Hub // optional
	Logger *slog.Logger
	Now    func() time.Time // injectable for testing
}

// Registry is the mutex-protected collection of all job records. A single
// lock guards the whole set; job counts here are small and control
// operations are rare compared to scheduling reads.
type Registry struct {
	logger *slog.Logger
	store  Store
	hub    *events.Hub
	now    func() time.Time

	mu    sync.RWMutex
	jobs  map[string]*job.Job
	order []string

	// change carries a coalesced wake signal to the scheduler loop.
	change chan struct{}
}

// New creates an empty registry around the given store.
func New(cfg Config) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		logger: cfg.Logger.With("component", "registry"),
		store:  cfg.Store,
		hub:    cfg.Events,
		now:    cfg.Now,
		jobs:   make(map[string]*job.Job),
		change: make(chan struct{}, 1),
	}
}

// Load replaces the in-memory job set with the store's contents. It is
// called once at startup, before the scheduler runs; any store or record
// error aborts the daemon rather than running a partial job set.
func (r *Registry) Load(ctx context.Context) error {
	jobs, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("registry: loading job set: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs = make(map[string]*job.Job, len(jobs))
	r.order = r.order[:0]
	for i := range jobs {
		j := jobs[i]
		j.Running = false
		r.jobs[j.ID] = &j
		r.order = append(r.order, j.ID)
	}

	r.logger.Info("job set loaded", "jobs", len(jobs))
	return nil
}

// Add validates the definition, assigns an id, persists the job, and only
// then makes it visible. A parse or validation failure mutates nothing.
func (r *Registry) Add(ctx context.Context, def Definition) (job.Job, error) {
	expr, err := cronexpr.Parse(def.Spec)
	if err != nil {
		return job.Job{}, err
	}
	if strings.TrimSpace(def.Command) == "" {
		return job.Job{}, ErrEmptyCommand
	}
	if def.Timeout < 0 {
		return job.Job{}, ErrNegativeTimeout
	}

	j := job.Job{
		ID:        uuid.NewString(),
		Spec:      expr.String(),
		Expr:      expr,
		Command:   def.Command,
		Args:      slices.Clone(def.Args),
		Timeout:   def.Timeout,
		CreatedAt: r.now(),
	}

	// The store write happens under the lock so the durable order and the
	// in-memory insertion order never diverge.
	r.mu.Lock()
	if err := r.store.Insert(ctx, j); err != nil {
		r.mu.Unlock()
		return job.Job{}, fmt.Errorf("registry: persisting job: %w", err)
	}
	r.jobs[j.ID] = &j
	r.order = append(r.order, j.ID)
	r.mu.Unlock()

	r.notify()
	r.publish(protocol.Event{Type: protocol.EventJobAdded, JobID: j.ID, Command: j.Command})
	r.logger.Info("job added", "job_id", j.ID, "spec", j.Spec, "command", j.Command)

	return j.Clone(), nil
}

// Remove deletes a job. Removing an unknown id reports found=false, not an
// error. A running execution is detached: it finishes on its own and its
// outcome is discarded when it arrives.
func (r *Registry) Remove(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	if err := r.store.Delete(ctx, id); err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("registry: deleting job: %w", err)
	}
	delete(r.jobs, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	wasRunning := j.Running
	r.mu.Unlock()

	r.notify()
	r.publish(protocol.Event{Type: protocol.EventJobRemoved, JobID: id, Command: j.Command})
	if wasRunning {
		r.logger.Info("job removed with execution in flight; outcome will be discarded", "job_id", id)
	} else {
		r.logger.Info("job removed", "job_id", id)
	}

	return true, nil
}

// Get returns a snapshot of one job.
func (r *Registry) Get(id string) (job.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return job.Job{}, ErrNotFound
	}
	return j.Clone(), nil
}

// List returns snapshots of all jobs in insertion order. The result is
// read-consistent: no entry is ever a partially applied add or remove.
func (r *Registry) List() []job.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]job.Job, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.jobs[id].Clone())
	}
	return out
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// RunningCount returns how many jobs have an execution in flight.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, j := range r.jobs {
		if j.Running {
			n++
		}
	}
	return n
}

// BeginRun marks a job running and stamps its last fire time, returning the
// snapshot to execute. ErrAlreadyRunning enforces the overlap policy: at
// most one execution per job, extra triggers are skipped rather than queued.
func (r *Registry) BeginRun(ctx context.Context, id string, at time.Time) (job.Job, error) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return job.Job{}, ErrNotFound
	}
	if j.Running {
		r.mu.Unlock()
		return job.Job{}, ErrAlreadyRunning
	}
	j.Running = true
	j.LastFire = at
	snap := j.Clone()
	r.mu.Unlock()

	// Bookkeeping write, best effort: a failed update must not stop the
	// trigger from firing.
	if err := r.store.UpdateLastFire(ctx, id, at); err != nil {
		r.logger.Warn("persisting last fire failed", "job_id", id, "error", err)
	}

	return snap, nil
}

// FinishRun records an execution outcome and clears the running flag. An
// outcome for an id that no longer exists belongs to a detached execution
// and is dropped.
func (r *Registry) FinishRun(ctx context.Context, id string, o job.Outcome) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("discarding outcome for removed job", "job_id", id)
		return
	}
	j.Running = false
	out := o
	j.LastOutcome = &out
	r.mu.Unlock()

	// Wake the scheduler so it replans with this job eligible again.
	r.notify()

	if err := r.store.UpdateOutcome(ctx, id, o); err != nil {
		r.logger.Warn("persisting outcome failed", "job_id", id, "error", err)
	}
}

// Changed returns the wake channel the scheduler selects on. Signals are
// coalesced: one pending notification covers any number of mutations.
func (r *Registry) Changed() <-chan struct{} {
	return r.change
}

func (r *Registry) notify() {
	select {
	case r.change <- struct{}{}:
	default:
	}
}

func (r *Registry) publish(ev protocol.Event) {
	if r.hub == nil {
		return
	}
	r.hub.Publish(ev)
}
