package scheduler

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flemzord/cronus/internal/events"
	"github.com/flemzord/cronus/internal/job"
	"github.com/flemzord/cronus/internal/registry"
	"github.com/flemzord/cronus/pkg/protocol"
)

// stubRunner blocks executions on a gate and tracks peak concurrency.
type stubRunner struct {
	gate    chan struct{}
	outcome job.Outcome

	active  atomic.Int32
	peak    atomic.Int32
	runs    atomic.Int32
	release sync.Once
}

func newStubRunner(blocking bool) *stubRunner {
	r := &stubRunner{}
	if blocking {
		r.gate = make(chan struct{})
	}
	return r
}

func (r *stubRunner) Run(_ context.Context, _ job.Job) job.Outcome {
	n := r.active.Add(1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer r.active.Add(-1)
	r.runs.Add(1)

	if r.gate != nil {
		<-r.gate
	}
	o := r.outcome
	if o.Status == "" {
		o.Status = job.StatusSucceeded
	}
	o.StartedAt = time.Now()
	return o
}

func (r *stubRunner) Release() {
	if r.gate != nil {
		r.release.Do(func() { close(r.gate) })
	}
}

// poll spins until cond holds or the deadline passes.
func poll(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func startPool(t *testing.T, runner Runner, maxConcurrent int, hub *events.Hub) (*registry.Registry, *Pool) {
	t.Helper()

	reg := registry.New(registry.Config{Store: nullStore{}, Events: hub, Logger: testLogger()})
	pool := NewPool(PoolConfig{
		Registry:      reg,
		Runner:        runner,
		Events:        hub,
		Logger:        testLogger(),
		MaxConcurrent: maxConcurrent,
	})
	if err := pool.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return reg, pool
}

// beginRun adds a job and marks it running, as the scheduler would before a
// dispatch.
func beginRun(t *testing.T, reg *registry.Registry, command string) job.Job {
	t.Helper()
	added, err := reg.Add(context.Background(), registry.Definition{Spec: "* * * * *", Command: command})
	if err != nil {
		t.Fatalf("Add() = %v", err)
	}
	snap, err := reg.BeginRun(context.Background(), added.ID, time.Now())
	if err != nil {
		t.Fatalf("BeginRun() = %v", err)
	}
	return snap
}

func outcomeOf(t *testing.T, reg *registry.Registry, id string) *job.Outcome {
	t.Helper()
	j, err := reg.Get(id)
	if err != nil {
		t.Fatalf("Get(%s) = %v", id, err)
	}
	return j.LastOutcome
}

func TestPool_DeliversOutcome(t *testing.T) {
	t.Parallel()

	hub := events.NewHub(testLogger())
	defer hub.Close()
	sub, cancel := hub.Subscribe()
	defer cancel()

	reg, pool := startPool(t, newStubRunner(false), 4, hub)
	snap := beginRun(t, reg, "echo")
	pool.Dispatch(snap, snap.LastFire)

	if !poll(t, 3*time.Second, func() bool { return outcomeOf(t, reg, snap.ID) != nil }) {
		t.Fatal("outcome never recorded")
	}
	o := outcomeOf(t, reg, snap.ID)
	if o.Status != job.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", o.Status)
	}
	got, err := reg.Get(snap.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.Running {
		t.Error("job still marked running after completion")
	}

	// job_added, then the execution's start/finish pair.
	wantTypes := []string{protocol.EventJobAdded, protocol.EventJobStarted, protocol.EventJobFinished}
	for _, want := range wantTypes {
		select {
		case ev := <-sub:
			if ev.Type != want {
				t.Errorf("event type = %s, want %s", ev.Type, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s event", want)
		}
	}
}

func TestPool_ConcurrencyBounded(t *testing.T) {
	t.Parallel()

	runner := newStubRunner(true)
	t.Cleanup(runner.Release)

	reg, pool := startPool(t, runner, 2, nil)

	var snaps []job.Job
	for i := 0; i < 5; i++ {
		snaps = append(snaps, beginRun(t, reg, "slow"))
	}
	for _, s := range snaps {
		pool.Dispatch(s, s.LastFire)
	}

	if !poll(t, 3*time.Second, func() bool { return runner.active.Load() == 2 }) {
		t.Fatalf("active = %d, want the full limit of 2", runner.active.Load())
	}
	// Give the remaining dispatches a chance to (incorrectly) start.
	time.Sleep(150 * time.Millisecond)
	if p := runner.peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d, exceeds limit 2", p)
	}

	runner.Release()
	if !poll(t, 5*time.Second, func() bool {
		for _, s := range snaps {
			if outcomeOf(t, reg, s.ID) == nil {
				return false
			}
		}
		return true
	}) {
		t.Fatal("not all outcomes recorded after release")
	}
	if n := runner.runs.Load(); n != 5 {
		t.Errorf("runs = %d, want 5", n)
	}
}

func TestPool_StopWaitsForRunning(t *testing.T) {
	t.Parallel()

	runner := newStubRunner(true)
	t.Cleanup(runner.Release)

	reg, pool := startPool(t, runner, 4, nil)
	snap := beginRun(t, reg, "slow")
	pool.Dispatch(snap, snap.LastFire)

	if !poll(t, 2*time.Second, func() bool { return runner.active.Load() == 1 }) {
		t.Fatal("execution never started")
	}

	stopErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopErr <- pool.Stop(ctx)
	}()

	// Stop must block while the command runs.
	select {
	case err := <-stopErr:
		t.Fatalf("Stop() returned %v while an execution was running", err)
	case <-time.After(300 * time.Millisecond):
	}

	runner.Release()
	select {
	case err := <-stopErr:
		if err != nil {
			t.Fatalf("Stop() = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Stop() did not return after the execution finished")
	}

	if o := outcomeOf(t, reg, snap.ID); o == nil || o.Status != job.StatusSucceeded {
		t.Errorf("outcome after graceful stop = %+v", o)
	}
}

func TestPool_StopGraceExpiry(t *testing.T) {
	t.Parallel()

	runner := newStubRunner(true)
	reg, pool := startPool(t, runner, 4, nil)
	snap := beginRun(t, reg, "wedged")
	pool.Dispatch(snap, snap.LastFire)

	if !poll(t, 2*time.Second, func() bool { return runner.active.Load() == 1 }) {
		t.Fatal("execution never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := pool.Stop(ctx)
	if err == nil {
		t.Fatal("Stop() = nil with an execution still running")
	}
	if !strings.Contains(err.Error(), "still running") {
		t.Errorf("Stop() error = %v", err)
	}

	// The straggler finishes after the grace period; its result must still
	// be consumed and recorded.
	runner.Release()
	if !poll(t, 3*time.Second, func() bool { return outcomeOf(t, reg, snap.ID) != nil }) {
		t.Error("straggler outcome lost")
	}
}

func TestPool_ShutdownAbortsQueued(t *testing.T) {
	t.Parallel()

	runner := newStubRunner(true)
	reg, pool := startPool(t, runner, 1, nil)

	running := beginRun(t, reg, "slow")
	queued := beginRun(t, reg, "starved")
	pool.Dispatch(running, running.LastFire)
	if !poll(t, 2*time.Second, func() bool { return runner.active.Load() == 1 }) {
		t.Fatal("first execution never started")
	}
	pool.Dispatch(queued, queued.LastFire)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = pool.Stop(ctx) // expires: the first execution is still blocked

	// The queued dispatch never got a slot; it must resolve as not started
	// rather than hang or execute.
	if !poll(t, 2*time.Second, func() bool { return outcomeOf(t, reg, queued.ID) != nil }) {
		t.Fatal("queued dispatch never resolved")
	}
	o := outcomeOf(t, reg, queued.ID)
	if o.Status != job.StatusFailed || o.ExitCode != -1 {
		t.Errorf("queued outcome = %+v, want not-started failure", o)
	}
	if !strings.Contains(o.Error, "not started") {
		t.Errorf("queued outcome error = %q", o.Error)
	}

	runner.Release()
	if got := runner.runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1 (queued job must not execute)", got)
	}
}

func TestPool_DispatchAfterStop(t *testing.T) {
	t.Parallel()

	runner := newStubRunner(false)
	reg, pool := startPool(t, runner, 4, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}

	snap := beginRun(t, reg, "late")
	pool.Dispatch(snap, snap.LastFire)

	o := outcomeOf(t, reg, snap.ID)
	if o == nil {
		t.Fatal("late dispatch left no outcome")
	}
	if o.Status != job.StatusFailed || !strings.Contains(o.Error, "not started") {
		t.Errorf("late outcome = %+v", o)
	}
	if runner.runs.Load() != 0 {
		t.Error("runner executed after stop")
	}
}

func TestPool_StartTwice(t *testing.T) {
	t.Parallel()

	reg := registry.New(registry.Config{Store: nullStore{}, Logger: testLogger()})
	pool := NewPool(PoolConfig{Registry: reg, Runner: newStubRunner(false), Logger: testLogger(), MaxConcurrent: 1})

	if err := pool.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if err := pool.Start(); err == nil {
		t.Error("second Start() did not fail")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
}
