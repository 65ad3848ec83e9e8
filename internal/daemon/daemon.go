// Package daemon assembles the cronus components and runs them as a single
// process: open the job store, load the registry, start the dispatcher,
// scheduler, control server and optional heartbeat, then block until a
// signal, a stop request, or context cancellation unwinds everything in
// reverse order.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"github.com/flemzord/cronus/internal/config"
	"github.com/flemzord/cronus/internal/control"
	"github.com/flemzord/cronus/internal/events"
	"github.com/flemzord/cronus/internal/heartbeat"
	"github.com/flemzord/cronus/internal/metrics"
	"github.com/flemzord/cronus/internal/registry"
	"github.com/flemzord/cronus/internal/scheduler"
	"github.com/flemzord/cronus/internal/store/sqlite"
	"github.com/flemzord/cronus/pkg/protocol"
)

// Starter is implemented by components that launch background work.
// Components are started in registration order.
type Starter interface {
	Start() error
}

// Stopper is implemented by components that release resources on shutdown.
// Called in reverse order of Start.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Component is background machinery with a full lifecycle.
type Component interface {
	Starter
	Stopper
}

type component struct {
	name string
	impl Component
}

// Daemon owns the shared state of a cronus process. A Daemon runs once;
// create a new one to restart.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	stopCh   chan struct{}
	stopOnce sync.Once
}

var _ control.StopRequester = (*Daemon)(nil)

// New creates a daemon around a validated configuration.
func New(cfg *config.Config, logger *slog.Logger, version string) *Daemon {
	return &Daemon{
		cfg:     cfg,
		logger:  logger,
		version: version,
		stopCh:  make(chan struct{}),
	}
}

// RequestStop asks a running daemon to shut down. Safe to call from any
// goroutine, any number of times; the control channel's stop handler uses it
// to acknowledge the request before the process unwinds.
func (d *Daemon) RequestStop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Run starts every component and blocks until shutdown completes. It returns
// nil after a clean shutdown, or the startup error when a component could not
// come up (already-started components are stopped before returning).
func (d *Daemon) Run(ctx context.Context) error {
	startedAt := time.Now()

	loc, err := d.cfg.Location()
	if err != nil {
		return err
	}

	store, err := sqlite.Open(ctx, d.cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			d.logger.Error("daemon: close store", "error", err)
		}
	}()

	hub := events.NewHub(d.logger)
	defer hub.Close()

	reg := registry.New(registry.Config{
		Store:  store,
		Events: hub,
		Logger: d.logger,
	})
	// A store we cannot fully read is fatal: running a partial job set would
	// silently drop schedules.
	if err := reg.Load(ctx); err != nil {
		return err
	}

	met := metrics.New(reg.Len)

	pool := scheduler.NewPool(scheduler.PoolConfig{
		Registry:      reg,
		Runner:        scheduler.NewExecRunner(d.logger),
		Events:        hub,
		Metrics:       met,
		Logger:        d.logger,
		MaxConcurrent: d.cfg.Scheduler.MaxConcurrent,
	})

	sched := scheduler.New(scheduler.Config{
		Registry:   reg,
		Dispatcher: pool,
		Location:   loc,
		Metrics:    met,
		Logger:     d.logger,
	})

	srv := control.NewServer(control.ServerConfig{
		Socket:   d.cfg.Socket,
		Registry: reg,
		Events:   hub,
		Metrics:  met,
		Stop:     d,
		Location: loc,
		Version:  d.version,
		Logger:   d.logger,
	})

	components := []component{
		{name: "dispatcher", impl: pool},
		{name: "scheduler", impl: sched},
		{name: "control", impl: srv},
	}

	if d.cfg.Heartbeat.Enabled() {
		pinger, err := heartbeat.New(heartbeat.Config{
			URL:      d.cfg.Heartbeat.URL,
			Interval: d.cfg.Heartbeat.IntervalOrDefault(),
			Logger:   d.logger,
			Snapshot: func() heartbeat.Payload {
				return heartbeat.Payload{
					PID:         os.Getpid(),
					Jobs:        reg.Len(),
					RunningJobs: reg.RunningCount(),
					Uptime:      time.Since(startedAt).Truncate(time.Second).String(),
				}
			},
		})
		if err != nil {
			return err
		}
		components = append(components, component{name: "heartbeat", impl: pinger})
	}

	if err := d.startAll(components); err != nil {
		return err
	}

	notify(d.logger, sd.SdNotifyReady)
	d.logger.Info("daemon: ready",
		"version", d.version,
		"pid", os.Getpid(),
		"socket", d.cfg.Socket,
		"jobs", reg.Len(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Info("daemon: shutdown signal received", "signal", sig.String())
	case <-d.stopCh:
		d.logger.Info("daemon: stop requested over control channel")
	case <-ctx.Done():
		d.logger.Info("daemon: context canceled")
	}

	notify(d.logger, sd.SdNotifyStopping)
	hub.Publish(protocol.Event{Type: protocol.EventShutdown})
	d.stopAll(components)
	d.logger.Info("daemon: shutdown complete")
	return nil
}

// startAll starts components in order. On failure the already-started prefix
// is stopped in reverse before the error is returned.
func (d *Daemon) startAll(components []component) error {
	for i, c := range components {
		d.logger.Info("daemon: starting component", "component", c.name)
		if err := c.impl.Start(); err != nil {
			d.stopAll(components[:i])
			return fmt.Errorf("daemon: start %s: %w", c.name, err)
		}
	}
	return nil
}

// stopAll stops components in reverse order, all bounded by one grace
// period. Stop errors are logged, not propagated: shutdown always finishes.
func (d *Daemon) stopAll(components []component) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Scheduler.Grace())
	defer cancel()

	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		d.logger.Info("daemon: stopping component", "component", c.name)
		if err := c.impl.Stop(ctx); err != nil {
			d.logger.Error("daemon: stop component", "component", c.name, "error", err)
		}
	}
}

// notify reports daemon state to systemd when running under it. Anywhere
// else the call is a no-op.
func notify(logger *slog.Logger, state string) {
	if _, err := sd.SdNotify(false, state); err != nil {
		logger.Warn("daemon: sd_notify", "state", state, "error", err)
	}
}
