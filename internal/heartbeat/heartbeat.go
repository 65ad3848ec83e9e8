// Package heartbeat posts periodic liveness pings to an external webhook.
// A dead-man's-switch monitor on the receiving end alerts when the daemon
// stops reporting.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Sentinel errors for pinger lifecycle operations.
var (
	ErrAlreadyStarted = errors.New("heartbeat: already started")
	ErrNotStarted     = errors.New("heartbeat: not started")
)

const requestTimeout = 10 * time.Second

// Payload is the JSON body posted on every ping. Status and Time are stamped
// by the pinger; the rest comes from the Snapshot callback.
type Payload struct {
	Status      string    `json:"status"`
	PID         int       `json:"pid"`
	Jobs        int       `json:"jobs"`
	RunningJobs int       `json:"running_jobs"`
	Uptime      string    `json:"uptime"`
	Time        time.Time `json:"time"`
}

// Config holds pinger configuration.
type Config struct {
	URL        string
	Interval   time.Duration  // default 1m
	Snapshot   func() Payload // reports current daemon state
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time // injectable for testing
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: requestTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Pinger posts liveness pings from a dedicated goroutine: one immediately on
// Start, then one per interval. Delivery failures are logged and otherwise
// ignored; the daemon never degrades because its monitor is down.
type Pinger struct {
	cfg Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Pinger with the given configuration.
func New(cfg Config) (*Pinger, error) {
	if cfg.URL == "" {
		return nil, errors.New("heartbeat: empty URL")
	}
	if cfg.Snapshot == nil {
		return nil, errors.New("heartbeat: nil Snapshot")
	}

	return &Pinger{cfg: cfg.withDefaults()}, nil
}

// Start begins the ping loop. Returns ErrAlreadyStarted if called twice.
func (p *Pinger) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
	return nil
}

// Stop cancels the loop, aborting any in-flight ping, and waits for the
// goroutine to exit. Returns ErrNotStarted if not running.
func (p *Pinger) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return ErrNotStarted
	}

	p.cancel()
	p.cancel = nil

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("heartbeat: stop: %w", ctx.Err())
	}
}

// run is the main ticker loop.
func (p *Pinger) run(ctx context.Context) {
	defer close(p.done)

	// First ping right away so monitors see the daemon as soon as it is up.
	p.ping(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ping(ctx)
		}
	}
}

// ping posts one liveness payload. All failure modes are warnings.
func (p *Pinger) ping(ctx context.Context) {
	body := p.cfg.Snapshot()
	body.Status = "alive"
	body.Time = p.cfg.Now().UTC()

	raw, err := json.Marshal(body)
	if err != nil {
		p.cfg.Logger.Warn("heartbeat: encode payload", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(raw))
	if err != nil {
		p.cfg.Logger.Warn("heartbeat: build request", "url", p.cfg.URL, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		p.cfg.Logger.Warn("heartbeat: ping failed", "url", p.cfg.URL, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		p.cfg.Logger.Warn("heartbeat: ping rejected", "url", p.cfg.URL, "status", resp.StatusCode)
		return
	}

	p.cfg.Logger.Debug("heartbeat: ping delivered", "url", p.cfg.URL)
}
