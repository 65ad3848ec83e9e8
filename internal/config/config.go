// Package config defines the daemon configuration, loads it from YAML with
// environment-variable expansion, and validates it before startup.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flemzord/cronus/pkg/protocol"
)

// Default values applied to unset fields.
const (
	DefaultSocket        = protocol.DefaultSocket
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultMaxConcurrent = 16
	DefaultGracePeriod   = 30 * time.Second
	defaultHeartbeatGap  = time.Minute
)

// Config is the root configuration for the cronus daemon.
type Config struct {
	// Socket is the unix domain socket path the control channel binds to.
	Socket string `yaml:"socket"`

	// DataDir holds the durable job store (jobs.db) and the daemon log.
	DataDir string `yaml:"data_dir"`

	// Timezone the scheduler evaluates cron expressions in.
	// "Local" (default), "UTC", or an IANA zone name.
	Timezone string `yaml:"timezone"`

	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
}

// LogConfig controls the slog handler built at startup.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// SchedulerConfig tunes dispatch concurrency and shutdown behavior.
// Durations are Go duration strings ("30s", "2m").
type SchedulerConfig struct {
	// MaxConcurrent bounds how many job executions may run at once.
	MaxConcurrent int `yaml:"max_concurrent"`

	// GracePeriod is how long shutdown waits for in-flight executions.
	GracePeriod string `yaml:"grace_period"`
}

// HeartbeatConfig configures the optional liveness webhook. An empty URL
// disables the heartbeat entirely.
type HeartbeatConfig struct {
	URL      string `yaml:"url"`
	Interval string `yaml:"interval"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values with defaults.
func (c *Config) applyDefaults() {
	if c.Socket == "" {
		c.Socket = DefaultSocket
	}
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
	if c.Scheduler.MaxConcurrent == 0 {
		c.Scheduler.MaxConcurrent = DefaultMaxConcurrent
	}
}

// DatabasePath returns the SQLite job store location under DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "jobs.db")
}

// LogPath returns where a detached daemon redirects its output.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "cronus.log")
}

// Location resolves the configured timezone. Call Validate first: after a
// successful validation this cannot fail.
func (c *Config) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	default:
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return nil, fmt.Errorf("config: unknown timezone %q: %w", c.Timezone, err)
		}
		return loc, nil
	}
}

// SlogLevel converts the configured level to a slog.Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", l.Level)
	}
	return level, nil
}

// Grace returns the parsed shutdown grace period, falling back to the
// default when unset or invalid (Validate reports the invalid case).
func (s SchedulerConfig) Grace() time.Duration {
	d, err := parseDuration(s.GracePeriod)
	if err != nil || d <= 0 {
		return DefaultGracePeriod
	}
	return d
}

// Enabled reports whether the heartbeat webhook is configured.
func (h HeartbeatConfig) Enabled() bool { return h.URL != "" }

// IntervalOrDefault returns the parsed heartbeat interval, one minute when
// unset.
func (h HeartbeatConfig) IntervalOrDefault() time.Duration {
	d, err := parseDuration(h.Interval)
	if err != nil || d <= 0 {
		return defaultHeartbeatGap
	}
	return d
}

// parseDuration parses a Go duration string, treating empty as zero.
func parseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return d, nil
}

// defaultDataDir resolves the XDG data directory for cronus.
func defaultDataDir() string {
	if dir, ok := os.LookupEnv("XDG_DATA_HOME"); ok {
		return filepath.Join(dir, "cronus")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "cronus")
	}
	return filepath.Join(home, ".local", "share", "cronus")
}
