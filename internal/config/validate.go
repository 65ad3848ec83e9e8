package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks the structural validity of a Config. All problems are
// collected and returned as one joined error so a broken file is reported
// in a single pass.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Socket == "" {
		errs = append(errs, errors.New("config: socket path must not be empty"))
	}
	if cfg.DataDir == "" {
		errs = append(errs, errors.New("config: data_dir must not be empty"))
	}
	if _, err := cfg.Location(); err != nil {
		errs = append(errs, err)
	}

	if _, err := cfg.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log format %q (supported: text, json)", cfg.Log.Format))
	}

	if cfg.Scheduler.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("config: scheduler.max_concurrent must be at least 1, got %d", cfg.Scheduler.MaxConcurrent))
	}
	if d, err := parseDuration(cfg.Scheduler.GracePeriod); err != nil {
		errs = append(errs, fmt.Errorf("config: scheduler.grace_period: %w", err))
	} else if cfg.Scheduler.GracePeriod != "" && d <= 0 {
		errs = append(errs, errors.New("config: scheduler.grace_period must be positive"))
	}

	errs = append(errs, validateHeartbeat(cfg.Heartbeat)...)

	return errors.Join(errs...)
}

func validateHeartbeat(h HeartbeatConfig) []error {
	if !h.Enabled() {
		return nil
	}
	var errs []error

	u, err := url.Parse(h.URL)
	if err != nil {
		errs = append(errs, fmt.Errorf("config: heartbeat.url: %w", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("config: heartbeat.url must be http or https, got %q", h.URL))
	}

	if d, err := parseDuration(h.Interval); err != nil {
		errs = append(errs, fmt.Errorf("config: heartbeat.interval: %w", err))
	} else if h.Interval != "" && d <= 0 {
		errs = append(errs, errors.New("config: heartbeat.interval must be positive"))
	}

	return errs
}
