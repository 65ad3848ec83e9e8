package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/flemzord/cronus/internal/job"
)

// Runner executes one job command to completion and classifies the result.
// Run never returns an error: every failure mode is an Outcome, because a
// broken command is the job's problem, not the daemon's.
type Runner interface {
	Run(ctx context.Context, j job.Job) job.Outcome
}

// waitDelay bounds how long we wait for a command's pipes to close after the
// process exits, so a job that forks a long-lived child cannot wedge the
// dispatcher slot it ran in.
const waitDelay = 10 * time.Second

// ExecRunner runs job commands as child processes. The command is executed
// directly, not through a shell.
type ExecRunner struct {
	logger *slog.Logger
}

var _ Runner = (*ExecRunner)(nil)

// NewExecRunner creates a runner that logs through the given logger.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger}
}

// Run launches the job's command, waits for it, and records what happened.
// A job timeout kills the process and yields a timeout outcome; ctx
// cancellation does the same but classifies as a plain failure.
func (r *ExecRunner) Run(ctx context.Context, j job.Job) job.Outcome {
	started := time.Now()

	runCtx := ctx
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, j.Command, j.Args...)
	cmd.WaitDelay = waitDelay

	out, err := cmd.CombinedOutput()
	o := job.Outcome{
		Status:    job.StatusSucceeded,
		StartedAt: started,
		Duration:  time.Since(started),
	}

	switch {
	case err == nil:
	case j.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		o.Status = job.StatusTimeout
		o.ExitCode = exitCode(err)
		o.Error = fmt.Sprintf("killed after %s timeout", j.Timeout)
	default:
		o.Status = job.StatusFailed
		o.ExitCode = exitCode(err)
		o.Error = err.Error()
	}

	if len(out) > 0 {
		r.logger.Debug("runner: command output",
			"job", j.ID,
			"command", j.Command,
			"bytes", len(out),
			"output", string(out),
		)
	}
	return o
}

// exitCode extracts the process exit status from a Run error. Commands that
// never launched, or that died to a signal, report -1.
func exitCode(err error) int {
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exit.ExitCode()
	}
	return -1
}
