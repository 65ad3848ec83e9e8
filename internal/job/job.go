// Package job defines the scheduled-job model shared by the registry,
// scheduler, and control channel.
package job

import (
	"slices"
	"time"

	"github.com/flemzord/cronus/internal/cronexpr"
)

// Status classifies a recorded execution outcome.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Outcome is the recorded result of one execution. Outcomes are bookkeeping,
// never errors: a failed command updates the job record and nothing else.
type Outcome struct {
	Status    Status
	ExitCode  int // -1 when the process never launched
	Error     string
	StartedAt time.Time
	Duration  time.Duration
}

// Job is a scheduled command plus its bookkeeping state. The registry owns
// every live Job record; all values handed out elsewhere are snapshots.
type Job struct {
	ID      string
	Spec    string
	Expr    *cronexpr.Expression
	Command string
	Args    []string

	// Timeout bounds one execution; zero means the command may run forever.
	Timeout time.Duration

	CreatedAt   time.Time
	LastFire    time.Time // zero until the first dispatch
	LastOutcome *Outcome  // nil until the first execution finishes
	Running     bool
}

// Reference returns the instant the next trigger is computed from: the last
// fire when the job has fired, otherwise the creation time.
func (j Job) Reference() time.Time {
	if !j.LastFire.IsZero() {
		return j.LastFire
	}
	return j.CreatedAt
}

// Clone returns a snapshot safe to hand outside the registry lock. The
// parsed expression is immutable and stays shared.
func (j Job) Clone() Job {
	c := j
	c.Args = slices.Clone(j.Args)
	if j.LastOutcome != nil {
		o := *j.LastOutcome
		c.LastOutcome = &o
	}
	return c
}

// Result couples an execution outcome with the job it belongs to. The
// dispatcher delivers Results back to the registry asynchronously.
type Result struct {
	JobID   string
	Outcome Outcome
}
