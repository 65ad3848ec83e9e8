// Package protocol defines the JSON wire types for the cronus control
// channel. The daemon serves them over a unix domain socket; the bundled
// client and any external Go tooling share these definitions.
package protocol

import "time"

// Default control socket path, overridable via configuration.
const DefaultSocket = "/tmp/cronus.sock"

// Event types emitted on the /v1/events stream.
const (
	EventJobAdded    = "job_added"
	EventJobRemoved  = "job_removed"
	EventJobStarted  = "job_started"
	EventJobFinished = "job_finished"
	EventShutdown    = "shutdown"
)

// AddRequest registers a new job. Timeout is an optional Go duration string
// ("90s", "5m"); empty means the execution is never killed.
type AddRequest struct {
	Cron    string   `json:"cron"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

// AddResponse is the reply to POST /v1/jobs.
type AddResponse struct {
	OK    bool   `json:"ok"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// DeleteResponse is the reply to DELETE /v1/jobs/{id}. Deleting an unknown
// id is not an error; Found reports whether anything was removed.
type DeleteResponse struct {
	OK    bool `json:"ok"`
	Found bool `json:"found"`
}

// Outcome describes the recorded result of a job's most recent execution.
type Outcome struct {
	Status    string    `json:"status"` // succeeded | failed | timeout
	ExitCode  int       `json:"exit_code"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

// JobInfo is one entry in a LIST reply.
type JobInfo struct {
	ID          string     `json:"id"`
	Cron        string     `json:"cron"`
	Command     string     `json:"command"`
	Args        []string   `json:"args,omitempty"`
	Timeout     string     `json:"timeout,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastFire    *time.Time `json:"last_fire,omitempty"`
	NextFire    *time.Time `json:"next_fire,omitempty"`
	LastOutcome *Outcome   `json:"last_outcome,omitempty"`
	Running     bool       `json:"running"`
}

// ListResponse is the reply to GET /v1/jobs. Jobs appear in insertion order.
type ListResponse struct {
	OK   bool      `json:"ok"`
	Jobs []JobInfo `json:"jobs"`
}

// StopResponse is the reply to POST /v1/stop. It is written once the daemon
// has committed to shutting down, not after shutdown completes.
type StopResponse struct {
	OK bool `json:"ok"`
}

// StatusResponse is the reply to GET /v1/status and doubles as the liveness
// probe used by `cronus start`.
type StatusResponse struct {
	OK          bool      `json:"ok"`
	PID         int       `json:"pid"`
	Version     string    `json:"version"`
	StartedAt   time.Time `json:"started_at"`
	Uptime      string    `json:"uptime"`
	Jobs        int       `json:"jobs"`
	RunningJobs int       `json:"running_jobs"`
}

// ErrorResponse is the generic failure reply for any endpoint.
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// Event is one message on the /v1/events websocket stream.
type Event struct {
	Type    string    `json:"type"`
	JobID   string    `json:"job_id,omitempty"`
	Command string    `json:"command,omitempty"`
	Time    time.Time `json:"time"`
	Detail  string    `json:"detail,omitempty"`
}
