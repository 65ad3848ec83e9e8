package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flemzord/cronus/internal/cronexpr"
	"github.com/flemzord/cronus/internal/job"
	"github.com/flemzord/cronus/internal/registry"
)

var _ registry.Store = (*Store)(nil)

// Insert durably records a new job. The write has completed (or failed)
// by the time this returns; callers ack only on success.
func (s *Store) Insert(ctx context.Context, j job.Job) error {
	args, err := json.Marshal(j.Args)
	if err != nil {
		return fmt.Errorf("sqlite: marshal args: %w", err)
	}

	outcome := outcomeColumns(j.LastOutcome)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, spec, command, args, timeout_ns, created_at, last_fire,
		                  outcome_status, outcome_exit, outcome_error, outcome_started, outcome_duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Spec, j.Command, string(args), int64(j.Timeout),
		formatTime(j.CreatedAt), formatTime(j.LastFire),
		outcome.status, outcome.exit, outcome.errMsg, outcome.started, outcome.durationNS,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert job %s: %w", j.ID, err)
	}
	return nil
}

// Delete removes a job record. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id); err != nil {
		return fmt.Errorf("sqlite: delete job %s: %w", id, err)
	}
	return nil
}

// UpdateLastFire records the job's most recent dispatch time.
func (s *Store) UpdateLastFire(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE jobs SET last_fire = ? WHERE id = ?", formatTime(at), id); err != nil {
		return fmt.Errorf("sqlite: update last fire for %s: %w", id, err)
	}
	return nil
}

// UpdateOutcome records the job's most recent execution result.
func (s *Store) UpdateOutcome(ctx context.Context, id string, o job.Outcome) error {
	cols := outcomeColumns(&o)
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET outcome_status = ?, outcome_exit = ?, outcome_error = ?, outcome_started = ?, outcome_duration_ns = ?
		WHERE id = ?`,
		cols.status, cols.exit, cols.errMsg, cols.started, cols.durationNS, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update outcome for %s: %w", id, err)
	}
	return nil
}

// LoadAll reads every job record in insertion order, re-parsing each cron
// expression. Any unreadable record fails the whole load: the daemon must
// not start with a partial job set.
func (s *Store) LoadAll(ctx context.Context) ([]job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, spec, command, args, timeout_ns, created_at, last_fire,
		       outcome_status, outcome_exit, outcome_error, outcome_started, outcome_duration_ns
		FROM jobs
		ORDER BY rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: load jobs rows: %w", err)
	}

	return jobs, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (job.Job, error) {
	var (
		j          job.Job
		argsJSON   string
		timeoutNS  int64
		createdAt  string
		lastFire   string
		status     string
		exit       int
		errMsg     string
		started    string
		durationNS int64
	)

	if err := s.Scan(&j.ID, &j.Spec, &j.Command, &argsJSON, &timeoutNS, &createdAt, &lastFire,
		&status, &exit, &errMsg, &started, &durationNS); err != nil {
		return j, fmt.Errorf("sqlite: scan job: %w", err)
	}

	expr, err := cronexpr.Parse(j.Spec)
	if err != nil {
		return j, fmt.Errorf("sqlite: job %s: corrupt record: %w", j.ID, err)
	}
	j.Expr = expr
	j.Timeout = time.Duration(timeoutNS)

	if err := json.Unmarshal([]byte(argsJSON), &j.Args); err != nil {
		return j, fmt.Errorf("sqlite: job %s: corrupt record: unmarshal args: %w", j.ID, err)
	}

	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return j, fmt.Errorf("sqlite: job %s: corrupt record: created_at: %w", j.ID, err)
	}
	if j.LastFire, err = parseTime(lastFire); err != nil {
		return j, fmt.Errorf("sqlite: job %s: corrupt record: last_fire: %w", j.ID, err)
	}

	if status != "" {
		startedAt, err := parseTime(started)
		if err != nil {
			return j, fmt.Errorf("sqlite: job %s: corrupt record: outcome_started: %w", j.ID, err)
		}
		j.LastOutcome = &job.Outcome{
			Status:    job.Status(status),
			ExitCode:  exit,
			Error:     errMsg,
			StartedAt: startedAt,
			Duration:  time.Duration(durationNS),
		}
	}

	return j, nil
}

// outcomeCols flattens an optional outcome into its column values. A nil
// outcome maps to the schema defaults (empty status).
type outcomeCols struct {
	status     string
	exit       int
	errMsg     string
	started    string
	durationNS int64
}

func outcomeColumns(o *job.Outcome) outcomeCols {
	if o == nil {
		return outcomeCols{}
	}
	return outcomeCols{
		status:     string(o.Status),
		exit:       o.ExitCode,
		errMsg:     o.Error,
		started:    formatTime(o.StartedAt),
		durationNS: int64(o.Duration),
	}
}

// formatTime stores times as RFC 3339 with nanoseconds; the zero time is
// stored as the empty string.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
