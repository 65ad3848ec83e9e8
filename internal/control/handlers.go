package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flemzord/cronus/internal/cronexpr"
	"github.com/flemzord/cronus/internal/job"
	"github.com/flemzord/cronus/internal/registry"
	"github.com/flemzord/cronus/pkg/protocol"
)

// handleAdd registers a new job: POST /v1/jobs.
func (s *Server) handleAdd() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.count("add")

		var req protocol.AddRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}

		def := registry.Definition{
			Spec:    req.Cron,
			Command: req.Command,
			Args:    req.Args,
		}
		if req.Timeout != "" {
			d, err := time.ParseDuration(req.Timeout)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout: %v", err))
				return
			}
			def.Timeout = d
		}

		added, err := s.registry.Add(r.Context(), def)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}

		s.logger.Info("control: job added",
			"job", added.ID,
			"cron", added.Spec,
			"command", added.Command,
		)
		writeJSON(w, http.StatusOK, protocol.AddResponse{OK: true, ID: added.ID})
	}
}

// handleDelete removes a job: DELETE /v1/jobs/{id}. Unknown ids are not
// errors; the reply carries found=false.
func (s *Server) handleDelete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.count("delete")

		id := chi.URLParam(r, "id")
		found, err := s.registry.Remove(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if found {
			s.logger.Info("control: job deleted", "job", id)
		}
		writeJSON(w, http.StatusOK, protocol.DeleteResponse{OK: true, Found: found})
	}
}

// handleList returns all jobs in insertion order: GET /v1/jobs.
func (s *Server) handleList() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.count("list")

		jobs := s.registry.List()
		infos := make([]protocol.JobInfo, 0, len(jobs))
		for _, j := range jobs {
			infos = append(infos, s.jobInfo(j))
		}
		writeJSON(w, http.StatusOK, protocol.ListResponse{OK: true, Jobs: infos})
	}
}

// handleStatus reports daemon liveness and counters: GET /v1/status.
func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.count("status")

		writeJSON(w, http.StatusOK, protocol.StatusResponse{
			OK:          true,
			PID:         os.Getpid(),
			Version:     s.version,
			StartedAt:   s.startedAt,
			Uptime:      time.Since(s.startedAt).Truncate(time.Second).String(),
			Jobs:        s.registry.Len(),
			RunningJobs: s.registry.RunningCount(),
		})
	}
}

// handleStop begins daemon shutdown: POST /v1/stop. The reply is written
// after shutdown is committed, not after it completes; the server keeps
// draining requests through its grace period.
func (s *Server) handleStop() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.count("stop")

		s.logger.Info("control: stop requested")
		s.stop.RequestStop()
		writeJSON(w, http.StatusOK, protocol.StopResponse{OK: true})
	}
}

// jobInfo converts a registry snapshot into its wire form.
func (s *Server) jobInfo(j job.Job) protocol.JobInfo {
	info := protocol.JobInfo{
		ID:        j.ID,
		Cron:      j.Spec,
		Command:   j.Command,
		Args:      j.Args,
		CreatedAt: j.CreatedAt,
		Running:   j.Running,
	}
	if j.Timeout > 0 {
		info.Timeout = j.Timeout.String()
	}
	if !j.LastFire.IsZero() {
		t := j.LastFire
		info.LastFire = &t
	}
	if next, ok := j.Expr.Next(j.Reference().In(s.loc)); ok {
		info.NextFire = &next
	}
	if o := j.LastOutcome; o != nil {
		info.LastOutcome = &protocol.Outcome{
			Status:    string(o.Status),
			ExitCode:  o.ExitCode,
			Error:     o.Error,
			StartedAt: o.StartedAt,
			Duration:  o.Duration.String(),
		}
	}
	return info
}

// statusFor maps registry errors to HTTP status codes: definition problems
// are the client's fault, persistence problems are ours.
func statusFor(err error) int {
	var pe *cronexpr.ParseError
	switch {
	case errors.As(err, &pe),
		errors.Is(err, registry.ErrEmptyCommand),
		errors.Is(err, registry.ErrNegativeTimeout):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) count(op string) {
	if s.metrics != nil {
		s.metrics.ControlRequest(op)
	}
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, protocol.ErrorResponse{OK: false, Error: msg})
}
