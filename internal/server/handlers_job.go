package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/toolgate/internal/jobs"
)

// listJobs handles GET /job
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.jobs.List())
}

// getJob handles GET /job/{jobID}
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(chi.URLParam(r, "jobID"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "job not found")
		return
	}

	snap := job.Snapshot()
	if tail := r.URL.Query().Get("tail"); tail != "" {
		n, err := strconv.Atoi(tail)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "tail must be a non-negative integer")
			return
		}
		snap.Output = job.Output().Tail(n)
	}
	writeJSON(w, http.StatusOK, snap)
}

// killJob handles DELETE /job/{jobID}
func (s *Server) killJob(w http.ResponseWriter, r *http.Request) {
	writeJobResult(w, s.jobs.Kill(chi.URLParam(r, "jobID")))
}

// reapJob handles POST /job/{jobID}/reap
func (s *Server) reapJob(w http.ResponseWriter, r *http.Request) {
	writeJobResult(w, s.jobs.Reap(chi.URLParam(r, "jobID")))
}

// writeJobResult maps a registry result to a status: unknown jobs are 404,
// other failures 409.
func writeJobResult(w http.ResponseWriter, res jobs.Result) {
	switch {
	case res.Success:
		writeJSON(w, http.StatusOK, res)
	case res.Job == nil:
		writeErrorWithDetails(w, http.StatusNotFound, ErrCodeNotFound, res.Message, nil)
	default:
		writeErrorWithDetails(w, http.StatusConflict, ErrCodeConflict, res.Message,
			map[string]any{"job": res.Job})
	}
}
