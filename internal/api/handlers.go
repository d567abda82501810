package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/benchrig/internal/experiment"
	"github.com/nerrad567/benchrig/internal/runlog"
)

// maxListLimit caps ?limit= on the runs listing.
const maxListLimit = 500

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.deps.Shared.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.deps.Version,
		"server_id":      stats.ServerID,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"run_history":    s.deps.Runs != nil,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Shared.Stats())
}

func (s *Server) handleException(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.Atoi(chi.URLParam(r, "pid"))
	if err != nil || pid <= 0 {
		badRequest(w, r, "pid must be a positive integer")
		return
	}
	env, ok := s.deps.Shared.Exception(pid)
	if !ok {
		notFound(w, r, "no exception stored for pid "+strconv.Itoa(pid))
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := runlog.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			badRequest(w, r, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
		limit = n
	}

	runs, err := s.deps.Runs.List(r.Context(), limit)
	if err != nil {
		s.loggerFrom(r).Error("listing runs", "error", err)
		internalError(w, r, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []experiment.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.deps.Runs.Get(r.Context(), id)
	if errors.Is(err, runlog.ErrNotFound) {
		notFound(w, r, "run not found")
		return
	}
	if err != nil {
		s.loggerFrom(r).Error("getting run", "run_id", id, "error", err)
		internalError(w, r, "failed to get run")
		return
	}

	checks, err := s.deps.Runs.Checks(r.Context(), id)
	if err != nil {
		s.loggerFrom(r).Error("listing safety checks", "run_id", id, "error", err)
		internalError(w, r, "failed to list safety checks")
		return
	}
	if checks == nil {
		checks = []runlog.Check{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "checks": checks})
}
