package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the router with all routes and middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.withRequest, s.accessLog, s.recoverPanics)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		notFound(w, r, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, ErrCodeBadRequest, "the status API is read-only")
	})

	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/exceptions/{pid}", s.handleException)

		r.Route("/runs", func(r chi.Router) {
			r.Use(s.requireRuns)
			r.Get("/", s.handleListRuns)
			r.Get("/{id}", s.handleGetRun)
		})
	})

	return r
}

// requireRuns answers 503 when run history is not configured.
func (s *Server) requireRuns(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Runs == nil {
			unavailable(w, r, "run history is disabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}
