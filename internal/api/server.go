// Package api exposes the HTTP interface for starting and inspecting runs.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bizharvest/bizharvest/internal/engine"
	"github.com/bizharvest/bizharvest/internal/run"
)

// Server wires HTTP handlers to the run coordinator and store.
type Server struct {
	router      chi.Router
	coordinator *run.Coordinator
	store       engine.RunStore
	log         *zap.Logger

	defaultMaxResults int
}

// NewServer constructs a Server with middleware and routes.
func NewServer(coordinator *run.Coordinator, store engine.RunStore, defaultMaxResults int, log *zap.Logger) *Server {
	if defaultMaxResults < 1 {
		defaultMaxResults = 20
	}
	s := &Server{
		coordinator:       coordinator,
		store:             store,
		log:               log,
		defaultMaxResults: defaultMaxResults,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/directory", s.startRun(engine.SourceDirectory))
			r.Post("/web-search", s.startRun(engine.SourceWebSearch))
			r.Post("/registry", s.startRun(engine.SourceRegistry))
			r.Get("/", s.listRuns)
			r.Get("/{run_id}", s.getRun)
		})
		r.Get("/businesses", s.searchBusinesses)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runRequestBody struct {
	Keyword    string `json:"keyword"`
	Location   string `json:"location"`
	Date       string `json:"date"`
	MaxResults *int   `json:"max_results"`
	MaxPages   int    `json:"max_pages"`
}

// startRun accepts a run request for one source, registers the run, and
// executes it in the background. The response carries the run ID for
// polling.
func (s *Server) startRun(source engine.Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body runRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		req := engine.RunRequest{
			Source:     source,
			Keyword:    body.Keyword,
			Location:   body.Location,
			MaxResults: s.defaultMaxResults,
			MaxPages:   body.MaxPages,
		}
		if body.MaxResults != nil {
			req.MaxResults = *body.MaxResults
		}
		if body.Date != "" {
			date, err := time.Parse("2006-01-02", body.Date)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, "date must be yyyy-mm-dd")
				return
			}
			req.Date = date
		}

		runID, err := s.coordinator.Prepare(r.Context(), req)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		go s.coordinator.Execute(context.WithoutCancel(r.Context()), runID, req)

		s.writeJSON(w, http.StatusAccepted, map[string]string{
			"run_id": runID,
			"status": string(engine.RunStatusRunning),
		})
	}
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	record, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) searchBusinesses(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("q")
	businesses, err := s.store.SearchBusinesses(r.Context(), keyword)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to search businesses")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"businesses": businesses})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.log.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
