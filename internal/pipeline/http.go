package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Runner is a triggerable background task. Satisfied by Pipeline and
// Refresher.
type Runner interface {
	Run(ctx context.Context)
}

// Pinger checks database liveness. Satisfied by registry.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the task triggers and operational endpoints. Trigger
// endpoints always answer 200: the external scheduler must never retry on
// its own, and failed runs resume from their persisted stage on the next
// scheduled trigger.
type Server struct {
	sync    Runner
	refresh Runner
	pinger  Pinger
	log     *zap.Logger
}

// NewServer builds the HTTP surface. Either runner may be nil when its
// pipeline is disabled; the trigger then answers 200 without doing anything.
func NewServer(sync, refresh Runner, pinger Pinger, log *zap.Logger) *Server {
	return &Server{sync: sync, refresh: refresh, pinger: pinger, log: log}
}

// Routes mounts all endpoints.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	r.Post("/tasks/blocklist/download", s.trigger("sync", s.sync))
	r.Post("/tasks/blocklist/refresh", s.trigger("refresh", s.refresh))
	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// trigger runs the task synchronously within the request, like a task-queue
// worker endpoint. Run swallows its own failures, so the response status
// carries no outcome.
func (s *Server) trigger(name string, task Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if task == nil {
			s.log.Info("trigger received but task is disabled", zap.String("task", name))
			writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
			return
		}
		task.Run(r.Context())
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.log.Error("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger assigns each request an id and logs its outcome. The id is
// echoed in the X-Request-Id header so scheduler logs can be joined with ours.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)
		s.log.Info("request handled",
			zap.String("requestId", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("took", time.Since(start)))
	})
}

// recoverer keeps a handler panic from killing the process.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panicked", zap.Any("panic", rec), zap.Stack("stack"))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
