package control

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Pusher accepts operator commands without blocking.
type Pusher interface {
	Push(types.Command) bool
}

// Server exposes the running loop over HTTP: status, health and the same
// commands the keyboard issues.
type Server struct {
	Router chi.Router
	Logger *slog.Logger

	queue     Pusher
	status    func() capture.Status
	startTime time.Time
}

// New wires the control routes.
func New(queue Pusher, status func() capture.Status, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Logger:    logger,
		queue:     queue,
		status:    status,
		startTime: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogging(logger))
	r.Use(chimw.Timeout(10 * time.Second))

	r.Get("/healthz", s.health)
	r.Get("/status", s.getStatus)
	r.Post("/commands/{name}", s.command)

	s.Router = r
	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	code := http.StatusOK
	healthy := st.State != capture.StateTerminated
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"healthy":        healthy,
		"state":          st.State,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	// encoding/json rejects infinities; an empty-gallery distance has no value
	if st.LastResult != nil && (math.IsInf(st.LastResult.Distance, 0) || math.IsNaN(st.LastResult.Distance)) {
		st.LastResult.Distance = -1
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) command(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cmd, ok := types.ParseCommand(name)
	if !ok {
		writeError(w, http.StatusNotFound, "UNKNOWN_COMMAND", "unknown command: "+name)
		return
	}
	if !s.queue.Push(cmd) {
		writeError(w, http.StatusConflict, "QUEUE_FULL", "command queue is full, retry later")
		return
	}
	s.Logger.Info("command queued", "command", cmd.String(), "request_id", chimw.GetReqID(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"queued": cmd.String(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
		"meta": map[string]any{
			"timestamp": time.Now().Format(time.RFC3339),
		},
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

// requestLogging logs every request at debug level.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, r)

			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.status,
				"duration", time.Since(start).String(),
				"remote", r.RemoteAddr,
			)
		})
	}
}
