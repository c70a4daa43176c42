package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/boristopalov/huddle/pkg/environment"
)

// StateFunc reports the current state of the running environment
type StateFunc func() environment.State

// HealthResponse is the body of /healthz
type HealthResponse struct {
	Status    string   `json:"status"`
	Agents    int      `json:"agents"`
	Meetings  []string `json:"meetings"`
	Timestamp string   `json:"timestamp"`
}

// NewRouter serves prometheus metrics and a health check
func NewRouter(logger zerolog.Logger, state StateFunc) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", health(state))

	return r
}

func health(state StateFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := state()

		meetings := make([]string, 0, len(s.Meetings))
		for _, m := range s.Meetings {
			meetings = append(meetings, string(m))
		}

		statusCode := http.StatusOK
		if s.Status == environment.StatusStopped {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(HealthResponse{
			Status:    string(s.Status),
			Agents:    s.Agents,
			Meetings:  meetings,
			Timestamp: s.Timestamp.UTC().Format(time.RFC3339),
		})
	}
}

func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// Server exposes the router over HTTP
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

func New(addr string, logger zerolog.Logger, state StateFunc) *Server {
	logger = logger.With().Str("component", "server").Logger()
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(logger, state),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in the background
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("starting metrics server")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
