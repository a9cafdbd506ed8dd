// Package server exposes the session host: a small JSON control API and
// the websocket endpoint preview devices attach to.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uisync/uisync/internal/dispatch"
	"github.com/uisync/uisync/internal/metrics"
	"github.com/uisync/uisync/internal/session"
)

// Options configures the host.
type Options struct {
	// Listen is the bind address, e.g. "127.0.0.1:8787".
	Listen string
	// PublicHost overrides the host used in advertised websocket URLs.
	// Empty means the request's Host header is used.
	PublicHost string
}

// Server hosts sessions over HTTP and websocket.
type Server struct {
	opts       Options
	registry   *session.Registry
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
}

// New wires the server. metrics may be nil.
func New(opts Options, registry *session.Registry, dispatcher *dispatch.Dispatcher, m *metrics.Metrics) *Server {
	return &Server{
		opts:       opts,
		registry:   registry,
		dispatcher: dispatcher,
		metrics:    m,
	}
}

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/session/new", s.handleSessionNew)
	r.Get("/session/{id}", s.handleSessionGet)
	r.Get("/session/{id}/health", s.handleSessionHealth)
	r.Post("/session/{id}/extend", s.handleSessionExtend)
	r.Delete("/session/{id}", s.handleSessionDelete)
	r.Post("/send/{id}", s.handleSend)
	r.Get("/stats", s.handleStats)
	r.Get("/ws", s.handleWS)

	if reg := s.metrics.Registry(); reg != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return r
}

// Run serves until ctx is done, then drains connections and closes every
// session.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.opts.Listen,
		Handler: s.Router(),
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("Session host listening", "addr", s.opts.Listen)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.dispatcher.Stop()
	s.registry.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes the {error} envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("Request completed",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}
