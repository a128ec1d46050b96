// Package server exposes the relay over HTTP: the WebSocket endpoint, a
// health report and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"airelay/internal/channel"
	"airelay/internal/domain"
	"airelay/internal/metrics"
	"airelay/internal/provider"
)

// StatusSource reports provider availability. *provider.Factory implements it.
type StatusSource interface {
	Status() []provider.ProviderStatus
}

// SessionLister reads recent sessions. *ledger.Store implements it.
type SessionLister interface {
	List(ctx context.Context, limit int) ([]domain.SessionRecord, error)
}

type Config struct {
	Host            string
	Port            int
	WSPath          string
	MetricsEnabled  bool
	MetricsPath     string
	ShutdownTimeout time.Duration
	Version         string
	Logger          *slog.Logger
}

type Server struct {
	cfg      Config
	ws       *channel.WebSocketChannel
	status   StatusSource
	sessions SessionLister // optional
	logger   *slog.Logger
	router   chi.Router
	started  time.Time
}

// New builds the router. sessions may be nil when the ledger is disabled.
func New(cfg Config, ws *channel.WebSocketChannel, status StatusSource, sessions SessionLister) *Server {
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		ws:       ws,
		status:   status,
		sessions: sessions,
		logger:   cfg.Logger,
		started:  time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.sessions != nil {
		r.Get("/sessions", s.handleSessions)
	}
	if s.cfg.MetricsEnabled {
		r.Handle(s.cfg.MetricsPath, metrics.Handler())
	}
	r.Handle(s.cfg.WSPath, s.ws)
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is canceled, then closes client connections and
// shuts down within the configured timeout.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("relay server started", "addr", addr, "ws_path", s.cfg.WSPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down relay server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	if err := s.ws.CloseAll(shutdownCtx); err != nil {
		s.logger.Warn("websocket shutdown incomplete", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status    string                    `json:"status"`
	Version   string                    `json:"version,omitempty"`
	Uptime    string                    `json:"uptime"`
	Clients   int                       `json:"clients"`
	Providers []provider.ProviderStatus `json:"providers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Version:   s.cfg.Version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Clients:   s.ws.Clients(),
		Providers: s.status.Status(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	recs, err := s.sessions.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list sessions failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ledger unavailable"})
		return
	}
	if recs == nil {
		recs = []domain.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// requestLogger logs each request through slog. WebSocket upgrades are
// logged by the channel instead.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == s.cfg.WSPath {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
