// Package api exposes the engine's control surface and observability
// endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/ashwinkm/trendflip/internal/config"
	"github.com/ashwinkm/trendflip/internal/engine"
	"github.com/ashwinkm/trendflip/internal/journal"
)

// Server is the control/observability HTTP server for one engine instance.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	engine    *engine.Engine
	journal   *journal.SQLite
	logger    *logrus.Logger
	addr      string
	authToken string
}

// Config configures the API server.
type Config struct {
	Addr      string
	AuthToken string
	Gatherer  prometheus.Gatherer
}

// NewServer builds the server and its routes.
func NewServer(cfg Config, eng *engine.Engine, jr *journal.SQLite, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		engine:    eng,
		journal:   jr,
		logger:    logger,
		addr:      cfg.Addr,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes(cfg.Gatherer)
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Get("/api/state", s.handleState)
	s.router.Get("/api/trades", s.handleTrades)
	s.router.Get("/api/analytics", s.handleAnalytics)
	s.router.Get("/api/stream", s.handleStream)

	s.router.Post("/api/start", s.handleStart)
	s.router.Post("/api/stop", s.handleStop)
	s.router.Post("/api/squareoff", s.handleSquareoff)
	s.router.Post("/api/config", s.handleConfig)
	s.router.Post("/api/trading", s.handleTrading)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs the server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("API server listening on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"running":   s.engine.Running(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.State())
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	// The loop outlives the request; detach it from the request context.
	if err := s.engine.Start(context.Background()); err != nil {
		if errors.Is(err, engine.ErrAlreadyRunning) {
			s.writeError(w, http.StatusConflict, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	mode := engine.StopMode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = engine.StopGraceful
	}
	if err := s.engine.Stop(mode); err != nil {
		switch {
		case errors.Is(err, engine.ErrNotRunning):
			s.writeError(w, http.StatusConflict, err)
		case errors.Is(err, engine.ErrPositionLive):
			s.writeError(w, http.StatusConflict, err)
		default:
			s.writeError(w, http.StatusBadRequest, err)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleSquareoff(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Squareoff(); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "squareoff requested"})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.UpdateConfig(&patch); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) handleTrading(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.engine.SetTradingEnabled(body.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": body.Enabled})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", q))
			return
		}
		limit = n
	}
	trades, err := s.journal.ListTrades(limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	// Defaults to the trailing 30 days.
	end := time.Now().UTC().Add(24 * time.Hour)
	start := end.AddDate(0, 0, -31)
	if q := r.URL.Query().Get("from"); q != "" {
		t, err := time.Parse("2006-01-02", q)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		start = t
	}
	if q := r.URL.Query().Get("to"); q != "" {
		t, err := time.Parse("2006-01-02", q)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		end = t.AddDate(0, 0, 1)
	}

	summary, err := s.journal.Summarize(start, end)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handleStream serves snapshots as newline-delimited JSON until the client
// disconnects or the subscription is dropped.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	snapshots, cancel := s.engine.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case snap, open := <-snapshots:
			if !open {
				return
			}
			if err := enc.Encode(snap); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
