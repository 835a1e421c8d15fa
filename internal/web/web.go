// Package web serves the HTTP admin API: engine statistics, snapshot
// listing and manual snapshot triggers.
package web

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/anirudhdahiya9/keyval-db/internal/engine"
	"github.com/anirudhdahiya9/keyval-db/internal/version"
)

// Options configures the admin HTTP server.
type Options struct {
	Addr   string
	Logger *slog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	opts   Options
	engine *engine.Engine
	logger *slog.Logger
	http   *http.Server
	ln     net.Listener
}

// New builds the admin server and its routes.
func New(e *engine.Engine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{opts: opts, engine: e, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/snapshots", s.handleListSnapshots)
		r.Post("/snapshots", s.handleTriggerSnapshot)
	})
	s.http = &http.Server{Handler: r}
	return s
}

// statsResponse is the JSON shape of GET /api/v1/stats.
type statsResponse struct {
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Databases     int    `json:"databases"`
	Keys          int    `json:"keys"`
	TotalCommands int64  `json:"total_commands"`
	TotalReads    int64  `json:"total_reads"`
	TotalWrites   int64  `json:"total_writes"`
	ExpiredKeys   int64  `json:"expired_keys"`
	LastSnapshot  string `json:"last_snapshot,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.GetStats()
	resp := statsResponse{
		Version:       version.Version,
		UptimeSeconds: int64(time.Since(stats.StartTime).Seconds()),
		Databases:     stats.Databases,
		Keys:          stats.Keys,
		TotalCommands: stats.TotalCommands,
		TotalReads:    stats.TotalReads,
		TotalWrites:   stats.TotalWrites,
		ExpiredKeys:   stats.ExpiredKeys,
	}
	if !stats.LastSnapshot.IsZero() {
		resp.LastSnapshot = stats.LastSnapshot.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	metas, err := s.engine.Snapshots()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) handleTriggerSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.engine.TriggerSnapshot() {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "a snapshot is already in progress",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "snapshot started"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.logger.Info("admin api listening", "addr", ln.Addr().String())
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin api failed", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Close shuts the HTTP server down.
func (s *Server) Close() error {
	return s.http.Close()
}
