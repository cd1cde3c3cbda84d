package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/strangercam/matchmaker/internal/config"
	"github.com/strangercam/matchmaker/internal/origin"
	"github.com/strangercam/matchmaker/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Server is the matchmaker's HTTP front: health, build info, ICE server
// discovery, and whatever else is mounted on Mux (the signaling sockets and
// /metrics).
type Server struct {
	log     *slog.Logger
	cfg     config.Config
	build   BuildInfo
	origins *origin.Policy
	turn    *turnrest.Minter

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo) (*Server, error) {
	origins, err := cfg.OriginPolicy()
	if err != nil {
		return nil, fmt.Errorf("origin policy: %w", err)
	}

	s := &Server{
		log:     logger,
		cfg:     cfg,
		build:   build,
		origins: origins,
		mux:     http.NewServeMux(),
	}

	if cfg.TURNREST.Enabled() {
		s.turn, err = turnrest.NewMinter(turnrest.Options{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            time.Duration(cfg.TURNREST.TTLSeconds) * time.Second,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			return nil, err
		}
	}

	s.registerRoutes()

	s.srv = &http.Server{
		Addr: cfg.ListenAddr,
		Handler: chain(s.mux,
			recoverMiddleware(s.log),
			requestIDMiddleware(),
			requestLoggerMiddleware(s.log),
		),
		ReadHeaderTimeout: 5 * time.Second,
		// No read/write timeouts: signaling sockets are long-lived.
	}
	return s, nil
}

// Mux returns the route table. Register on it before Serve.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Origins is the browser origin policy shared with the signaling upgrade.
func (s *Server) Origins() *origin.Policy {
	return s.origins
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})
	s.mux.HandleFunc("/webrtc/ice", s.withCORS(s.handleICE))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
}

// WriteJSON writes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
