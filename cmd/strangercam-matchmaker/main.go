package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/strangercam/matchmaker/internal/config"
	"github.com/strangercam/matchmaker/internal/httpserver"
	"github.com/strangercam/matchmaker/internal/metrics"
	"github.com/strangercam/matchmaker/internal/signaling"
)

var (
	// Set via -ldflags at build time.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	logger.Info("starting strangercam-matchmaker",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"max_connections", cfg.MaxConnections,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"signaling_ws_idle_timeout", cfg.SignalingWSIdleTimeout,
		"signaling_ws_ping_interval", cfg.SignalingWSPingInterval,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.Enabled(),
	)
	logStartupWarnings(logger, cfg)

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	if err != nil {
		logger.Error("failed to configure http server", "err", err)
		return 2
	}

	m := metrics.New()
	sig, err := signaling.NewServer(signaling.Config{
		Metrics:              m,
		Logger:               logger,
		Origins:              srv.Origins(),
		MaxConnections:       cfg.MaxConnections,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		SendQueueSize:        cfg.SignalingSendQueueSize,
	})
	if err != nil {
		logger.Error("failed to configure signaling", "err", err)
		return 2
	}
	sig.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m, sig.Gauges))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		return 1
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			return 1
		}
		return 0
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked sockets are invisible to Shutdown, so close them first. Peers
	// get a going-away close frame.
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		return 1
	}

	st := sig.Stats()
	logger.Info("shutdown complete",
		"connections", st.Connections,
		"pairs_formed", m.Get(metrics.PairsFormed),
	)
	return 0
}

// resolveBuildInfo prefers ldflags values and falls back to VCS stamps.
func resolveBuildInfo(commit, builtAt string) (string, string) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return commit, builtAt
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if commit == "" {
				commit = s.Value
			}
		case "vcs.time":
			if builtAt == "" {
				builtAt = s.Value
			}
		}
	}
	return commit, builtAt
}
