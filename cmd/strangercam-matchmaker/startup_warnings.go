package main

import (
	"log/slog"
	"slices"

	"github.com/strangercam/matchmaker/internal/config"
)

// Above this a single inbound frame is far larger than any SDP blob.
const largeSignalingMessageBytes = 1 << 20

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (any website can open signaling sockets)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConnections <= 0 {
		logger.Warn("startup security warning: MAX_CONNECTIONS is 0 (unlimited) while --mode=prod",
			"warning_code", "max_connections_unlimited_in_prod",
			"max_connections", cfg.MaxConnections,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > largeSignalingMessageBytes {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (raises per-connection memory exposure)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("invalid ICE server configuration; /readyz will fail until it is fixed",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
		return
	}

	hasTURN := slices.ContainsFunc(cfg.ICEServers, config.HasTURNURL)
	if cfg.TURNREST.Enabled() && !hasTURN {
		logger.Warn("TURN REST shared secret is set but no TURN URL is configured",
			"warning_code", "turn_rest_without_turn_urls",
			"mode", cfg.Mode,
		)
	}
	if cfg.Mode == config.ModeProd && !hasTURN {
		logger.Warn("no TURN server configured; peers behind symmetric NATs will fail to connect",
			"warning_code", "no_turn_in_prod",
			"mode", cfg.Mode,
		)
	}
}
