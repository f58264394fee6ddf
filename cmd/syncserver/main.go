// Command syncserver is a small in-memory sync authority for local
// development and integration testing. It accepts websocket sessions
// on /sync, applies operation batches against an in-memory record
// store, and rebroadcasts the resulting changes to other connected
// devices.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/fieldkit/fieldsync/internal/logging"
)

// Version is set at build time.
var Version = "dev"

func main() {
	var (
		addr   = flag.String("addr", envOr("FIELDSYNC_SERVER_ADDR", ":8847"), "listen address")
		token  = flag.String("token", os.Getenv("FIELDSYNC_SERVER_TOKEN"), "shared bearer token, empty disables auth")
		debug  = flag.Bool("debug", false, "enable debug logging")
		pretty = flag.Bool("pretty", false, "human-readable log output")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	logger := logging.Setup(os.Stderr, level, *pretty)
	logger.Info().Str("version", Version).Msg("starting sync server")
	if *token == "" {
		logger.Warn().Msg("no token configured, accepting any credential")
	}

	h := newHub(newAuthority(), *token, logger.With().Str("component", "hub").Logger())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, *addr, h, logger); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	logger.Info().Msg("shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
