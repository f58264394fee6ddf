// Package main provides the fieldsync daemon: it owns the local record
// store and pending operation queue, and keeps them reconciled with the
// remote authority in the background.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldkit/fieldsync/internal/db"
	"github.com/fieldkit/fieldsync/internal/logging"
	"github.com/fieldkit/fieldsync/internal/models"
	syncengine "github.com/fieldkit/fieldsync/internal/sync"
	"github.com/fieldkit/fieldsync/internal/sync/conflict"
	"github.com/fieldkit/fieldsync/internal/sync/scheduler"
	"github.com/fieldkit/fieldsync/internal/sync/session"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	var (
		dataDir      = flag.String("data", envOr("FIELDSYNC_DATA", "./data"), "data directory")
		endpoint     = flag.String("endpoint", os.Getenv("FIELDSYNC_ENDPOINT"), "remote authority websocket URL")
		token        = flag.String("token", os.Getenv("FIELDSYNC_TOKEN"), "sync credential")
		deviceID     = flag.String("device", envOr("FIELDSYNC_DEVICE", "fieldsync-dev"), "device identifier")
		syncInterval = flag.Duration("sync-interval", 15*time.Minute, "background sync interval")
		debug        = flag.Bool("debug", false, "enable debug logging")
		pretty       = flag.Bool("pretty", false, "human-readable log output")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	logger := logging.Setup(os.Stderr, level, *pretty)
	logger.Info().Str("version", Version).Msg("fieldsyncd starting")

	database, err := db.Open(*dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer database.Close()

	if err := db.NewMigrator(database.DB).Up(); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	config := syncengine.DefaultConfig()
	config.Session.DeviceID = *deviceID
	engine := syncengine.New(database.DB, repo, config, nil, logger)

	if *endpoint != "" && *token != "" {
		if err := engine.ConfigureSync(*endpoint, *deviceID, *token); err != nil {
			logger.Fatal().Err(err).Msg("failed to store sync credential")
		}
	}

	engine.SetEvents(session.Events{
		RecordSynced: func(localID models.UUID, remoteID string) {
			logger.Info().Str("local_id", string(localID)).Str("remote_id", remoteID).Msg("record synced")
		},
		RecordFailed: func(localID models.UUID, reason string) {
			logger.Warn().Str("local_id", string(localID)).Str("reason", reason).Msg("record failed to sync")
		},
		ConflictDeferred: func(c *conflict.Conflict) {
			logger.Warn().Str("local_id", string(c.LocalID)).Msg("conflict needs manual resolution")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	schedConfig := scheduler.DefaultConfig()
	schedConfig.SyncInterval = *syncInterval
	sched := scheduler.New(engine, engine.Queue(), schedConfig,
		logger.With().Str("component", "scheduler").Logger())
	sched.Start(ctx)

	// Kick off an initial reconcile if anything is queued.
	if pending, err := engine.PendingCount(); err == nil && pending > 0 {
		sched.TriggerSync(ctx)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info().Msg("shutting down")
	engine.GoOffline()
	sched.Stop()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
