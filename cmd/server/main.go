package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/cellsync/internal/antientropy"
	"github.com/example/cellsync/internal/broadcast"
	"github.com/example/cellsync/internal/config"
	"github.com/example/cellsync/internal/hlc"
	"github.com/example/cellsync/internal/membership"
	"github.com/example/cellsync/internal/observability"
	"github.com/example/cellsync/internal/playback"
	"github.com/example/cellsync/internal/replica"
	"github.com/example/cellsync/internal/snapshot"
	"github.com/example/cellsync/internal/storage"
	"github.com/example/cellsync/internal/store"
	syncstate "github.com/example/cellsync/internal/sync"
	"github.com/example/cellsync/internal/transport"
	"github.com/example/cellsync/internal/types"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Str("replica", cfg.ReplicaID).Logger()
	if err := observability.RegisterRuntimeCollector(prometheus.DefaultRegisterer); err != nil {
		logger.Fatal().Err(err).Msg("failed to register runtime metrics")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		InstanceID:   cfg.ReplicaID,
		Group:        cfg.ReplicaGroup,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRatio:  cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetry.Shutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	if err := resources.EnsureBucket(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare snapshot bucket")
	}

	wal := storage.NewWAL(resources.Postgres)
	if err := wal.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare wal schema")
	}

	id := types.ReplicaID(cfg.ReplicaID)
	broadcaster := broadcast.NewRedisBroadcaster(resources.Redis, cfg.ReplicaGroup, id, logger)
	rep := replica.New(store.NewMemoryStore(), id, logger,
		replica.WithJournal(wal),
		replica.WithPublisher(broadcaster),
		replica.WithMaxClockDrift(cfg.MaxClockDrift),
		replica.WithEngineOptions(
			syncstate.WithClockOptions(hlc.WithOffset(cfg.ClockOffset)),
			syncstate.WithTrieDepth(cfg.TrieDepth),
		),
	)
	defer rep.Close()

	objects := snapshot.NewMinioObjects(resources.Object)
	if err := restore(ctx, rep, wal, objects, cfg.ObjectBucket, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to restore replica")
	}

	broadcaster.Start(ctx, rep)

	roster := membership.NewService(resources.Redis, cfg.ReplicaGroup, id, logger)
	roster.Start(ctx, func() membership.Member {
		status := rep.Status()
		return membership.Member{
			ID:          status.ID,
			Addr:        cfg.AdvertiseAddr,
			Fingerprint: status.Fingerprint,
			Entries:     status.Entries,
		}
	})

	antientropy.NewLoop(rep, transport.NewClient(), roster, logger,
		antientropy.WithInterval(cfg.AntiEntropyInterval),
	).Start(ctx)

	snapshot.NewWorker(rep, wal, objects, cfg.ObjectBucket, logger,
		snapshot.WithInterval(cfg.SnapshotInterval),
		snapshot.WithWALThreshold(cfg.SnapshotThreshold),
	).Start(ctx)

	playbackHandler := playback.NewHTTPHandler(playback.NewService(rep, logger, playback.ServiceConfig{}), logger)
	server := transport.NewServer(transport.ServerConfig{
		Addr:     cfg.HTTPListenAddr,
		PushRate: cfg.PushRate,
	}, rep, logger,
		transport.WithStateHandler(playbackHandler),
		transport.WithHealthCheck(resources.HealthCheck),
	)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	go healthLoop(ctx, resources, cfg.HealthcheckProbe, logger)

	logger.Info().
		Str("group", cfg.ReplicaGroup).
		Str("advertise", cfg.AdvertiseAddr).
		Int("entries", rep.Status().Entries).
		Msg("replica ready")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	roster.Leave(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	if shutdownCtx.Err() != nil {
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
		return
	}
	logger.Info().Msg("shutdown complete")
}

// restore rebuilds the replica from its newest snapshot and the journal
// entries written after it.
func restore(ctx context.Context, rep *replica.Replica, wal *storage.WAL, objects snapshot.Objects, bucket string, logger zerolog.Logger) error {
	payload, err := snapshot.LoadLatest(ctx, wal, objects, bucket, rep.ID())
	if err != nil {
		logger.Error().Err(err).Msg("failed to load snapshot; replaying full journal")
		payload = snapshot.Payload{Replica: rep.ID()}
	}

	start := time.Now()
	if err := rep.Restore(ctx, payload.Entries, payload.LastLSN); err != nil {
		return fmt.Errorf("restore from lsn %d: %w", payload.LastLSN, err)
	}
	status := rep.Status()
	logger.Info().
		Int("snapshot_entries", len(payload.Entries)).
		Int64("snapshot_lsn", payload.LastLSN).
		Int64("last_lsn", status.LastLSN).
		Int("entries", status.Entries).
		Dur("took", time.Since(start)).
		Msg("replica restored")
	return nil
}

func healthLoop(ctx context.Context, resources *config.Resources, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := resources.HealthCheck(ctx); err != nil {
				logger.Error().Err(err).Msg("dependency healthcheck failed")
			} else {
				logger.Debug().Msg("dependency healthcheck ok")
			}
		case <-ctx.Done():
			return
		}
	}
}
