// Command transcribed is the transcription server's entrypoint: it loads
// configuration, wires every singleton, and runs the Public Surface until
// an interrupt signal triggers a graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sprintscribe/transcribe-sprint/internal/blobstore"
	"github.com/sprintscribe/transcribe-sprint/internal/config"
	"github.com/sprintscribe/transcribe-sprint/internal/engine"
	"github.com/sprintscribe/transcribe-sprint/internal/engine/fakeengine"
	"github.com/sprintscribe/transcribe-sprint/internal/resultcache"
	"github.com/sprintscribe/transcribe-sprint/internal/session"
	"github.com/sprintscribe/transcribe-sprint/internal/storage"
	"github.com/sprintscribe/transcribe-sprint/internal/taskmanager"
	"github.com/sprintscribe/transcribe-sprint/internal/wsserver"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "transcribed: logger init failed:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := config.Load(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("transcribed: invalid configuration", zap.Error(err))
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("transcribed: fatal", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if err := os.MkdirAll(cfg.BlobStoreRoot, 0o755); err != nil {
		return fmt.Errorf("transcribed: create blob store root: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.ResultCacheDSN), 0o755); err != nil {
		return fmt.Errorf("transcribed: create result cache directory: %w", err)
	}

	blobs, err := blobstore.New(cfg.BlobStoreRoot, cfg.DeleteAfterTranscription, logger)
	if err != nil {
		return fmt.Errorf("transcribed: init blob store: %w", err)
	}
	if err := blobs.Reload(); err != nil {
		return fmt.Errorf("transcribed: reload blob store: %w", err)
	}

	backend := storage.SQLite
	if cfg.ResultCacheBackend == "postgres" {
		backend = storage.Postgres
	}
	store, err := storage.New(storage.Config{Backend: backend, DSN: cfg.ResultCacheDSN, MaxConns: 8}, logger)
	if err != nil {
		return fmt.Errorf("transcribed: init result cache storage: %w", err)
	}
	defer store.Close()

	cache, err := resultcache.New(store, 1024, cfg.CacheTTL(), logger)
	if err != nil {
		return fmt.Errorf("transcribed: init result cache: %w", err)
	}
	defer cache.Close()
	cache.StartSweeper(cfg.CacheTTL() / 4)

	// No concrete speech engine ships in this repo (it is a black box
	// behind the Adapter interface); fakeengine stands in until a real
	// engine.Backend is wired in its place.
	var adapter engine.Adapter
	breakerCfg := engine.BreakerConfig{
		FailureThreshold: cfg.EngineBreakerFailureThreshold,
		Timeout:          cfg.EngineBreakerTimeout(),
	}
	if cfg.ConcurrencyMode == config.ConcurrencyPool {
		backends := make([]engine.Backend, cfg.MaxConcurrentTasks)
		for i := range backends {
			backends[i] = &fakeengine.Backend{}
		}
		adapter = engine.NewPooled(backends, breakerCfg, logger)
	} else {
		adapter = engine.NewSerialized(&fakeengine.Backend{}, breakerCfg, logger)
	}

	hub := session.NewHub(nil, blobs, cfg, logger)
	mgr := taskmanager.New(cfg, blobs, cache, adapter, hub, logger)
	hub.SetManager(mgr)
	mgr.Start()
	defer mgr.Stop()

	srv := wsserver.New(cfg, hub, mgr, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("transcribed: shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
