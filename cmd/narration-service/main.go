// main package for the narration-service.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/audio"
	"github.com/book-expert/narration-service/internal/cache"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/engine"
	"github.com/book-expert/narration-service/internal/objectstore"
	"github.com/book-expert/narration-service/internal/pipeline"
	"github.com/book-expert/narration-service/internal/server"
	"github.com/book-expert/narration-service/internal/task"
	"github.com/book-expert/narration-service/internal/worker"
	"github.com/nats-io/nats.go"
)

const defaultEngineTimeout = 120 * time.Second

var errUnknownCacheBackend = errors.New("unknown cache backend")

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "narration-service-bootstrap.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process.
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator.
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration.
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runService(ctx, cfg, finalLog)
}

func runService(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	var (
		natsConnection *nats.Conn
		blobStore      *objectstore.NatsObjectStore
		err            error
	)

	if cfg.NATS.URL != "" {
		natsConnection, blobStore, err = connectNATS(cfg)
		if err != nil {
			return err
		}

		defer natsConnection.Close()
	}

	resultCache, err := buildCache(cfg, blobStore)
	if err != nil {
		return err
	}

	engines := buildEngines(cfg, log)
	engines.InitializeAll(ctx)

	log.System("Active synthesis engines: %v", engines.Names())

	orchestrator := pipeline.New(
		engines,
		resultCache,
		audio.NewAssembler(audio.NewFFmpeg(cfg.Paths.FFmpegPath)),
		log,
		pipeline.Config{
			ScratchDir:     cfg.Paths.ScratchDir,
			OutputDir:      cfg.Paths.OutputDir,
			TargetLength:   cfg.Pipeline.TargetLength,
			Concurrency:    cfg.Pipeline.Concurrency,
			SubtitleGap:    cfg.Pipeline.SubtitleGapMS,
			StreamAttempts: cfg.Pipeline.StreamAttempts,
			RetryBackoff:   time.Duration(cfg.Pipeline.RetryBackoffMS) * time.Millisecond,
			CacheTTL:       time.Duration(cfg.Cache.TTLHours) * time.Hour,
		},
	)

	tasks := task.NewRegistry(cfg.Limits.MaxPendingTasks)

	errCh := make(chan error, 2)

	httpServer := server.New(
		orchestrator, tasks, engines, log,
		cfg.Server.Addr, cfg.Paths.OutputDir, cfg.Limits.MaxTextLength,
	)

	go func() {
		log.System("HTTP surface listening on %s", cfg.Server.Addr)
		errCh <- httpServer.ListenAndServe(ctx)
	}()

	if natsConnection != nil && cfg.NATS.NarrationRequestSubject != "" {
		natsWorker, workerErr := worker.NewNatsWorker(
			natsConnection,
			cfg.NATS.NarrationRequestSubject,
			blobStore,
			orchestrator,
			log,
		)
		if workerErr != nil {
			return fmt.Errorf("failed to create NATS worker: %w", workerErr)
		}

		go func() {
			log.System("Listening for narration jobs on subject: %s",
				cfg.NATS.NarrationRequestSubject)
			errCh <- natsWorker.Run(ctx)
		}()
	}

	select {
	case err = <-errCh:
		return err
	case <-ctx.Done():
		// Give the HTTP server its shutdown window.
		return <-errCh
	}
}

func connectNATS(cfg *config.Config) (*nats.Conn, *objectstore.NatsObjectStore, error) {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	blobStore, err := objectstore.New(jetstreamContext, cfg.NATS.ArtifactObjectStoreBucket)
	if err != nil {
		natsConnection.Close()

		return nil, nil, fmt.Errorf("failed to create object store: %w", err)
	}

	return natsConnection, blobStore, nil
}

func buildCache(cfg *config.Config, blobStore *objectstore.NatsObjectStore) (*cache.Cache, error) {
	ttl := time.Duration(cfg.Cache.TTLHours) * time.Hour

	switch cfg.Cache.Backend {
	case "", "memory":
		return cache.New(cache.NewMemoryStorage(), ttl), nil
	case "file":
		storage, err := cache.NewFileStorage(cfg.Cache.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to create file cache backend: %w", err)
		}

		return cache.New(storage, ttl), nil
	case "nats":
		if blobStore == nil {
			return nil, fmt.Errorf("%w: nats backend requires a NATS connection",
				errUnknownCacheBackend)
		}

		return cache.New(objectstore.NewCacheStorage(blobStore), ttl), nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownCacheBackend, cfg.Cache.Backend)
	}
}

func buildEngines(cfg *config.Config, log *logger.Logger) *engine.Registry {
	registry := engine.NewRegistry(log)

	for _, engineCfg := range cfg.Engines {
		timeout := time.Duration(engineCfg.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = defaultEngineTimeout
		}

		var backend core.Engine

		switch engineCfg.Kind {
		case "kokoro":
			backend = engine.NewKokoro(
				engineCfg.Name, engineCfg.URL, engineCfg.Model,
				timeout, engineCfg.Languages,
			)
		default:
			backend = engine.NewNeural(
				engineCfg.Name, engineCfg.URL, timeout, engineCfg.Languages,
			)
		}

		err := registry.Register(backend)
		if err != nil {
			log.Error("Failed to register engine %s: %v", engineCfg.Name, err)

			continue
		}

		log.Info("Registered synthesis engine %s (%s)", backend.Name(), engineCfg.Kind)
	}

	return registry
}
