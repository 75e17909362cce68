/**
 * Counter Scan Worker - Main Entry Point
 *
 * Reads the numeric value of a mechanical or digital counter (utility meters,
 * odometers) from a live camera stream, or identifies the meter by its QR or
 * barcode label when one is visible.
 *
 * Architecture:
 * - HTTP + websocket front end for live camera clients
 * - Scan engine: bounded frame buffer, region sampling, stability voting
 * - Pluggable recognition: local Tesseract, remote vision OCR, or both
 * - Batch scan jobs from Redis (Asynq or the plain LIST protocol)
 * - Results persisted to PostgreSQL and mirrored to Redis with pub/sub events
 */

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/adverant/nexus/counterscan-worker/internal/codedecode"
	"github.com/adverant/nexus/counterscan-worker/internal/config"
	"github.com/adverant/nexus/counterscan-worker/internal/logging"
	"github.com/adverant/nexus/counterscan-worker/internal/queue"
	"github.com/adverant/nexus/counterscan-worker/internal/recognizer"
	"github.com/adverant/nexus/counterscan-worker/internal/scanner"
	"github.com/adverant/nexus/counterscan-worker/internal/server"
	"github.com/adverant/nexus/counterscan-worker/internal/storage"
)

// jobConsumer is satisfied by both queue drivers
type jobConsumer interface {
	server.JobQueue
	Start() error
	Stop() error
}

func main() {
	logger := logging.NewLogger("Main")

	if err := godotenv.Load(".env.nexus"); err != nil {
		logger.Warn(".env.nexus not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load configuration", "error", err)
	}

	if err := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile}); err != nil {
		logger.Fatal("Failed to configure logging", "error", err)
	}

	logger.Info("Counter Scan Worker starting...",
		"httpAddr", cfg.HTTPAddr,
		"recognizer", cfg.RecognizerBackend,
		"queueDriver", cfg.QueueDriver,
		"workers", cfg.WorkerConcurrency,
		"postgres", cfg.DatabaseURL != "")

	// Recognition backend
	rec, closeRec := buildRecognizer(cfg)
	defer closeRec()

	decoder, err := codedecode.NewZXingDecoder(true)
	if err != nil {
		logger.Fatal("Failed to initialize code decoder", "error", err)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := scanner.NewMetrics(registry)

	// Storage (PostgreSQL optional, Redis events always)
	var pg *storage.PostgresClient
	if cfg.DatabaseURL != "" {
		pg, err = storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", "error", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = pg.EnsureSchema(ctx)
		cancel()
		if err != nil {
			logger.Fatal("Failed to prepare schema", "error", err)
		}
	}

	events, err := storage.NewEventPublisher(cfg.RedisURL, storage.DefaultKeyPrefix)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", "error", err)
	}

	storageManager := storage.NewStorageManager(pg, events)
	defer storageManager.Close()

	// Engine
	engine, err := scanner.NewEngine(scanner.EngineConfig{
		Recognizer: rec,
		Decoder:    decoder,
		Defaults: scanner.Options{
			MaxFrameBuffer:   cfg.MaxFrameBuffer,
			MinOccurrences:   cfg.MinOccurrences,
			TickInterval:     cfg.TickInterval,
			ErrorBackoff:     cfg.ErrorBackoff,
			RecognizeTimeout: cfg.RecognizeTimeout,
			MaxDuration:      cfg.SessionTimeout,
			MinValue:         cfg.ValueMin,
			MaxValue:         cfg.ValueMax,
			ExplicitRange:    true,
			Enhance:          cfg.EnhanceRegions,
		},
		Sinks:   []scanner.Sink{storageManager},
		Metrics: metrics,
	})
	if err != nil {
		logger.Fatal("Failed to initialize scan engine", "error", err)
	}

	// Batch jobs
	runner := queue.NewRunner(engine, cfg.RegionPreset)
	var consumer jobConsumer
	switch cfg.QueueDriver {
	case "list":
		consumer, err = queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName + ":jobs",
			Concurrency: cfg.WorkerConcurrency,
			Runner:      runner,
			JobTimeout:  cfg.JobTimeout,
		})
	default:
		consumer, err = queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:    cfg.RedisURL,
			QueueName:   cfg.QueueName,
			Concurrency: cfg.WorkerConcurrency,
			Runner:      runner,
			JobTimeout:  cfg.JobTimeout,
		})
	}
	if err != nil {
		logger.Fatal("Failed to initialize queue consumer", "error", err)
	}
	if err := consumer.Start(); err != nil {
		logger.Fatal("Failed to start queue consumer", "error", err)
	}

	// HTTP / websocket
	srv := server.New(engine, server.Config{
		Addr:           cfg.HTTPAddr,
		DefaultPreset:  cfg.RegionPreset,
		FrameRateLimit: cfg.FrameRateLimit,
		Gatherer:       registry,
		Store:          storageManager,
		Jobs:           consumer,
	})
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()

	logger.Info("Counter Scan Worker is READY",
		"queue", cfg.QueueName,
		"preset", cfg.RegionPreset,
		"tickInterval", cfg.TickInterval,
		"minOccurrences", cfg.MinOccurrences)

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, initiating graceful shutdown...", "signal", sig.String())
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", "error", err)
	}

	if err := consumer.Stop(); err != nil {
		logger.Error("Error stopping queue consumer", "error", err)
	}

	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("Scan sessions did not stop in time", "error", err)
	}

	logger.Info("Shutdown complete")
}

// buildRecognizer selects the recognition backend. The returned func releases
// local OCR resources.
func buildRecognizer(cfg *config.Config) (recognizer.Recognizer, func()) {
	remoteCfg := &recognizer.RemoteConfig{
		BaseURL:         cfg.OCRServiceURL,
		Timeout:         cfg.RecognizeTimeout,
		ConfidenceScale: cfg.OCRConfidenceScale,
	}

	switch cfg.RecognizerBackend {
	case "remote":
		return recognizer.NewRemoteRecognizer(remoteCfg), func() {}
	case "fallback":
		local := recognizer.NewTesseractRecognizer(&recognizer.TesseractConfig{Language: cfg.TesseractLanguage})
		remote := recognizer.NewRemoteRecognizer(remoteCfg)
		return recognizer.NewFallback(remote, local), func() { local.Close() }
	default:
		local := recognizer.NewTesseractRecognizer(&recognizer.TesseractConfig{Language: cfg.TesseractLanguage})
		return local, func() { local.Close() }
	}
}
