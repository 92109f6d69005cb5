package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vipul43/mailvault-worker/internal/api"
	"github.com/vipul43/mailvault-worker/internal/blob"
	"github.com/vipul43/mailvault-worker/internal/config"
	"github.com/vipul43/mailvault-worker/internal/database"
	"github.com/vipul43/mailvault-worker/internal/events"
	"github.com/vipul43/mailvault-worker/internal/mbox"
	"github.com/vipul43/mailvault-worker/internal/providers"
	"github.com/vipul43/mailvault-worker/internal/ratelimit"
	"github.com/vipul43/mailvault-worker/internal/repository"
	"github.com/vipul43/mailvault-worker/internal/scanner"
	"github.com/vipul43/mailvault-worker/internal/service"
	"github.com/vipul43/mailvault-worker/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Println("Database connected successfully")

	log.Println("Running database migrations...")
	if err := database.RunMigrations(db); err != nil {
		return err
	}
	log.Println("Migrations completed successfully")

	// Initialize repositories
	jobStore := repository.NewJobRepository(db.Gorm)
	accountRepo := repository.NewAccountRepository(db.Gorm)
	settingsRepo := repository.NewSettingsRepository(db.Gorm)
	messageRepo := repository.NewMessageRepository(db.Gorm)
	folderRepo := repository.NewFolderRepository(db.Gorm)
	failedRepo := repository.NewFailedMessageRepository(db.Gorm)
	attachmentRepo := repository.NewAttachmentRepository(db.Gorm)
	statusRepo := repository.NewJobStatusRepository(db.Gorm)

	// Rate limiter is optional; without Redis only the provider's quota applies
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		bucket := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		limiter = ratelimit.NewLimiter(bucket, cfg.ProviderTimeout)
		log.Printf("Rate limiter enabled (capacity %d, refill %.1f/s)", cfg.RateLimitCapacity, cfg.RateLimitRefill)
	}

	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		return err
	}

	var publisher service.EventPublisher = events.Nop{}
	if cfg.NATSURL != "" {
		natsPublisher, err := events.NewPublisher(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer natsPublisher.Close()
		if err := natsPublisher.EnsureStream(); err != nil {
			return err
		}
		publisher = natsPublisher
		log.Println("Publishing sync events to NATS")
	}

	// Initialize services
	factory := providers.NewFactory(cfg.GmailClientID, cfg.GmailClientSecret, accountRepo, limiter, cfg.ProviderTimeout)
	scheduler := service.NewScheduler(jobStore, cfg.MaxAttempts)
	statusService := service.NewJobStatusService(statusRepo, jobStore)
	var virusScanner service.VirusScanner
	if cfg.ScannerURL != "" {
		virusScanner = scanner.NewClient(cfg.ScannerURL, cfg.ScannerAPIKey, cfg.ScannerTimeout)
	}
	ingestor := service.NewIngestor(messageRepo, attachmentRepo, blobs, virusScanner)

	syncService := service.NewSyncService(service.SyncDeps{
		Accounts:  accountRepo,
		Settings:  settingsRepo,
		Messages:  messageRepo,
		Folders:   folderRepo,
		Failures:  failedRepo,
		Providers: factory,
		Ingestor:  ingestor,
		Scheduler: scheduler,
		Status:    statusService,
		Events:    publisher,
	}, service.SyncOptions{
		PageSize:            cfg.PageSize,
		CheckpointInterval:  cfg.CheckpointInterval,
		IncrementalMinDelay: cfg.IncrementalMinDelay,
		IncrementalMaxDelay: cfg.IncrementalMaxDelay,
	})
	autoDelete := service.NewAutoDeleteService(accountRepo, settingsRepo, messageRepo, factory, scheduler, cfg.AutoDeleteBatchSize)
	importService := service.NewImportService(accountRepo, failedRepo, mbox.NewParser(), ingestor, publisher)
	settingsService := service.NewSettingsService(settingsRepo, scheduler)

	// Initialize watcher
	w := watcher.New(cfg, jobStore, statusService, accountRepo, watcher.Handlers{
		Sync:       syncService,
		AutoDelete: autoDelete,
		Import:     importService,
		Scheduler:  scheduler,
	})

	server := api.New(jobStore, statusService, scheduler, settingsService, failedRepo)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("API listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start watcher in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Start(ctx)
	}()

	select {
	case <-sigChan:
		log.Println("Shutdown signal received")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP shutdown error: %v", err)
		}

		select {
		case <-shutdownCtx.Done():
			log.Println("Shutdown timeout exceeded, running jobs will be reclaimed after their lease expires")
		case err := <-errChan:
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("Watcher error: %v", err)
			}
		}

		log.Println("Application stopped")
		return nil

	case err := <-errChan:
		return err
	}
}
