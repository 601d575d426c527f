package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"transit_fetcher/internal/config"
	"transit_fetcher/internal/publisher"
	"transit_fetcher/internal/scheduler"
	"transit_fetcher/internal/service"
	"transit_fetcher/internal/source/emt"
	"transit_fetcher/internal/storage/local"
	"transit_fetcher/internal/storage/minio"
	"transit_fetcher/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	once := flag.Bool("once", false, "run a single extraction and exit")
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	loc, err := cfg.Source.Location()
	if err != nil {
		logger.Error("invalid timezone", "error", err)
		os.Exit(1)
	}

	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		logger.Error("failed to open storage", "backend", cfg.Storage.Default, "error", err)
		os.Exit(1)
	}
	logger.Info("storage ready", "backend", cfg.Storage.Default)

	var runs service.RunStore
	if cfg.Database.Enabled() {
		db, err := sqlx.Connect("postgres", cfg.Database.DSN())
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		runs = postgres.NewRunStore(db)
		logger.Info("connected to database")
	}

	var pub service.Publisher
	if cfg.RabbitMQ.Enabled() {
		rabbitMQ, err := publisher.NewRabbitMQ(publisher.Config{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			QueueName:  cfg.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			logger.Error("failed to connect to rabbitmq", "error", err)
			os.Exit(1)
		}
		defer rabbitMQ.Close()

		pub = rabbitMQ
	}

	client := emt.New(emt.Config{
		BaseURL:         cfg.API.BaseURL,
		Timeout:         cfg.API.Timeout,
		MaxConnsPerHost: cfg.API.MaxInFlight,
		MaxAttempts:     cfg.API.Retry.MaxAttempts,
		InitialBackoff:  cfg.API.Retry.InitialBackoff,
		MaxBackoff:      cfg.API.Retry.MaxBackoff,
	}, logger)

	dispatcher := service.NewDispatcher(client, store, service.DispatcherConfig{
		MaxInFlight:   cfg.API.MaxInFlight,
		RateLimit:     cfg.API.RateLimit,
		Burst:         cfg.API.Burst,
		LenientExists: cfg.Storage.LenientExists,
	}, logger)

	extractor := service.NewExtractor(
		service.NewSessionManager(client, store, cfg.Source.Credentials, logger),
		dispatcher,
		service.NewRetryCoordinator(dispatcher, logger),
		service.NewPersister(store, pub, logger),
		runs,
		logger,
		service.ExtractConfig{
			SourceID: cfg.Source.Name,
			Location: loc,
			Lines:    cfg.Source.Lines,
			Stops:    cfg.Source.Stops,
		},
	)

	sched := scheduler.NewScheduler(extractor, cfg.Schedule.Interval, cfg.Schedule.RunTimeout, logger)

	logger.Info("starting raw extractor",
		"source", client.Name(),
		"lines", len(cfg.Source.Lines),
		"stops", len(cfg.Source.Stops),
		"interval", cfg.Schedule.Interval,
	)

	if *once || cfg.Schedule.Interval == 0 {
		sched.RunOnce(ctx)
		return
	}

	if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scheduler error", "error", err)
		os.Exit(1)
	}
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (service.Gateway, error) {
	switch cfg.Default {
	case config.StorageLocal:
		return local.New(cfg.Local.Path), nil
	case config.StorageMinio:
		store, err := minio.New(minio.Config{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Secure:    cfg.Minio.Secure,
			Bucket:    cfg.Minio.Bucket,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Default)
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
