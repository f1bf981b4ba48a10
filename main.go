// Package main implements a service that watches the Bungie.net API for
// status changes, manifest updates and new news articles, and notifies
// registered webhooks when they happen.
package main

import (
	"bungie-webhooks/bungie"
	"bungie-webhooks/channel"
	"bungie-webhooks/deliver"
	"bungie-webhooks/dispatch"
	"bungie-webhooks/poll"
	"bungie-webhooks/server"
	"bungie-webhooks/storage"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
)

const httpTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ch, closeChannel, err := openChannel(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeChannel()

	client := bungie.New(&http.Client{Timeout: httpTimeout}, bungie.Options{
		APIKey:  cfg.BungieAPIKey,
		Origin:  cfg.BungieOrigin,
		BaseURL: cfg.BungieBaseURL,
	}, logger)

	monitor := poll.New(
		poll.NewAPIStatus(client, store.State(poll.APIStatusInstance), cfg.SystemFilter, logger),
		poll.NewManifest(client, store.State(poll.ManifestInstance), logger),
		poll.NewArticles(client, store.State(poll.ArticlesInstance), logger),
		dispatch.New(store, ch, logger),
		logger,
	)
	worker := deliver.New(&http.Client{Timeout: httpTimeout}, store, logger)
	srv := server.New(&server.Config{Poller: monitor, Logger: logger})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ch.Consume(ctx, worker.Deliver)
	})
	g.Go(func() error {
		monitor.Run(ctx, cfg.Schedule)
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx, cfg.Port)
	})

	err = g.Wait()
	logger.Info("Service stopped")
	return err
}

// openStore selects the storage backend: SQLite when SQLITE_PATH is set, Cloud
// Storage when STORAGE_BUCKET is set, otherwise a local directory.
func openStore(ctx context.Context, cfg *Config, logger *slog.Logger) (*storage.Store, func(), error) {
	switch {
	case cfg.SQLitePath != "":
		logger.Info("Using SQLite storage", "path", cfg.SQLitePath)
		store, db, err := storage.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		return store, func() {
			if err := db.Close(); err != nil {
				logger.Warn("Failed to close database", "error", err)
			}
		}, nil

	case cfg.StorageBucket != "":
		var opts []option.ClientOption
		if cfg.GoogleCredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)))
		}
		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)
		return storage.NewGCS(client, cfg.StorageBucket, logger), func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil

	default:
		dir := cfg.LocalStorage
		if dir == "" {
			dir = "./data"
			logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", dir)
		}
		store, err := storage.NewLocal(dir, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open local storage: %w", err)
		}
		return store, func() {}, nil
	}
}

// openChannel selects the delivery channel: Redis Streams when REDIS_URL is
// set, otherwise an in-process queue.
func openChannel(ctx context.Context, cfg *Config, logger *slog.Logger) (channel.Channel, func(), error) {
	if cfg.RedisURL == "" {
		logger.Info("No REDIS_URL set, using in-process delivery channel")
		return channel.NewMemory(256, 5, 10*time.Second, logger), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}

	chCfg := channel.DefaultConfig()
	chCfg.Stream = cfg.DeliveryStream
	chCfg.Group = cfg.DeliveryGroup
	chCfg.Consumer = cfg.DeliveryConsumer
	logger.Info("Using Redis delivery channel", "stream", chCfg.Stream, "group", chCfg.Group)

	return channel.NewRedis(client, chCfg, logger), func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close redis client", "error", err)
		}
	}, nil
}
