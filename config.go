package main

import (
	"bungie-webhooks/poll"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds service configuration read from the environment.
type Config struct {
	Port     string
	LogLevel string

	BungieAPIKey  string
	BungieOrigin  string
	BungieBaseURL string

	StorageBucket         string // Cloud Storage bucket for production
	LocalStorage          string // Local directory for development
	SQLitePath            string
	GoogleCredentialsJSON string

	RedisURL         string // Empty selects the in-process delivery channel
	DeliveryStream   string
	DeliveryGroup    string
	DeliveryConsumer string

	Schedule     poll.Schedule
	SystemFilter poll.SystemFilter
}

// LoadConfig reads configuration from the environment, after loading an
// optional .env file from the working directory.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Could not load .env file", "error", err)
	}

	cfg := &Config{
		Port:                  getEnvOrDefault("PORT", "8080"),
		LogLevel:              getEnvOrDefault("LOG_LEVEL", "info"),
		BungieAPIKey:          os.Getenv("BUNGIE_API_KEY"),
		BungieOrigin:          os.Getenv("BUNGIE_API_ORIGIN"),
		BungieBaseURL:         os.Getenv("BUNGIE_API_BASE_URL"),
		StorageBucket:         os.Getenv("STORAGE_BUCKET"),
		LocalStorage:          os.Getenv("LOCAL_STORAGE"),
		SQLitePath:            os.Getenv("SQLITE_PATH"),
		GoogleCredentialsJSON: os.Getenv("GOOGLE_CREDENTIALS_JSON"),
		RedisURL:              os.Getenv("REDIS_URL"),
		DeliveryStream:        getEnvOrDefault("DELIVERY_STREAM", "bungie:webhooks:deliveries"),
		DeliveryGroup:         getEnvOrDefault("DELIVERY_GROUP", "delivery-workers"),
		DeliveryConsumer:      getEnvOrDefault("DELIVERY_CONSUMER", "delivery-1"),
		SystemFilter:          poll.DefaultSystemFilter,
	}

	var err error
	if cfg.Schedule.APIStatus, err = durationEnv("STATUS_INTERVAL", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Schedule.Manifest, err = durationEnv("MANIFEST_INTERVAL", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Schedule.Articles, err = durationEnv("ARTICLE_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}

	if v, ok := os.LookupEnv("SYSTEM_PREFIXES"); ok {
		cfg.SystemFilter.Prefixes = splitList(v)
	}
	if v, ok := os.LookupEnv("SYSTEM_ALLOWLIST"); ok {
		cfg.SystemFilter.Allow = splitList(v)
	}

	if cfg.BungieAPIKey == "" {
		return nil, errors.New("BUNGIE_API_KEY environment variable required")
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func durationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, v)
	}
	return d, nil
}

// splitList parses a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
