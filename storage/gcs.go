package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// NewGCS creates a store backed by a Cloud Storage bucket.
func NewGCS(client *storage.Client, bucket string, logger *slog.Logger) *Store {
	return newStore(&gcsBackend{client: client, bucket: bucket, logger: logger}, logger)
}

type gcsBackend struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
}

func (g *gcsBackend) retryOptions(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying storage operation after error", "operation", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

func (g *gcsBackend) read(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	var missing bool
	err := retry.Do(
		func() error {
			r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
			if err != nil {
				// Don't retry on "not found" errors
				if errors.Is(err, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(err)
				}
				return fmt.Errorf("open storage reader: %w", err)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					g.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			data, err = io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("read from storage: %w", err)
			}
			return nil
		},
		g.retryOptions(ctx, "read", key)...,
	)
	if missing {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

func (g *gcsBackend) write(ctx context.Context, key string, data []byte) error {
	err := retry.Do(
		func() error {
			w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, err := w.Write(data); err != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", err)
			}
			if err := w.Close(); err != nil {
				return fmt.Errorf("close storage writer: %w", err)
			}
			return nil
		},
		g.retryOptions(ctx, "write", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func (g *gcsBackend) remove(ctx context.Context, key string) error {
	var missing bool
	err := retry.Do(
		func() error {
			if err := g.client.Bucket(g.bucket).Object(key).Delete(ctx); err != nil {
				// Deletion is idempotent
				if errors.Is(err, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(err)
				}
				return fmt.Errorf("delete from storage: %w", err)
			}
			return nil
		},
		g.retryOptions(ctx, "delete", key)...,
	)
	if missing {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

func (g *gcsBackend) list(ctx context.Context, prefix string) ([]string, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}
