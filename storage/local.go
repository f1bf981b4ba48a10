package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// NewLocal creates a store that keeps documents as JSON files under dir.
// Used for local development when no bucket or database is configured.
func NewLocal(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return newStore(&localBackend{root: dir}, logger), nil
}

type localBackend struct {
	root string
}

func (l *localBackend) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *localBackend) read(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read from local storage: %w", err)
	}
	return data, nil
}

func (l *localBackend) write(_ context.Context, key string, data []byte) error {
	p := l.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create local storage directory: %w", err)
	}
	// Write then rename so readers never see a partial document.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("rename local storage file: %w", err)
	}
	return nil
}

func (l *localBackend) remove(_ context.Context, key string) error {
	if err := os.Remove(l.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete from local storage: %w", err)
	}
	return nil
}

// list only supports prefixes that name a directory ("state/articles/").
func (l *localBackend) list(_ context.Context, prefix string) ([]string, error) {
	dir := strings.TrimSuffix(prefix, "/")
	entries, err := os.ReadDir(l.path(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read local storage directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		keys = append(keys, path.Join(dir, entry.Name()))
	}
	return keys, nil
}
