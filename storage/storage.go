// Package storage handles persistence of poller state and webhook documents.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

// IsNotFound checks if an error indicates a document was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Document key prefixes.
const (
	statePrefix   = "state/"
	webhookPrefix = "webhooks/"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]{0,127}$`)

// validName rejects names that could escape their key prefix.
func validName(name string) bool {
	return namePattern.MatchString(name) && !strings.Contains(name, "..")
}

// backend stores opaque documents under slash-separated keys.
type backend interface {
	read(ctx context.Context, key string) ([]byte, error)
	write(ctx context.Context, key string, data []byte) error
	remove(ctx context.Context, key string) error
	// list returns every key starting with prefix.
	list(ctx context.Context, prefix string) ([]string, error)
}

// Store handles state and webhook persistence on top of a backend.
type Store struct {
	backend backend
	logger  *slog.Logger
	locks   keyLocks
}

func newStore(b backend, logger *slog.Logger) *Store {
	return &Store{
		backend: b,
		logger:  logger,
		locks:   keyLocks{held: make(map[string]*keyLock)},
	}
}

// keyLocks serializes read-modify-write cycles on a single document key.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.held[key]
	if !ok {
		l = &keyLock{}
		k.held[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}

func stateKey(instance, key string) (string, error) {
	if !validName(instance) {
		return "", fmt.Errorf("invalid state instance name %q", instance)
	}
	if !validName(key) {
		return "", fmt.Errorf("invalid state key %q", key)
	}
	return statePrefix + instance + "/" + key + ".json", nil
}

func webhookKey(id string) (string, error) {
	if !validName(id) {
		return "", fmt.Errorf("invalid webhook id %q", id)
	}
	return webhookPrefix + id + ".json", nil
}

// baseName strips the prefix and .json suffix from a document key.
func baseName(key, prefix string) (string, bool) {
	name, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return "", false
	}
	name, ok = strings.CutSuffix(name, ".json")
	if !ok || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}
