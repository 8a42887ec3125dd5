package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	cfg "snapup/src/configuration"
)

// ErrNotFound is returned by Get when the key has never been set or was removed.
var ErrNotFound = errors.New("key not found")

type (
	// KeyValueStore is the persistence boundary for everything the client keeps
	// between runs. Remove of a missing key is not an error.
	KeyValueStore interface {
		Get(ctx context.Context, key string) (string, error)
		Set(ctx context.Context, key, value string) error
		Remove(ctx context.Context, key string) error
		Close() error
	}

	InMemoryDB struct {
		mu    sync.RWMutex
		table map[string]string
	}
)

// NewKeyValueStore opens the backend named by STORE_BACKEND.
func NewKeyValueStore(config *cfg.Properties) (KeyValueStore, error) {
	if config == nil {
		return nil, fmt.Errorf("config is not valid")
	}
	switch config.Store.Backend {
	case "memory":
		return NewInMemoryDB(), nil
	case "file":
		path, err := storePath(config.Store.Path, "session.json")
		if err != nil {
			return nil, err
		}
		return NewFileStore(path)
	case "sqlite":
		path, err := storePath(config.Store.Path, "session.db")
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(path)
	case "redis":
		return NewRedisStore(config.Store.RedisURL, config.Store.KeyPrefix)
	default:
		return nil, fmt.Errorf("unknown store backend %q", config.Store.Backend)
	}
}

// storePath defaults to a file under the user config dir, e.g. ~/.config/snapup.
func storePath(configured, name string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, "snapup", name), nil
}

func NewInMemoryDB() *InMemoryDB {
	return &InMemoryDB{table: make(map[string]string)}
}

func (i *InMemoryDB) Get(_ context.Context, key string) (string, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	value, ok := i.table[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (i *InMemoryDB) Set(_ context.Context, key, value string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.table == nil {
		return fmt.Errorf("can not set %s, store is closed", key)
	}
	i.table[key] = value
	return nil
}

func (i *InMemoryDB) Remove(_ context.Context, key string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.table, key)
	return nil
}

func (i *InMemoryDB) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.table = nil
	return nil
}
