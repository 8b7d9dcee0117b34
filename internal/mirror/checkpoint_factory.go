package mirror

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type CheckpointStoreFactory func(dsn string) (CheckpointStore, error)

var checkpointFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]CheckpointStoreFactory
}{
	factories: map[string]CheckpointStoreFactory{},
}

// RegisterCheckpointStoreFactory adds or replaces the store used for a DSN
// scheme. Registered factories take precedence over the built-in schemes.
func RegisterCheckpointStoreFactory(scheme string, factory CheckpointStoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	checkpointFactoryRegistry.mu.Lock()
	defer checkpointFactoryRegistry.mu.Unlock()
	checkpointFactoryRegistry.factories[scheme] = factory
}

func lookupCheckpointStoreFactory(scheme string) (CheckpointStoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	checkpointFactoryRegistry.mu.RLock()
	defer checkpointFactoryRegistry.mu.RUnlock()
	factory, ok := checkpointFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildCheckpointStoreFromDSN returns nil for an empty DSN: checkpoints are
// then only logged.
func BuildCheckpointStoreFromDSN(dsn string) (CheckpointStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupCheckpointStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileCheckpointStore(path)
	case "memory", "mem", "inmem":
		return NewInMemoryCheckpointStore(), nil
	case "postgres", "postgresql":
		return NewPostgresCheckpointStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported checkpoint store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
