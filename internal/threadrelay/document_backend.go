package threadrelay

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DocumentBackend stores one whole JSON document. Save must replace the
// previous document atomically; readers never observe a partial write.
type DocumentBackend interface {
	Load() ([]byte, error)
	Save(data []byte) error
}

type DocumentBackendFactory func(dsn, docKey string) (DocumentBackend, error)

var documentFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]DocumentBackendFactory
}{
	factories: map[string]DocumentBackendFactory{},
}

func RegisterDocumentBackendFactory(scheme string, factory DocumentBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	documentFactoryRegistry.mu.Lock()
	defer documentFactoryRegistry.mu.Unlock()
	documentFactoryRegistry.factories[scheme] = factory
}

func lookupDocumentBackendFactory(scheme string) (DocumentBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	documentFactoryRegistry.mu.RLock()
	defer documentFactoryRegistry.mu.RUnlock()
	factory, ok := documentFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildDocumentBackendFromDSN picks a backend by DSN scheme. docKey names the
// document inside shared stores (postgres, sqlite, pebble); file backends
// ignore it.
func BuildDocumentBackendFromDSN(dsn, docKey string) (DocumentBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty document backend dsn", ErrInvalidInput)
	}
	docKey = strings.TrimSpace(docKey)
	if docKey == "" {
		docKey = "default"
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupDocumentBackendFactory(scheme); ok {
		return factory(dsn, docKey)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileDocumentBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryDocumentBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresDocumentBackend(dsn, docKey)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteDocumentBackend(path, docKey)
	case "pebble":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewPebbleDocumentBackend(path, docKey)
	case "mysql", "redis", "rediss":
		return nil, fmt.Errorf("%w: document backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported document backend scheme: %s", scheme)
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
	if host := strings.TrimSpace(parsed.Host); host != "" {
		// file://relative/dir/x.json parses "relative" as the host.
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

type JSONFileDocumentBackend struct {
	Path string
}

func NewJSONFileDocumentBackend(path string) *JSONFileDocumentBackend {
	return &JSONFileDocumentBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileDocumentBackend) Load() ([]byte, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *JSONFileDocumentBackend) Save(data []byte) error {
	if b == nil || b.Path == "" {
		return ErrInvalidInput
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

type InMemoryDocumentBackend struct {
	mu   sync.Mutex
	data []byte
}

func NewInMemoryDocumentBackend() *InMemoryDocumentBackend {
	return &InMemoryDocumentBackend{}
}

func (b *InMemoryDocumentBackend) Load() ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, nil
	}
	return append([]byte(nil), b.data...), nil
}

func (b *InMemoryDocumentBackend) Save(data []byte) error {
	if b == nil {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append([]byte(nil), data...)
	return nil
}
