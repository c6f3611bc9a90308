package threadrelay

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
)

const pebbleDocumentKeyPrefix = "doc:"

// pebble holds an exclusive lock on its directory, so every backend that
// points at the same directory shares one handle.
var pebbleHandles = struct {
	mu   sync.Mutex
	open map[string]*pebbleHandle
}{
	open: map[string]*pebbleHandle{},
}

type pebbleHandle struct {
	db   *pebble.DB
	refs int
}

type PebbleDocumentBackend struct {
	dir    string
	key    []byte
	handle *pebbleHandle

	closeOnce sync.Once
}

func NewPebbleDocumentBackend(dir, docKey string) (*PebbleDocumentBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	handle, err := acquirePebble(abs)
	if err != nil {
		return nil, err
	}
	return &PebbleDocumentBackend{
		dir:    abs,
		key:    []byte(pebbleDocumentKeyPrefix + docKey),
		handle: handle,
	}, nil
}

func acquirePebble(dir string) (*pebbleHandle, error) {
	pebbleHandles.mu.Lock()
	defer pebbleHandles.mu.Unlock()
	if handle, ok := pebbleHandles.open[dir]; ok {
		handle.refs++
		return handle, nil
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	handle := &pebbleHandle{db: db, refs: 1}
	pebbleHandles.open[dir] = handle
	return handle, nil
}

func (b *PebbleDocumentBackend) Load() ([]byte, error) {
	if b == nil || b.handle == nil {
		return nil, nil
	}
	value, closer, err := b.handle.db.Get(b.key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), value...), nil
}

func (b *PebbleDocumentBackend) Save(data []byte) error {
	if b == nil || b.handle == nil {
		return ErrInvalidInput
	}
	return b.handle.db.Set(b.key, data, pebble.Sync)
}

func (b *PebbleDocumentBackend) Close() error {
	if b == nil || b.handle == nil {
		return nil
	}
	var err error
	b.closeOnce.Do(func() {
		pebbleHandles.mu.Lock()
		defer pebbleHandles.mu.Unlock()
		b.handle.refs--
		if b.handle.refs > 0 {
			return
		}
		delete(pebbleHandles.open, b.dir)
		err = b.handle.db.Close()
	})
	return err
}
