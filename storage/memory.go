package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/ruteri/tee-vm-provisioning/interfaces"
)

// MemoryBackend keeps state in process memory. Values do not survive a
// restart; it is meant for tests and ephemeral deployments.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[interfaces.StateKey][]byte
	name   string
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(name string) *MemoryBackend {
	if name == "" {
		name = "default"
	}
	return &MemoryBackend{
		values: make(map[interfaces.StateKey][]byte),
		name:   name,
	}
}

// Get returns a copy of the value stored under key.
func (b *MemoryBackend) Get(ctx context.Context, key interfaces.StateKey) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	value, ok := b.values[key]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return bytes.Clone(value), nil
}

// Put stores a copy of value under key.
func (b *MemoryBackend) Put(ctx context.Context, key interfaces.StateKey, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	stored := bytes.Clone(value)
	if stored == nil {
		stored = []byte{}
	}
	b.values[key] = stored
	return nil
}

// Delete removes key.
func (b *MemoryBackend) Delete(ctx context.Context, key interfaces.StateKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.values, key)
	return nil
}

// Available always reports true.
func (b *MemoryBackend) Available(ctx context.Context) bool {
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *MemoryBackend) Name() string {
	return fmt.Sprintf("memory-%s", b.name)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *MemoryBackend) LocationURI() string {
	return fmt.Sprintf("memory://%s", b.name)
}
