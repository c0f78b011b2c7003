package storage

import (
	"context"
	"slices"
	"sync"
)

// MemoryArchive is a simple map-backed archive used for testing.
type MemoryArchive struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte // bucket -> key -> payload
}

// NewMemoryArchive constructs an in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{data: make(map[string]map[string][]byte)}
}

func (m *MemoryArchive) Store(ctx context.Context, bucket, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[bucket]; !ok {
		m.data[bucket] = make(map[string][]byte)
	}
	m.data[bucket][key] = append([]byte{}, data...)
	return nil
}

func (m *MemoryArchive) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payload, ok := m.data[bucket][key]
	if !ok {
		return nil, &NotFoundError{Resource: bucket, Key: key}
	}
	return append([]byte{}, payload...), nil
}

func (m *MemoryArchive) List(ctx context.Context, bucket string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data[bucket]))
	for key := range m.data[bucket] {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *MemoryArchive) Remove(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[bucket], key)
	return nil
}

func (m *MemoryArchive) Close() error { return nil }
