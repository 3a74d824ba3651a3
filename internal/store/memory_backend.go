package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

type memoryBackend struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

func NewMemoryBackend() Backend {
	data := make(map[string]map[string][]byte, len(buckets))
	for _, name := range buckets {
		data[name] = map[string][]byte{}
	}
	return &memoryBackend{data: data}
}

func (m *memoryBackend) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[bucket]
	if !ok {
		return nil, false, ErrUnknownBucket
	}
	value, ok := b[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(value), true, nil
}

func (m *memoryBackend) Put(ctx context.Context, bucket, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[bucket]
	if !ok {
		return ErrUnknownBucket
	}
	b[key] = bytes.Clone(value)
	return nil
}

func (m *memoryBackend) Scan(ctx context.Context, bucket string, fn func(key string, value []byte) error) error {
	m.mu.RLock()
	b, ok := m.data[bucket]
	if !ok {
		m.mu.RUnlock()
		return ErrUnknownBucket
	}
	keys := make([]string, 0, len(b))
	values := make(map[string][]byte, len(b))
	for key, value := range b {
		keys = append(keys, key)
		values[key] = bytes.Clone(value)
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(key, values[key]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryBackend) CompareAndSwap(ctx context.Context, bucket, key string, prev, next []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[bucket]
	if !ok {
		return false, ErrUnknownBucket
	}
	current, exists := b[key]
	if !casMatches(current, exists, prev) {
		return false, nil
	}
	if next == nil {
		delete(b, key)
		return true, nil
	}
	b[key] = bytes.Clone(next)
	return true, nil
}

func (m *memoryBackend) Name() string {
	return BackendMemory
}

func (m *memoryBackend) Close() error {
	return nil
}

func casMatches(current []byte, exists bool, prev []byte) bool {
	if prev == nil {
		return !exists
	}
	return exists && bytes.Equal(current, prev)
}
