package store

import (
	"context"
	"errors"
	"strings"
)

const (
	BackendMemory = "memory"
	BackendBbolt  = "bbolt"
	BackendSQLite = "sqlite"
)

const (
	BucketRunners  = "runners"
	BucketProjects = "projects"
	BucketSessions = "sessions"
)

var buckets = []string{BucketRunners, BucketProjects, BucketSessions}

var (
	ErrConflict      = errors.New("store: compare-and-swap conflict")
	ErrUnknownBucket = errors.New("store: unknown bucket")
)

// Backend is a bucketed key/value store with an atomic compare-and-swap.
//
// CompareAndSwap replaces the value at key with next only when the stored
// bytes equal prev. A nil prev means the key must be absent; a nil next
// deletes the key.
type Backend interface {
	Get(ctx context.Context, bucket, key string) ([]byte, bool, error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	Scan(ctx context.Context, bucket string, fn func(key string, value []byte) error) error
	CompareAndSwap(ctx context.Context, bucket, key string, prev, next []byte) (bool, error)
	Name() string
	Close() error
}

func Open(backend, path string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendBbolt:
		if strings.TrimSpace(path) == "" {
			return nil, errors.New("db path is required for bbolt backend")
		}
		return NewBboltBackend(path)
	case BackendSQLite:
		if strings.TrimSpace(path) == "" {
			return nil, errors.New("db path is required for sqlite backend")
		}
		return NewSQLiteBackend(path)
	case BackendMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, errors.New("unsupported storage backend: " + backend)
	}
}

func knownBucket(bucket string) bool {
	for _, name := range buckets {
		if name == bucket {
			return true
		}
	}
	return false
}
