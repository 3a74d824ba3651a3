package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

type bboltBackend struct {
	db *bolt.DB
}

func NewBboltBackend(path string) (Backend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("store db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := initBboltSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltBackend{db: db}, nil
}

func initBboltSchema(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *bboltBackend) Get(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	var (
		out []byte
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrUnknownBucket
		}
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		out = bytes.Clone(raw)
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, ok, nil
}

func (s *bboltBackend) Put(ctx context.Context, bucket, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrUnknownBucket
		}
		return b.Put([]byte(key), value)
	})
}

// Scan decodes inside a read transaction; values are copied because bbolt
// memory is only valid until the transaction ends.
func (s *bboltBackend) Scan(ctx context.Context, bucket string, fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrUnknownBucket
		}
		return b.ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(string(k), bytes.Clone(v))
		})
	})
}

func (s *bboltBackend) CompareAndSwap(ctx context.Context, bucket, key string, prev, next []byte) (bool, error) {
	swapped := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrUnknownBucket
		}
		current := b.Get([]byte(key))
		if !casMatches(current, current != nil, prev) {
			return nil
		}
		swapped = true
		if next == nil {
			return b.Delete([]byte(key))
		}
		return b.Put([]byte(key), next)
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *bboltBackend) Name() string {
	return BackendBbolt
}

func (s *bboltBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
