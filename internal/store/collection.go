package store

import (
	"context"
	"fmt"
)

// Collection is a typed view over one bucket. Callers keep the raw bytes
// returned by Get/Scan/Swap and pass them back as prev on the next Swap.
type Collection[T any] struct {
	backend Backend
	bucket  string
}

func NewCollection[T any](backend Backend, bucket string) *Collection[T] {
	return &Collection[T]{backend: backend, bucket: bucket}
}

func (c *Collection[T]) Bucket() string {
	return c.bucket
}

func (c *Collection[T]) Get(ctx context.Context, key string) (*T, []byte, bool, error) {
	raw, ok, err := c.backend.Get(ctx, c.bucket, key)
	if err != nil || !ok {
		return nil, nil, ok, err
	}
	var value T
	if err := Unmarshal(raw, &value); err != nil {
		return nil, nil, false, fmt.Errorf("decode %s/%s: %w", c.bucket, key, err)
	}
	return &value, raw, true, nil
}

func (c *Collection[T]) Scan(ctx context.Context, fn func(key string, value *T, raw []byte) error) error {
	return c.backend.Scan(ctx, c.bucket, func(key string, raw []byte) error {
		var value T
		if err := Unmarshal(raw, &value); err != nil {
			return fmt.Errorf("decode %s/%s: %w", c.bucket, key, err)
		}
		return fn(key, &value, raw)
	})
}

// Swap writes next (or deletes the key when next is nil) if the stored bytes
// still equal prev, returning the new stored bytes. ErrConflict means
// someone else wrote the key since prev was read.
func (c *Collection[T]) Swap(ctx context.Context, key string, prev []byte, next *T) ([]byte, error) {
	var raw []byte
	if next != nil {
		encoded, err := Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode %s/%s: %w", c.bucket, key, err)
		}
		raw = encoded
	}
	ok, err := c.backend.CompareAndSwap(ctx, c.bucket, key, prev, raw)
	if err != nil {
		return nil, fmt.Errorf("write %s/%s: %w", c.bucket, key, err)
	}
	if !ok {
		return nil, fmt.Errorf("write %s/%s: %w", c.bucket, key, ErrConflict)
	}
	return raw, nil
}
