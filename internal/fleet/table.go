package fleet

import (
	"context"
	"errors"
	"sort"
	"sync"

	"stratavore/internal/store"
)

type mutation int

const (
	keep mutation = iota
	write
	drop
)

var errSlotExists = errors.New("record already exists")

// slot guards one record. rec is nil once the record is dropped, and raw
// holds the stored bytes used as the compare-and-swap precondition.
type slot[T any] struct {
	mu  sync.Mutex
	rec *T
	raw []byte
}

// table is an in-memory index of records backed by a store collection.
// The map lock is held only to find, insert or remove slots; record reads
// and writes happen under the slot's own lock. A slot lock may be held
// while taking the map lock, never the other way around.
type table[T any] struct {
	name  string
	col   *store.Collection[T]
	clone func(*T) *T

	mu    sync.RWMutex
	slots map[string]*slot[T]
}

func newTable[T any](name string, col *store.Collection[T], clone func(*T) *T) *table[T] {
	return &table[T]{
		name:  name,
		col:   col,
		clone: clone,
		slots: map[string]*slot[T]{},
	}
}

func (t *table[T]) load(ctx context.Context) error {
	return t.col.Scan(ctx, func(key string, value *T, raw []byte) error {
		t.mu.Lock()
		t.slots[key] = &slot[T]{rec: value, raw: raw}
		t.mu.Unlock()
		return nil
	})
}

func (t *table[T]) lookup(id string) *slot[T] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slots[id]
}

func (t *table[T]) get(id string) (*T, bool) {
	s := t.lookup(id)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, false
	}
	return t.clone(s.rec), true
}

func (t *table[T]) insert(ctx context.Context, id string, rec *T) (*T, error) {
	s := &slot[T]{}
	s.mu.Lock()
	defer s.mu.Unlock()

	t.mu.Lock()
	if _, ok := t.slots[id]; ok {
		t.mu.Unlock()
		return nil, errSlotExists
	}
	t.slots[id] = s
	t.mu.Unlock()

	raw, err := t.col.Swap(ctx, id, nil, rec)
	if err != nil {
		t.remove(id, s)
		return nil, storageError("persist "+t.name+" "+id, err)
	}
	s.rec = rec
	s.raw = raw
	return t.clone(rec), nil
}

// mutate runs fn against a copy of the current record while holding the
// record's lock. Memory is only updated after the store accepts the write.
func (t *table[T]) mutate(ctx context.Context, id string, fn func(cur *T) (*T, mutation, error)) (*T, error) {
	s := t.lookup(id)
	if s == nil {
		return nil, notFoundError("%s %q not found", t.name, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, notFoundError("%s %q not found", t.name, id)
	}

	next, m, err := fn(t.clone(s.rec))
	if err != nil {
		return nil, err
	}
	switch m {
	case write:
		raw, err := t.col.Swap(ctx, id, s.raw, next)
		if err != nil {
			return nil, storageError("persist "+t.name+" "+id, err)
		}
		s.rec = next
		s.raw = raw
		return t.clone(next), nil
	case drop:
		if _, err := t.col.Swap(ctx, id, s.raw, nil); err != nil {
			return nil, storageError("delete "+t.name+" "+id, err)
		}
		prev := s.rec
		s.rec = nil
		s.raw = nil
		t.remove(id, s)
		return prev, nil
	default:
		return t.clone(s.rec), nil
	}
}

func (t *table[T]) remove(id string, s *slot[T]) {
	t.mu.Lock()
	if t.slots[id] == s {
		delete(t.slots, id)
	}
	t.mu.Unlock()
}

// pinned copies the slot pointers in key order so callers can visit each
// record under its own lock without holding the map lock.
func (t *table[T]) pinned() []*slot[T] {
	t.mu.RLock()
	keys := make([]string, 0, len(t.slots))
	for key := range t.slots {
		keys = append(keys, key)
	}
	t.mu.RUnlock()
	sort.Strings(keys)

	out := make([]*slot[T], 0, len(keys))
	t.mu.RLock()
	for _, key := range keys {
		if s, ok := t.slots[key]; ok {
			out = append(out, s)
		}
	}
	t.mu.RUnlock()
	return out
}

// each visits every live record under its slot lock. fn must not retain or
// modify the record.
func (t *table[T]) each(fn func(rec *T)) {
	for _, s := range t.pinned() {
		s.mu.Lock()
		if s.rec != nil {
			fn(s.rec)
		}
		s.mu.Unlock()
	}
}

func (t *table[T]) snapshot(filter func(rec *T) bool) []*T {
	out := make([]*T, 0)
	t.each(func(rec *T) {
		if filter == nil || filter(rec) {
			out = append(out, t.clone(rec))
		}
	})
	return out
}

func (t *table[T]) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots)
}
