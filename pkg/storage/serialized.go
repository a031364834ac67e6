package storage

import (
	"context"
	"sync"
)

// UpdateFunc receives the current value of a key (ok is false when absent)
// and returns the value to store. Returning a nil slice removes the key.
type UpdateFunc func(current []byte, ok bool) ([]byte, error)

// Queue is a Storage whose writes to a single key are serialized, with an
// atomic read-modify-write primitive.
type Queue interface {
	Storage
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// Serialized wraps s so that writes to the same key are queued one at a time.
// Writes to different keys proceed independently.
func Serialized(s Storage) Queue {
	if q, ok := s.(Queue); ok {
		return q
	}

	return &serialized{inner: s, locks: make(map[string]*sync.Mutex)}
}

type serialized struct {
	inner Storage

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (s *serialized) lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()

	l.Lock()

	return l.Unlock
}

func (s *serialized) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.inner.Get(ctx, key)
}

func (s *serialized) Set(ctx context.Context, key string, value []byte) error {
	defer s.lock(key)()
	return s.inner.Set(ctx, key, value)
}

func (s *serialized) Remove(ctx context.Context, key string) error {
	defer s.lock(key)()
	return s.inner.Remove(ctx, key)
}

func (s *serialized) Update(ctx context.Context, key string, fn UpdateFunc) error {
	defer s.lock(key)()

	cur, ok, err := s.inner.Get(ctx, key)
	if err != nil {
		return err
	}

	next, err := fn(cur, ok)
	if err != nil {
		return err
	}

	if next == nil {
		return s.inner.Remove(ctx, key)
	}

	return s.inner.Set(ctx, key, next)
}
