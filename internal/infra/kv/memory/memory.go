// Package memory provides a thread-safe in-memory kv.Store.
// Suitable for tests, demos and sessions that must not outlive the process.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vietddude/netsession/internal/infra/kv"
)

// Store is a map-backed kv.Store. Capacity bounds the total bytes held
// (keys plus values); zero means unbounded.
type Store struct {
	mu       sync.RWMutex
	data     map[string]string
	size     int
	capacity int

	// failures is consumed by the next calls, one error per call.
	failures []error
	writes   int
}

var _ kv.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore(capacity int) *Store {
	return &Store{
		data:     make(map[string]string),
		capacity: capacity,
	}
}

// FailNext makes the next len(errs) calls return the given errors in order.
func (s *Store) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// Writes returns the number of successful Set calls.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func (s *Store) popFailure() error {
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.popFailure(); err != nil {
		return "", false, err
	}
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.popFailure(); err != nil {
		return err
	}

	newSize := s.size + len(key) + len(value)
	if old, ok := s.data[key]; ok {
		newSize -= len(key) + len(old)
	}
	if s.capacity > 0 && newSize > s.capacity {
		return kv.ErrValueTooLarge
	}

	s.data[key] = value
	s.size = newSize
	s.writes++
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.popFailure(); err != nil {
		return err
	}
	if old, ok := s.data[key]; ok {
		s.size -= len(key) + len(old)
		delete(s.data, key)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.popFailure(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
