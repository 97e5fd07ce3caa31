package controlplane

import (
	"context"
	"sync"
	"time"
)

type memCounter struct {
	value     int64
	expiresAt time.Time
}

// MemoryStore is a single-process Store for tests and lite deployments.
// It is safe for concurrent use.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	records  map[string]Record
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memCounter),
		records:  make(map[string]Record),
		now:      time.Now,
	}
}

// WithClock overrides the store clock.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

func (s *MemoryStore) Add(_ context.Context, key string, delta, limit int64, ttl time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || expired(c.expiresAt, now) {
		c = &memCounter{expiresAt: expiryFrom(now, ttl)}
		s.counters[key] = c
	}

	next := c.value + delta
	if delta > 0 && limit > 0 && next > limit {
		return c.value, false, nil
	}
	if next < 0 {
		next = 0
	}
	c.value = next
	return c.value, true, nil
}

func (s *MemoryStore) Counter(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || expired(c.expiresAt, s.now()) {
		return 0, nil
	}
	return c.value, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || expired(rec.ExpiresAt, s.now()) {
		return Record{}, ErrNotFound
	}
	rec.Value = append([]byte(nil), rec.Value...)
	return rec, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, key string, expected int64, value []byte, ttl time.Duration) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var current int64
	if rec, ok := s.records[key]; ok && !expired(rec.ExpiresAt, now) {
		current = rec.Version
	}
	if current != expected {
		return Record{}, false, nil
	}

	rec := Record{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   newVersion(),
		ExpiresAt: expiryFrom(now, ttl),
	}
	s.records[key] = rec
	return rec, true, nil
}

func (s *MemoryStore) CompareAndDelete(_ context.Context, key string, expected int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || expired(rec.ExpiresAt, s.now()) || rec.Version != expected {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }
