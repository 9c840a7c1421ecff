// Package memorystore implements storage.Cache in process memory. Expired
// records are dropped lazily when they are next touched.
package memorystore

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/plugins/storage"
)

// Option configures the store.
type Option func(*Store)

// WithClock replaces time.Now, letting tests advance time.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns an empty in-memory cache.
func New(opts ...Option) *Store {
	s := &Store{
		data: map[string]entry{},
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type entry struct {
	fields    map[string]string
	expiresAt time.Time // Zero means no TTL.
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is a storage.Cache held in a map.
type Store struct {
	data map[string]entry
	now  func() time.Time
	mu   sync.RWMutex
}

func (s *Store) Put(_ context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return errors.Kindf(errors.Validation, "memorystore: no fields to write for %q", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry{fields: maps.Clone(fields)}
	return nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return errors.Mark(storage.ErrNotConfirmed, 0)
	}
	if ttl <= 0 {
		delete(s.data, key)
		return nil
	}
	e.expiresAt = s.now().Add(ttl)
	s.data[key] = e
	return nil
}

func (s *Store) Get(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, errors.Mark(storage.ErrNotFound, 0)
	}
	return maps.Clone(e.fields), nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(key)
	return ok, nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(key)
	delete(s.data, key)
	return ok, nil
}

func (s *Store) Close() error {
	return nil
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.data {
		if _, ok := s.live(k); ok {
			n++
		}
	}
	return n
}

// live returns the entry at key, evicting it if it has expired. Callers hold
// the write lock.
func (s *Store) live(key string) (entry, bool) {
	e, ok := s.data[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.now()) {
		delete(s.data, key)
		return entry{}, false
	}
	return e, true
}
