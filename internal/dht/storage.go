package dht

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type storedRecord struct {
	value  []byte
	expiry time.Time
}

// Storage is the in-memory record store. Writes pass through the
// validator; reads past expiry miss.
type Storage struct {
	mu        sync.Mutex
	clock     clock.Clock
	ttl       time.Duration
	validator Validator
	records   map[string]storedRecord
}

// NewStorage creates an empty store with the given record TTL.
func NewStorage(c clock.Clock, ttl time.Duration, validator Validator) *Storage {
	return &Storage{
		clock:     c,
		ttl:       ttl,
		validator: validator,
		records:   make(map[string]storedRecord),
	}
}

// Put validates and stores a value. An existing live entry is replaced
// only if the validator's Select prefers the new value.
func (s *Storage) Put(key, value []byte) error {
	if err := s.validator.Validate(key, value); err != nil {
		return fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.records[string(key)]; ok && old.expiry.After(now) {
		best, err := s.validator.Select(key, [][]byte{value, old.value})
		if err == nil && best != 0 {
			// Keep the stored value.
			return nil
		}
	}

	s.records[string(key)] = storedRecord{
		value:  value,
		expiry: now.Add(s.ttl),
	}
	return nil
}

// Get returns the stored value and its expiry. Expired entries miss.
func (s *Storage) Get(key []byte) ([]byte, time.Time, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[string(key)]
	if !ok || !rec.expiry.After(now) {
		return nil, time.Time{}, ErrNotFound
	}
	return rec.value, rec.expiry, nil
}

// Size returns the number of live records.
func (s *Storage) Size() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, rec := range s.records {
		if rec.expiry.After(now) {
			total++
		}
	}
	return total
}

// sweepExpired drops dead entries.
func (s *Storage) sweepExpired() {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rec := range s.records {
		if !rec.expiry.After(now) {
			delete(s.records, key)
		}
	}
}
