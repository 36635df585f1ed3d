package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps keys in process. Used by tests and the memory persistence mode.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Begin(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	id := documentID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[id]
	if ok && !existing.expired(now) {
		return resolve(existing, fingerprint)
	}
	entry := pendingEntry(key, fingerprint, now, ttl)
	s.entries[id] = entry
	return OutcomeFresh, entry, nil
}

func (s *MemoryStore) Finish(_ context.Context, key, fingerprint string, snap Snapshot, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now = now.UTC()
	id := documentID(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if ok && entry.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if !ok {
		entry = Entry{Key: key, Fingerprint: fingerprint}
	}
	s.entries[id] = complete(entry, snap, now, ttl)
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, documentID(key))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.entries {
		if limit > 0 && removed >= limit {
			break
		}
		if entry.expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}
