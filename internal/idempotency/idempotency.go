// Package idempotency lets API clients retry order placement safely. A client
// sends an Idempotency-Key; the first request claims it, and later requests
// with the same key get the order the first one created.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrInFlight means another request holding the same key has not finished.
var ErrInFlight = errors.New("request with this idempotency key is in progress")

// Store claims keys and remembers their result.
type Store interface {
	// Reserve claims key. It returns the stored order ID if an earlier request
	// with the key completed, "" if the caller now owns the key, or ErrInFlight.
	Reserve(ctx context.Context, key string) (string, error)
	// Complete records the order created under key.
	Complete(ctx context.Context, key, orderID string) error
	// Abandon releases key after a failed attempt so the client can retry.
	Abandon(ctx context.Context, key string) error
}

type memoryEntry struct {
	orderID string
	expires time.Time
}

// MemoryStore is a process-local Store for tests and single-node runs.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Reserve(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expires) {
		if e.orderID == "" {
			return "", ErrInFlight
		}
		return e.orderID, nil
	}
	s.entries[key] = memoryEntry{expires: now.Add(s.ttl)}
	return "", nil
}

func (s *MemoryStore) Complete(_ context.Context, key, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{orderID: orderID, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
