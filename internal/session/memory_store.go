package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	blob      string
	ttl       time.Duration
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.After(e.expiresAt)
}

// MemoryStore is a process-local Store with sliding-expiration semantics.
// Entries are not shared across instances and are lost on restart; it is
// suited to single-instance deployments and tests. Expired entries are
// purged lazily on access and enumeration.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

// Get retrieves the blob for a conversation and refreshes its expiration
// window. A missing or expired entry returns ok=false.
func (s *MemoryStore) Get(_ context.Context, conversationID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[conversationID]
	if !ok {
		return "", false, nil
	}

	now := time.Now()
	if entry.expired(now) {
		delete(s.entries, conversationID)
		return "", false, nil
	}

	// Sliding window: reading counts as access.
	if entry.ttl > 0 {
		entry.expiresAt = now.Add(entry.ttl)
	}
	return entry.blob, true, nil
}

// Set upserts the blob and resets the expiration window to ttl from now.
// A ttl of zero or less disables expiration for the entry.
func (s *MemoryStore) Set(_ context.Context, conversationID, blob string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[conversationID] = &memoryEntry{
		blob:      blob,
		ttl:       ttl,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Delete removes the entry for a conversation. Missing entries are a no-op.
func (s *MemoryStore) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, conversationID)
	return nil
}

// ListKeys returns the IDs of live entries. Entries that have expired but
// not yet been purged are filtered out, so the result reflects actual
// liveness at the time of the call.
func (s *MemoryStore) ListKeys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	keys := make([]string, 0, len(s.entries))
	for id, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, id)
			continue
		}
		keys = append(keys, id)
	}
	return keys, nil
}
