// Package session provides keyed persistence of opaque conversation state
// blobs with sliding expiration.
//
// A conversation maps to at most one stored entry at a time. Individual
// Get/Set/Delete calls are atomic but sequences of calls are not
// transactional: two concurrent turns for the same conversation both read
// the same prior blob and the later Set wins. Consumers that need stronger
// guarantees must serialize turns themselves.
package session

import (
	"context"
	"time"
)

// KeyPrefix is the default prefix applied to conversation IDs to form
// storage keys.
const KeyPrefix = "session:"

// Store is the keyed blob store backing conversation persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the blob for a conversation. A missing entry is not
	// an error: it returns ok=false with a nil error, which also
	// distinguishes a missing entry from a stored empty string.
	// Implementations may additionally refresh the entry's expiration
	// window on read; MemoryStore always does, RedisStore only when
	// configured with WithReadRefresh.
	Get(ctx context.Context, conversationID string) (blob string, ok bool, err error)

	// Set upserts the blob for a conversation and resets its expiration
	// window to ttl measured from now. Safe to retry.
	Set(ctx context.Context, conversationID, blob string, ttl time.Duration) error

	// Delete removes the entry for a conversation. Deleting a missing
	// entry is a no-op.
	Delete(ctx context.Context, conversationID string) error

	// ListKeys enumerates the conversation IDs of currently live entries.
	// Enumeration is best-effort: it may race with concurrent writes and
	// expirations.
	ListKeys(ctx context.Context) ([]string, error)
}
