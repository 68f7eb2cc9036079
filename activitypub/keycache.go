package activitypub

import (
	"sync"
	"time"
)

// DefaultKeyTTL is how long a fetched public key stays valid without
// re-fetching. Keys are also invalidated early when verification fails, to
// tolerate rotation.
const DefaultKeyTTL = time.Hour

type keyEntry struct {
	pem       string
	fetchedAt time.Time
}

// KeyCache holds remote public keys by keyId. Safe for concurrent use by
// many inbound-delivery handlers; last writer wins, which is fine because a
// stale key self-heals on the verification retry.
type KeyCache struct {
	mu      sync.RWMutex
	entries map[string]keyEntry
	ttl     time.Duration
}

func NewKeyCache(ttl time.Duration) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	return &KeyCache{
		entries: make(map[string]keyEntry),
		ttl:     ttl,
	}
}

// Get returns the cached PEM for a keyId, or false when absent or expired.
func (c *KeyCache) Get(keyId string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[keyId]
	c.mu.RUnlock()
	if !ok || time.Since(entry.fetchedAt) > c.ttl {
		return "", false
	}
	return entry.pem, true
}

func (c *KeyCache) Set(keyId, pem string) {
	c.mu.Lock()
	c.entries[keyId] = keyEntry{pem: pem, fetchedAt: time.Now()}
	c.mu.Unlock()
}

// Invalidate drops a cached key, forcing the next verification to re-fetch.
func (c *KeyCache) Invalidate(keyId string) {
	c.mu.Lock()
	delete(c.entries, keyId)
	c.mu.Unlock()
}
