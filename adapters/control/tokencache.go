package control

import (
	"sync"
	"time"
)

// InvalidToken is the session id a vendor returns for "not logged in".
const InvalidToken = "0000000000000000"

// FritzBoxSessionTTL stays below the router's 20 minute idle timeout.
const FritzBoxSessionTTL = 18 * time.Minute

type cacheEntry struct {
	token     string
	expiresAt time.Time
}

// TokenCache holds credentials per key (host, or host plus device
// identifier). It is safe for concurrent use; concurrent writers for the
// same key simply overwrite each other.
type TokenCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewTokenCache creates a cache whose entries live for ttl. A ttl of zero
// keeps entries until they are invalidated. now may be nil.
func NewTokenCache(ttl time.Duration, now func() time.Time) *TokenCache {
	if now == nil {
		now = time.Now
	}
	return &TokenCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     now,
	}
}

// Get returns the token for key if it is valid.
func (c *TokenCache) Get(key string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.valid(entry) {
		return "", false
	}
	return entry.token, true
}

// IsValid reports whether key holds a present, non-sentinel, unexpired token.
func (c *TokenCache) IsValid(key string) bool {
	_, ok := c.Get(key)
	return ok
}

func (c *TokenCache) valid(entry cacheEntry) bool {
	if entry.token == "" || entry.token == InvalidToken {
		return false
	}
	return entry.expiresAt.IsZero() || c.now().Before(entry.expiresAt)
}

// Put stores token with the cache's default TTL.
func (c *TokenCache) Put(key, token string) {
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = c.now().Add(c.ttl)
	}
	c.PutUntil(key, token, expiresAt)
}

// PutUntil stores token with an explicit expiry.
func (c *TokenCache) PutUntil(key, token string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{token: token, expiresAt: expiresAt}
}

// Invalidate clears key, typically after an authorization failure.
func (c *TokenCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
