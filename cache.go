package main

import (
	"sync"
	"time"
)

// IdentityCache provides thread-safe caching for resolved credentials so
// repeated requests on the same token skip the parse-and-lookup path.
// Entries expire individually; the TTL is kept short so expiry and
// revocation lag stay bounded.
type IdentityCache struct {
	mu      sync.RWMutex
	entries map[string]cachedIdentity
	ttl     time.Duration
}

type cachedIdentity struct {
	user      User
	expiresAt time.Time
}

// sweepThreshold is the entry count above which Set also evicts whatever has
// expired, so churny token sets cannot grow the map without bound.
const sweepThreshold = 1024

// NewIdentityCache creates a new identity cache with the specified TTL.
func NewIdentityCache(ttl time.Duration) *IdentityCache {
	return &IdentityCache{
		entries: make(map[string]cachedIdentity),
		ttl:     ttl,
	}
}

// Get retrieves the user cached under token if the entry has not expired.
// Returns a copy and a boolean indicating a cache hit.
func (c *IdentityCache) Get(token string) (*User, bool) {
	c.mu.RLock()
	entry, ok := c.entries[token]
	c.mu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}

	user := entry.user
	return &user, true
}

// Set stores a resolved user under its bearer token.
func (c *IdentityCache) Set(token string, user User) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[token] = cachedIdentity{
		user:      user,
		expiresAt: time.Now().Add(c.ttl),
	}

	if len(c.entries) > sweepThreshold {
		now := time.Now()
		for key, entry := range c.entries {
			if now.After(entry.expiresAt) {
				delete(c.entries, key)
			}
		}
	}
}

// Clear removes every cached entry.
func (c *IdentityCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cachedIdentity)
}

// Size returns the number of cached entries, expired ones included.
func (c *IdentityCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}
