// Package ingestauth gates the stream-ingest authorization callback. Media
// edges call in before accepting inbound video; the package resolves the
// session's stream-key hash (caching it for the broadcast's lifetime) and
// tracks abusive keys in a temporary block cache.
package ingestauth

import (
	"sync"
	"time"
)

// TokenCache holds resolved stream-key hashes keyed by session id. Entries
// carry no TTL: a token is valid exactly as long as its session is live, and
// the registry deletes the entry when the session ends.
type TokenCache struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewTokenCache initialises an empty token cache.
func NewTokenCache() *TokenCache {
	return &TokenCache{tokens: make(map[string]string)}
}

// Get returns the cached token hash for a session.
func (c *TokenCache) Get(sessionID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	token, ok := c.tokens[sessionID]
	return token, ok
}

// Set caches the token hash for a session.
func (c *TokenCache) Set(sessionID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[sessionID] = token
}

// Delete removes a session's token. Called by the registry on session end;
// correctness relies on this explicit invalidation.
func (c *TokenCache) Delete(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, sessionID)
}

// BlockCache tracks stream keys temporarily barred after repeated
// authorization failures. Expiry is advisory: no timer runs, and expired
// entries are removed incidentally during lookups.
type BlockCache struct {
	mu      sync.Mutex
	blocked map[string]time.Time
	clock   func() time.Time
}

// NewBlockCache initialises an empty block cache.
func NewBlockCache() *BlockCache {
	return &BlockCache{
		blocked: make(map[string]time.Time),
		clock:   time.Now,
	}
}

// SetClock overrides the time source for tests.
func (c *BlockCache) SetClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// Get reports whether the stream key is currently blocked. Every lookup also
// sweeps any other entries whose deadline has passed, so the cache shrinks as
// a side effect of the authorization traffic that grows it.
func (c *BlockCache) Get(streamKey string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	for key, until := range c.blocked {
		if !until.After(now) {
			delete(c.blocked, key)
		}
	}
	until, ok := c.blocked[streamKey]
	return until, ok
}

// Block bars the stream key until the given deadline.
func (c *BlockCache) Block(streamKey string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[streamKey] = until
}
