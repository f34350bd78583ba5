package auth

import (
	"context"
	"sync"
	"time"
)

// Token is a cached OAuth2 access token.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TokenCache stores one access token per facility. Implementations must be
// safe for concurrent use.
type TokenCache interface {
	Get(ctx context.Context, facilityID string) (Token, bool, error)
	Set(ctx context.Context, facilityID string, token Token) error
	Delete(ctx context.Context, facilityID string) error
}

// MemoryTokenCache is a process-local TokenCache.
type MemoryTokenCache struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{tokens: make(map[string]Token)}
}

func (c *MemoryTokenCache) Get(_ context.Context, facilityID string) (Token, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tokens[facilityID]
	return t, ok, nil
}

func (c *MemoryTokenCache) Set(_ context.Context, facilityID string, token Token) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[facilityID] = token
	return nil
}

func (c *MemoryTokenCache) Delete(_ context.Context, facilityID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokens, facilityID)
	return nil
}
