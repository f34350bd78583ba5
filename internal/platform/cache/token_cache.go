package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ehr/acquisition/internal/platform/auth"
)

// TokenCache stores OAuth2 access tokens in Redis so every worker reuses the
// same token per facility.
type TokenCache struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewTokenCache(client redis.UniversalClient) *TokenCache {
	return &TokenCache{client: client, now: time.Now}
}

var _ auth.TokenCache = (*TokenCache)(nil)

func tokenKey(facilityID string) string {
	return KeyPrefix + "token:" + facilityID
}

func (c *TokenCache) Get(ctx context.Context, facilityID string) (auth.Token, bool, error) {
	data, err := c.client.Get(ctx, tokenKey(facilityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return auth.Token{}, false, nil
	}
	if err != nil {
		return auth.Token{}, false, fmt.Errorf("get token: %w", err)
	}
	var tok auth.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return auth.Token{}, false, fmt.Errorf("decode token: %w", err)
	}
	return tok, true, nil
}

// Set stores the token until it expires. Already expired tokens are not
// stored.
func (c *TokenCache) Set(ctx context.Context, facilityID string, tok auth.Token) error {
	ttl := tok.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := c.client.Set(ctx, tokenKey(facilityID), data, ttl).Err(); err != nil {
		return fmt.Errorf("set token: %w", err)
	}
	return nil
}

func (c *TokenCache) Delete(ctx context.Context, facilityID string) error {
	return c.client.Del(ctx, tokenKey(facilityID)).Err()
}
