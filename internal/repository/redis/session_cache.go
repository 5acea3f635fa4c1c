package redis

import (
	"context"
	"fmt"
	"time"

	"volunteer-auth-service/internal/client"
)

const revokedSessionPrefix = "session:revoked:"

// SessionCache remembers signed-out tokens by their jti until the token
// would have expired anyway. Tokens themselves are stateless.
type SessionCache struct {
	client *client.RedisClient
	now    func() time.Time
}

func NewSessionCache(c *client.RedisClient) *SessionCache {
	return &SessionCache{client: c, now: time.Now}
}

func revokedKey(tokenID string) string {
	return revokedSessionPrefix + tokenID
}

// Revoke marks tokenID as signed out. An already expired token needs no entry.
func (c *SessionCache) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(c.now())
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Client.Set(ctx, revokedKey(tokenID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

func (c *SessionCache) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := c.client.Client.Exists(ctx, revokedKey(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return n > 0, nil
}
