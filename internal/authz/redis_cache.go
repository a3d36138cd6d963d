package authz

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"atelier/api/internal/rbac"
)

// CachedRoles fronts a Roles resolver with a redis cache. A cache miss or a
// redis failure falls through to the inner resolver; a failure never blocks
// an authorization decision, it only skips the cache.
type CachedRoles struct {
	inner  Roles
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewCachedRoles(redisURL string, inner Roles, ttl time.Duration) (*CachedRoles, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &CachedRoles{inner: inner, client: client, ttl: ttl, prefix: "role:"}, nil
}

// NewCachedRolesWithClient builds a cache from an existing client, used by
// tests running against miniredis.
func NewCachedRolesWithClient(client *redis.Client, inner Roles, ttl time.Duration) *CachedRoles {
	return &CachedRoles{inner: inner, client: client, ttl: ttl, prefix: "role:"}
}

func (c *CachedRoles) key(userID, organizationID string) string {
	return c.prefix + organizationID + ":" + userID
}

func (c *CachedRoles) Role(ctx context.Context, userID, organizationID string) (rbac.Role, error) {
	key := c.key(userID, organizationID)
	cached, err := c.client.Get(ctx, key).Result()
	if err == nil {
		return rbac.Normalize(cached), nil
	}
	if err != redis.Nil {
		log.Printf("authz: role cache read failed, falling through: %v", err)
	}

	role, err := c.inner.Role(ctx, userID, organizationID)
	if err != nil {
		return rbac.RoleNone, err
	}

	if err := c.client.Set(ctx, key, string(role), c.ttl).Err(); err != nil {
		log.Printf("authz: role cache write failed: %v", err)
	}
	return role, nil
}

// Invalidate drops the cached role, used when a membership changes.
func (c *CachedRoles) Invalidate(ctx context.Context, userID, organizationID string) error {
	return c.client.Del(ctx, c.key(userID, organizationID)).Err()
}

func (c *CachedRoles) Close() error {
	return c.client.Close()
}
