// internal/cache/entitlements.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EntitlementCache keeps each tenant's enabled module set in Redis so the module
// gate does not hit Postgres on every request.
type EntitlementCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewEntitlementCache(client *redis.Client, ttl time.Duration) *EntitlementCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &EntitlementCache{client: client, ttl: ttl}
}

func entitlementKey(tenantID string) string {
	return fmt.Sprintf("entitlements:%s", tenantID)
}

// Get returns the cached modules and whether the key was present.
func (c *EntitlementCache) Get(ctx context.Context, tenantID string) ([]string, bool, error) {
	raw, err := c.client.Get(ctx, entitlementKey(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read entitlements cache: %w", err)
	}

	var modules []string
	if err := json.Unmarshal(raw, &modules); err != nil {
		// corrupt entry; drop it and fall back to the database
		_ = c.client.Del(ctx, entitlementKey(tenantID)).Err()
		return nil, false, nil
	}
	return modules, true, nil
}

func (c *EntitlementCache) Set(ctx context.Context, tenantID string, modules []string) error {
	if modules == nil {
		modules = []string{}
	}
	raw, err := json.Marshal(modules)
	if err != nil {
		return fmt.Errorf("failed to encode entitlements: %w", err)
	}
	if err := c.client.Set(ctx, entitlementKey(tenantID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write entitlements cache: %w", err)
	}
	return nil
}

func (c *EntitlementCache) Invalidate(ctx context.Context, tenantID string) error {
	if err := c.client.Del(ctx, entitlementKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate entitlements cache: %w", err)
	}
	return nil
}
