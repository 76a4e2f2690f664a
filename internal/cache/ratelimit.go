// internal/cache/ratelimit.go
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter in Redis.
type RateLimiter struct {
	client *redis.Client
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client}
}

// CheckRegistrationAttempt allows up to 5 signups per IP and email every 15 minutes.
func (r *RateLimiter) CheckRegistrationAttempt(ctx context.Context, ip, email string) (bool, int64, error) {
	key := fmt.Sprintf("ratelimit:registration:%s:%s", ip, strings.ToLower(email))
	count, err := r.incr(ctx, key, 15*time.Minute)
	if err != nil {
		return false, 0, err
	}

	const maxAttempts = int64(5)
	remaining := maxAttempts - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= maxAttempts, remaining, nil
}

// CheckFinalizeAttempt limits client-driven confirmations of one registration.
func (r *RateLimiter) CheckFinalizeAttempt(ctx context.Context, pendingRegistrationID string) (bool, error) {
	key := fmt.Sprintf("ratelimit:finalize:%s", pendingRegistrationID)
	count, err := r.incr(ctx, key, 10*time.Minute)
	if err != nil {
		return false, err
	}
	return count <= 10, nil
}

// ResetRegistrationAttempts clears the counter after a successful signup.
func (r *RateLimiter) ResetRegistrationAttempts(ctx context.Context, ip, email string) error {
	key := fmt.Sprintf("ratelimit:registration:%s:%s", ip, strings.ToLower(email))
	return r.client.Del(ctx, key).Err()
}

func (r *RateLimiter) incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}

	// Set expiration on first attempt
	if count == 1 {
		r.client.Expire(ctx, key, window)
	}
	return count, nil
}
