package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AttemptLimiter throttles failed re-authentication challenges per user.
// Counters live in Redis so the lockout holds across instances.
type AttemptLimiter struct {
	client *redis.Client
	max    int64
	window time.Duration
}

// NewAttemptLimiter constructs an AttemptLimiter allowing max failures per window.
func NewAttemptLimiter(client *redis.Client, max int64, window time.Duration) *AttemptLimiter {
	return &AttemptLimiter{client: client, max: max, window: window}
}

func (l *AttemptLimiter) key(userID string) string {
	return fmt.Sprintf("identity:reauth:%s:failures", userID)
}

// Locked reports whether the user has exhausted the failure budget.
func (l *AttemptLimiter) Locked(ctx context.Context, userID string) (bool, error) {
	count, err := l.client.Get(ctx, l.key(userID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("identity: read attempt counter: %w", err)
	}
	return count >= l.max, nil
}

// RecordFailure bumps the failure counter, starting the window on first failure.
func (l *AttemptLimiter) RecordFailure(ctx context.Context, userID string) error {
	count, err := l.client.Incr(ctx, l.key(userID)).Result()
	if err != nil {
		return fmt.Errorf("identity: bump attempt counter: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, l.key(userID), l.window).Err(); err != nil {
			return fmt.Errorf("identity: set attempt window: %w", err)
		}
	}
	return nil
}

// Reset clears the counter after a successful challenge.
func (l *AttemptLimiter) Reset(ctx context.Context, userID string) error {
	if err := l.client.Del(ctx, l.key(userID)).Err(); err != nil {
		return fmt.Errorf("identity: reset attempt counter: %w", err)
	}
	return nil
}
