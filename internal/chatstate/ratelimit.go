package chatstate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter is the sliding-window message rate limiter with exponential
// backoff for repeat offenders. It has no role awareness: privileged
// bypasses happen at the call site, never in here.
type Limiter struct {
	rdb *redis.Client
}

// NewLimiter returns a Limiter.
func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// Check counts one send attempt for (room, user) and reports whether it is
// within maxMessages per window. On a violation the window's remaining TTL
// is doubled before rejecting, so a persistent violator's penalty grows
// until they stop sending. retryAfter is the wait the caller should report.
func (l *Limiter) Check(ctx context.Context, roomID, userID string, maxMessages int, window time.Duration) (allowed bool, retryAfter time.Duration, err error) {
	key := rateLimitKey(roomID, userID)

	cnt, err := l.rdb.Incr(ctx, key).Result()
	if isWrongType(err) {
		resetKey(ctx, l.rdb, key)
		cnt, err = l.rdb.Incr(ctx, key).Result()
	}
	if err != nil {
		return false, 0, fmt.Errorf("rate limit incr: %w", err)
	}

	// The expiry is set on the first increment only, so the window slides
	// from the first message, not the latest.
	if cnt == 1 {
		if err := l.rdb.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("rate limit expire: %w", err)
		}
	}

	if cnt <= int64(maxMessages) {
		return true, 0, nil
	}

	remaining, err := l.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return false, window, fmt.Errorf("rate limit ttl: %w", err)
	}
	if remaining <= 0 {
		// Counter survived without an expiry (e.g. a crashed EXPIRE); start
		// a fresh penalty window rather than leaking a permanent block.
		remaining = window
	}

	penalty := remaining * 2
	if err := l.rdb.PExpire(ctx, key, penalty).Err(); err != nil {
		return false, penalty, fmt.Errorf("rate limit backoff: %w", err)
	}
	return false, penalty, nil
}

// CheckSlowMode enforces the per-room minimum interval between one user's
// messages. Separate keyspace from the generic limit so the two never
// interfere.
func (l *Limiter) CheckSlowMode(ctx context.Context, roomID, userID string, interval time.Duration) (allowed bool, retryAfter time.Duration, err error) {
	key := slowModeKey(roomID, userID)

	ok, err := l.rdb.SetNX(ctx, key, "1", interval).Result()
	if isWrongType(err) {
		resetKey(ctx, l.rdb, key)
		ok, err = l.rdb.SetNX(ctx, key, "1", interval).Result()
	}
	if err != nil {
		return false, 0, fmt.Errorf("slow mode check: %w", err)
	}
	if ok {
		return true, 0, nil
	}

	remaining, err := l.rdb.PTTL(ctx, key).Result()
	if err != nil || remaining <= 0 {
		remaining = interval
	}
	return false, remaining, nil
}
