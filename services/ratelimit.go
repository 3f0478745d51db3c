package services

import (
	"context"
	"strconv"
	"time"

	logger "github.com/Yulian302/lfusys-services-assets/commons/logging"
	"github.com/Yulian302/lfusys-services-assets/commons/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type RateLimiter interface {
	// Allow records an attempt and reports whether it fits in the window.
	// Limiter failures allow the attempt.
	Allow(ctx context.Context, userID string) bool
}

// RedisRateLimiter keeps one sorted set per user, scored by attempt time.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time

	logger logger.Logger
}

func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration, l logger.Logger) *RedisRateLimiter {
	return &RedisRateLimiter{
		client: client,
		limit:  limit,
		window: window,
		now:    time.Now,
		logger: l,
	}
}

func rateLimitKey(userID string) string {
	return "uploads:ratelimit:" + userID
}

// Allow trims the window, records the attempt and counts in one MULTI/EXEC,
// so concurrent attempts cannot all observe the same stale count. A rejected
// attempt is removed again and does not occupy the window.
func (r *RedisRateLimiter) Allow(ctx context.Context, userID string) bool {
	key := rateLimitKey(userID)
	now := r.now()
	windowStart := now.Add(-r.window).UnixMilli()
	member := uuid.NewString()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	count := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("rate limiter unavailable, allowing request", "user_id", userID, "error", err)
		return true
	}

	if count.Val() <= int64(r.limit) {
		return true
	}

	if err := r.client.ZRem(ctx, key, member).Err(); err != nil {
		r.logger.Warn("failed to drop rejected upload initialization attempt", "user_id", userID, "error", err)
	}
	metrics.RateLimited.Inc()
	r.logger.Info("upload initialization rate limited", "user_id", userID, "count", count.Val()-1)
	return false
}
