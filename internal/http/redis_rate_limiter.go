package httpx

import (
	"context"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

// redisRateLimiter keeps one counter bucket per key so limits hold across
// daemon instances sharing a Redis. Redis trouble never blocks a request.
type redisRateLimiter struct {
	client    *redis.Client
	log       *slog.Logger
	keyPrefix string
	opTimeout time.Duration
}

// NewRedisRateLimiter constructs a Redis backed rate limiter.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &redisRateLimiter{
		client:    client,
		log:       logger,
		keyPrefix: "glimpse:ratelimit:",
		opTimeout: 250 * time.Millisecond,
	}, nil
}

func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), rl.opTimeout)
	defer cancel()

	bucket := rl.keyPrefix + key
	var (
		counter *redis.IntCmd
		ttl     *redis.DurationCmd
	)
	// One round trip: bump the counter, arm the window on first touch only,
	// read the remaining window.
	_, err := rl.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		counter = pipe.Incr(ctx, bucket)
		pipe.ExpireNX(ctx, bucket, window)
		ttl = pipe.PTTL(ctx, bucket)
		return nil
	})
	if err != nil {
		if rl.log != nil {
			rl.log.Error("redis rate limiter error", "key", key, "error", err)
		}
		return rateDecision{allowed: true}
	}

	seen := int(counter.Val())
	remaining := ttl.Val()
	if remaining <= 0 {
		remaining = window
	}
	return rateDecision{
		allowed:   seen <= limit,
		count:     seen,
		windowEnd: time.Now().Add(remaining),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}
