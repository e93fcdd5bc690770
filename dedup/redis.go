// Package dedup claims message ids in Redis so a message is handed to the
// broker once even when the outbox row could not be marked afterwards.
package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"bactrack/config"
)

const keyPrefix = "bactrack:outbox:published:"

// NewClient returns a client for cfg. It does not dial until first use.
func NewClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

type Deduper struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func New(rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *Deduper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{rdb: rdb, ttl: ttl, logger: logger}
}

// Acquire returns true the first time id is seen within the TTL. When Redis is
// unavailable it returns true so publishing is never blocked by the cache.
func (d *Deduper) Acquire(ctx context.Context, id string) bool {
	ok, err := d.rdb.SetNX(ctx, keyPrefix+id, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("dedup check failed, publishing anyway", zap.String("message_id", id), zap.Error(err))
		return true
	}
	return ok
}

// Release forgets id so a failed publish can be retried.
func (d *Deduper) Release(ctx context.Context, id string) {
	if err := d.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		d.logger.Warn("dedup release failed", zap.String("message_id", id), zap.Error(err))
	}
}
