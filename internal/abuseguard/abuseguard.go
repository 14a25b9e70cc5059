// Package abuseguard rejects clients that have accumulated too many
// admission rejections (unreadable or invalid request bodies, identity
// concurrency-cap rejections) within a rolling window, before they ever
// reach admission.
package abuseguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayhaus/llmrelay/internal/telemetry"
)

// Guard tracks rejection counts per client IP using Redis INCR + EXPIRE,
// the same primitive internal/auth's login rate limiter uses. A nil or
// unreachable Redis client makes the guard fail-open: every request is
// allowed, since an abuse guard that can take the whole proxy down on a
// Redis blip is worse than one that occasionally under-blocks.
type Guard struct {
	redis         *redis.Client
	logger        *slog.Logger
	maxRejections int
	window        time.Duration
}

// New creates a Guard. rdb may be nil, in which case Check always allows
// and RecordRejection is a no-op.
func New(rdb *redis.Client, logger *slog.Logger, maxRejections int, window time.Duration) *Guard {
	return &Guard{redis: rdb, logger: logger, maxRejections: maxRejections, window: window}
}

func (g *Guard) key(ip string) string {
	return fmt.Sprintf("abuseguard:%s", ip)
}

// Check reports whether ip may be admitted. On any Redis error it logs and
// fails open rather than rejecting traffic because of an infrastructure
// hiccup.
func (g *Guard) Check(ctx context.Context, ip string) (allowed bool, retryAt time.Time, err error) {
	if g.redis == nil || g.maxRejections <= 0 {
		return true, time.Time{}, nil
	}

	count, err := g.redis.Get(ctx, g.key(ip)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return true, time.Time{}, nil
		}
		g.logger.Warn("abuse guard: redis check failed, failing open", "error", err)
		return true, time.Time{}, nil
	}

	if count < g.maxRejections {
		return true, time.Time{}, nil
	}

	ttl, err := g.redis.TTL(ctx, g.key(ip)).Result()
	if err != nil {
		g.logger.Warn("abuse guard: redis TTL failed, failing open", "error", err)
		return true, time.Time{}, nil
	}

	telemetry.AbuseGuardRejectionsTotal.Inc()
	return false, time.Now().Add(ttl), nil
}

// RecordRejection increments ip's rejection counter, used by the HTTP layer
// whenever it rejects a request at admission (unreadable or invalid body,
// identity concurrency cap reached).
func (g *Guard) RecordRejection(ctx context.Context, ip string) error {
	if g.redis == nil || g.maxRejections <= 0 {
		return nil
	}

	key := g.key(ip)
	pipe := g.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, g.window)
	if _, err := pipe.Exec(ctx); err != nil {
		g.logger.Warn("abuse guard: recording rejection failed", "error", err)
		return nil
	}
	if incr.Val() == 1 {
		g.redis.Expire(ctx, key, g.window)
	}
	return nil
}
