package security

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// RateLimiter is a redis fixed-window limiter keyed per route and caller.
type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// Limit returns a middleware allowing max requests per window for each
// caller on the named route. The caller key is the authenticated user id
// when present, the remote IP otherwise. Redis errors fail open: better
// to serve an extra request than to drop gateway callbacks while redis
// is down.
func (r *RateLimiter) Limit(route string, max int64, window time.Duration) func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		ctx := e.Request.Context()

		caller := e.RealIP()
		if e.Auth != nil {
			caller = fmt.Sprintf("user:%s", e.Auth.Id)
		}
		key := fmt.Sprintf("ratelimit:%s:%s", route, caller)

		count, err := r.redis.Incr(ctx, key).Result()
		if err == nil {
			if count == 1 {
				r.redis.Expire(ctx, key, window)
			}
			if count > max {
				return apis.NewApiError(http.StatusTooManyRequests,
					"Too many requests. Please try again later.", nil)
			}
		}

		return e.Next()
	}
}
