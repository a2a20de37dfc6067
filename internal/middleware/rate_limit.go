package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const rateLimitWindow = time.Minute

// countInWindow increments the counter and gives it a TTL whenever it has
// none, in one atomic step. A counter without a TTL would block its caller
// forever.
var countInWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if redis.call('TTL', KEYS[1]) < 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return n`)

// CallerRateLimit limits mutations per caller address per minute using Redis
// if available. It must run after CallerAuth.
func CallerRateLimit(cache *redis.Client, maxPerMin int, logger *slog.Logger) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	window := int(rateLimitWindow / time.Second)
	return func(c *fiber.Ctx) error {
		if cache == nil {
			return c.Next() // no-op without Redis
		}
		caller, ok := CallerFrom(c)
		if !ok {
			return c.Next()
		}

		cnt, err := countInWindow.Run(c.UserContext(), cache, []string{rateLimitKey(caller.String())}, window).Int64()
		if err != nil {
			logger.Warn("rate limit check failed", slog.String("caller", caller.String()), slog.Any("error", err))
			return c.Next() // fail-open on cache errors
		}
		if cnt > int64(maxPerMin) {
			return fiber.NewError(http.StatusTooManyRequests, "too many requests for this address, try again later")
		}
		return c.Next()
	}
}

func rateLimitKey(caller string) string {
	return "rl:caller:" + caller
}
