package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	idempotencyPrefix    = "idempotency:v2:"
	inProgressMarker     = "__in_progress__"
	idempotencyOpTimeout = 2 * time.Second
)

type storedResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// Idempotency makes unsafe requests replayable. The first request under an
// Idempotency-Key reserves the key, runs the handler and stores its response;
// later requests with the same key get the stored response without running
// the handler again. Keys are scoped to the caller address when CallerAuth
// ran first.
//
// A request whose handler returns an error changed nothing, so its key is
// released for retry. Once a handler has succeeded the key is never released:
// if the response cannot be stored, the reservation stays until ttl expires
// and retries are refused with 409 rather than executed twice.
func Idempotency(cache *redis.Client, ttl time.Duration, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch strings.ToUpper(c.Method()) {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := c.Get(idempotencyKeyHeader)
		if key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		}
		cacheKey := idempotencyCacheKey(c, key)
		log := logger.With(slog.String("idempotency_key", key))

		ctx, cancel := context.WithTimeout(context.Background(), idempotencyOpTimeout)
		defer cancel()

		cached, err := cache.Get(ctx, cacheKey).Result()
		switch {
		case err == nil:
			return replay(c, cached, log)
		case !errors.Is(err, redis.Nil):
			log.Error("idempotency lookup failed", slog.Any("error", err))
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency store failure")
		}

		reserved, err := cache.SetNX(ctx, cacheKey, inProgressMarker, ttl).Result()
		if err != nil {
			log.Error("idempotency reservation failed", slog.Any("error", err))
			return fiber.NewError(fiber.StatusInternalServerError, "idempotency reservation failure")
		}
		if !reserved {
			return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
		}

		if err := c.Next(); err != nil {
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), idempotencyOpTimeout)
			defer releaseCancel()
			if derr := cache.Del(releaseCtx, cacheKey).Err(); derr != nil {
				log.Warn("idempotency key not released", slog.Any("error", derr))
			}
			return err
		}

		store(cache, cacheKey, ttl, capture(c), log)
		return nil
	}
}

func idempotencyCacheKey(c *fiber.Ctx, key string) string {
	scope := "anonymous"
	if caller, ok := CallerFrom(c); ok {
		scope = caller.String()
	}
	return idempotencyPrefix + scope + ":" + key
}

func replay(c *fiber.Ctx, cached string, log *slog.Logger) error {
	if cached == inProgressMarker {
		return fiber.NewError(fiber.StatusConflict, "duplicate request currently processing")
	}

	var stored storedResponse
	if err := json.Unmarshal([]byte(cached), &stored); err != nil {
		log.Warn("failed to decode stored idempotent response", slog.Any("error", err))
		return fiber.NewError(fiber.StatusConflict, "duplicate request")
	}
	for header, value := range stored.Headers {
		if strings.EqualFold(header, fiber.HeaderContentLength) {
			continue
		}
		c.Set(header, value)
	}
	return c.Status(stored.Status).SendString(stored.Body)
}

func capture(c *fiber.Ctx) storedResponse {
	resp := storedResponse{
		Status:  c.Response().StatusCode(),
		Body:    string(c.Response().Body()),
		Headers: map[string]string{},
	}
	c.Response().Header.VisitAll(func(k, v []byte) {
		resp.Headers[string(k)] = string(v)
	})
	return resp
}

// store persists a completed response. Failures are logged only: the handler
// already took effect and its response goes out unchanged, while the
// in-progress reservation keeps blocking re-execution.
func store(cache *redis.Client, cacheKey string, ttl time.Duration, resp storedResponse, log *slog.Logger) {
	payload, err := json.Marshal(resp)
	if err != nil {
		log.Error("failed to encode idempotent response", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), idempotencyOpTimeout)
	defer cancel()
	if err := cache.Set(ctx, cacheKey, payload, ttl).Err(); err != nil {
		log.Error("failed to persist idempotent response, key stays reserved", slog.Any("error", err))
	}
}
