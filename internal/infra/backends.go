package infra

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/custody/internal/config"
)

// Backends holds the optional external stores. Either field may be nil in
// development.
type Backends struct {
	DB    *pgxpool.Pool
	Cache *redis.Client
}

// Connect opens every backend named in cfg. A backend without a URL is left
// nil; config.Load has already rejected that outside development.
func Connect(ctx context.Context, cfg config.Config, logger *slog.Logger) (Backends, error) {
	var b Backends
	if cfg.DatabaseURL != "" {
		db, err := NewPostgresPool(ctx, cfg.DatabaseURL, cfg.AppName)
		if err != nil {
			return Backends{}, err
		}
		b.DB = db
	} else {
		logger.Warn("DATABASE_URL not set, balances are kept in memory")
	}

	if cfg.RedisURL != "" {
		cache, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			b.Close(logger)
			return Backends{}, err
		}
		b.Cache = cache
	} else {
		logger.Warn("REDIS_URL not set, idempotency and event stream disabled")
	}
	return b, nil
}

// Close releases whatever Connect opened.
func (b Backends) Close(logger *slog.Logger) {
	if b.Cache != nil {
		if err := b.Cache.Close(); err != nil {
			logger.Warn("close redis", slog.Any("error", err))
		}
	}
	if b.DB != nil {
		b.DB.Close()
	}
}
