package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/custody/internal/auth"
	"github.com/congo-pay/custody/internal/config"
	"github.com/congo-pay/custody/internal/custody"
	"github.com/congo-pay/custody/internal/ledger"
	"github.com/congo-pay/custody/internal/logging"
	"github.com/congo-pay/custody/internal/middleware"
	"github.com/congo-pay/custody/internal/notification"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger

	// Releaser overrides the release collaborator chosen from Cfg.
	Releaser custody.Releaser
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though config also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if d.Cfg.LogFormat == "text" {
		// Plain text access log: [HH:MM:SS] 200 -  145ms METHOD /path
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	} else {
		app.Use(middleware.Audit(logging.Component(d.Logger, "http")))
	}

	RegisterHealthRoutes(app, d)

	publisher := buildPublisher(d)
	backend, err := buildLedger(d, publisher)
	if err != nil {
		return err
	}
	svc, err := custody.NewService(backend, buildReleaser(d), publisher, logging.Component(d.Logger, "custody"))
	if err != nil {
		return err
	}

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	var tokens *auth.Tokens
	if d.Cfg.CallerSecret != "" {
		tokens = auth.NewTokens(d.Cfg.CallerSecret, d.Cfg.TokenTTL)
	} else {
		d.Logger.Warn("CALLER_SECRET not set, trusting the X-Caller-Address header")
	}
	guard := []fiber.Handler{middleware.CallerAuth(tokens)}
	if d.Cache != nil {
		guard = append(guard,
			middleware.CallerRateLimit(d.Cache, d.Cfg.RateLimit, d.Logger),
			middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger),
		)
	}
	RegisterCustodyRoutes(api, custody.NewHandler(svc), guard...)

	return nil
}

func buildPublisher(d Deps) ledger.Publisher {
	fan := notification.Fanout{notification.NewLoggerPublisher(logging.Component(d.Logger, "events"))}
	if d.Cache != nil {
		fan = append(fan, notification.NewStreamPublisher(d.Cache, d.Cfg.EventsStream, d.Cfg.EventsMaxLen))
	}
	return fan
}

func buildLedger(d Deps, publisher ledger.Publisher) (ledger.Ledger, error) {
	log := logging.Component(d.Logger, "ledger")
	if d.DB == nil {
		return ledger.NewInMemory(publisher, log), nil
	}
	pg := ledger.NewPostgresLedger(d.DB, publisher, log)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pg.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return pg, nil
}

func buildReleaser(d Deps) custody.Releaser {
	if d.Releaser != nil {
		return d.Releaser
	}
	if d.Cfg.ReleaseURL != "" {
		return custody.NewHTTPReleaser(d.Cfg.ReleaseURL, d.Cfg.ReleaseTimeout, logging.Component(d.Logger, "releaser"))
	}
	d.Logger.Warn("RELEASE_URL not set, withdrawals are released without moving value")
	return custody.StaticReleaser{}
}
