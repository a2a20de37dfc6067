package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/custody/internal/logging"
)

const (
	alice = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	bob   = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

func setupTestApp(t *testing.T) (*fiber.App, *int32, func()) {
	t.Helper()
	var calls int32
	app, _, cleanup := newIdempotentApp(t, func(c *fiber.Ctx) error {
		n := atomic.AddInt32(&calls, 1)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"call": n})
	})
	return app, &calls, cleanup
}

func newIdempotentApp(t *testing.T, handler fiber.Handler, hooks ...redis.Hook) (*fiber.App, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	for _, h := range hooks {
		cache.AddHook(h)
	}
	app := fiber.New()
	app.Use(CallerAuth(nil))
	app.Use(Idempotency(cache, time.Minute, logging.Discard()))
	app.Post("/resource", handler)

	cleanup := func() {
		cache.Close()
		mr.Close()
	}
	return app, mr, cleanup
}

func post(t *testing.T, app *fiber.App, caller, key string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/resource", strings.NewReader("{}"))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(callerAddressHeader, caller)
	if key != "" {
		req.Header.Set(idempotencyKeyHeader, key)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestIdempotencyRequiresHeader(t *testing.T) {
	app, _, cleanup := setupTestApp(t)
	defer cleanup()

	if status, _ := post(t, app, alice, ""); status != fiber.StatusBadRequest {
		t.Fatalf("expected %d got %d", fiber.StatusBadRequest, status)
	}
}

func TestIdempotencyReturnsCachedResponse(t *testing.T) {
	app, calls, cleanup := setupTestApp(t)
	defer cleanup()

	status, payload := post(t, app, alice, "abc123")
	if status != fiber.StatusCreated {
		t.Fatalf("expected status %d got %d", fiber.StatusCreated, status)
	}

	// A replay is served from the cache without running the handler.
	status, cachedPayload := post(t, app, alice, "abc123")
	if status != fiber.StatusCreated {
		t.Fatalf("expected cached status %d got %d", fiber.StatusCreated, status)
	}
	if cachedPayload != payload {
		t.Fatalf("expected cached payload %s got %s", payload, cachedPayload)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Fatalf("expected handler to run once, ran %d times", got)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(cachedPayload), &decoded); err != nil {
		t.Fatalf("cached payload invalid json: %v", err)
	}
}

func TestIdempotencyKeysAreScopedPerCaller(t *testing.T) {
	app, calls, cleanup := setupTestApp(t)
	defer cleanup()

	if status, _ := post(t, app, alice, "shared"); status != fiber.StatusCreated {
		t.Fatalf("alice: unexpected status %d", status)
	}
	status, body := post(t, app, bob, "shared")
	if status != fiber.StatusCreated {
		t.Fatalf("bob: unexpected status %d", status)
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Fatalf("expected a separate execution per caller, got %d", got)
	}
	if !strings.Contains(body, `"call":2`) {
		t.Fatalf("bob received another caller's response: %s", body)
	}
}

// failResponseWrites fails plain SET commands and lets the SET NX
// reservation through, so a response cannot be stored after the handler ran.
type failResponseWrites struct{}

func (failResponseWrites) DialHook(next redis.DialHook) redis.DialHook { return next }

func (failResponseWrites) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (failResponseWrites) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if cmd.Name() == "set" && !hasArg(cmd.Args(), "nx") {
			err := errors.New("redis: write refused")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func hasArg(args []any, want string) bool {
	for _, a := range args {
		if s, ok := a.(string); ok && strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}

func TestIdempotencyKeepsReservationWhenResponseCannotBeStored(t *testing.T) {
	var calls int32
	app, mr, cleanup := newIdempotentApp(t, func(c *fiber.Ctx) error {
		n := atomic.AddInt32(&calls, 1)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"call": n})
	}, failResponseWrites{})
	defer cleanup()

	status, body := post(t, app, alice, "wd-1")
	if status != fiber.StatusCreated {
		t.Fatalf("completed request must return its own response, got %d %s", status, body)
	}
	if !strings.Contains(body, `"call":1`) {
		t.Fatalf("unexpected body %s", body)
	}

	status, _ = post(t, app, alice, "wd-1")
	if status != fiber.StatusConflict {
		t.Fatalf("expected retry to be refused with 409, got %d", status)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("handler ran %d times for one key", got)
	}

	stored, err := mr.Get(idempotencyPrefix + alice + ":wd-1")
	if err != nil {
		t.Fatalf("reservation missing: %v", err)
	}
	if stored != inProgressMarker {
		t.Fatalf("expected in-progress marker, got %q", stored)
	}
}

func TestIdempotencyReleasesKeyWhenHandlerFails(t *testing.T) {
	var calls int32
	app, mr, cleanup := newIdempotentApp(t, func(c *fiber.Ctx) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return fiber.NewError(fiber.StatusConflict, "insufficient balance")
		}
		return c.SendStatus(fiber.StatusCreated)
	})
	defer cleanup()

	if status, _ := post(t, app, alice, "retry-me"); status != fiber.StatusConflict {
		t.Fatalf("expected handler error to pass through, got %d", status)
	}
	if mr.Exists(idempotencyPrefix + alice + ":retry-me") {
		t.Fatal("failed request must release its key")
	}

	if status, _ := post(t, app, alice, "retry-me"); status != fiber.StatusCreated {
		t.Fatalf("expected retry to run the handler, got %d", status)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 executions, got %d", got)
	}
}
