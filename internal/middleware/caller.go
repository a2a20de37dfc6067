package middleware

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/custody/internal/auth"
	"github.com/congo-pay/custody/internal/ledger"
)

const (
	callerAddressHeader = "X-Caller-Address"
	callerLocal         = "caller_address"
)

// CallerAuth resolves the address the request acts for. With a token
// verifier the address comes from a bearer token; without one (development)
// the X-Caller-Address header is trusted.
func CallerAuth(tokens *auth.Tokens) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var (
			caller ledger.Address
			err    error
		)
		if tokens != nil {
			authz := c.Get(fiber.HeaderAuthorization)
			if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				return fiber.NewError(http.StatusUnauthorized, "missing bearer token")
			}
			caller, err = tokens.Verify(strings.TrimSpace(authz[len("Bearer "):]))
			if err != nil {
				return fiber.NewError(http.StatusUnauthorized, "invalid token")
			}
		} else {
			raw := c.Get(callerAddressHeader)
			if raw == "" {
				return fiber.NewError(http.StatusUnauthorized, "missing "+callerAddressHeader+" header")
			}
			caller, err = ledger.ParseAddress(raw)
			if err != nil {
				return fiber.NewError(http.StatusBadRequest, err.Error())
			}
		}

		if caller.IsZero() {
			return fiber.NewError(http.StatusBadRequest, "zero address cannot hold a balance")
		}
		c.Locals(callerLocal, caller)
		return c.Next()
	}
}

// CallerFrom returns the address set by CallerAuth.
func CallerFrom(c *fiber.Ctx) (ledger.Address, bool) {
	caller, ok := c.Locals(callerLocal).(ledger.Address)
	return caller, ok
}
