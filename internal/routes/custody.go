package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/custody/internal/custody"
)

// RegisterCustodyRoutes wires the ledger queries and the caller-scoped
// deposit and withdrawal endpoints. guard runs before every mutation.
func RegisterCustodyRoutes(r fiber.Router, h *custody.Handler, guard ...fiber.Handler) {
	r.Get("/accounts/:address/balance", h.Balance)
	r.Get("/ledger/total", h.Total)
	r.Get("/ledger/audit", h.Audit)

	mutations := r.Group("", guard...)
	mutations.Post("/deposits", h.Deposit)
	mutations.Post("/withdrawals", h.Withdraw)
}
