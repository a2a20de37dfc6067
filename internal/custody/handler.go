package custody

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/holiman/uint256"

	"github.com/congo-pay/custody/internal/ledger"
	"github.com/congo-pay/custody/internal/middleware"
)

// Handler exposes HTTP endpoints for deposits, withdrawals and ledger queries.
type Handler struct {
	service *Service
}

// NewHandler constructs a custody handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Deposit credits the amount in the request body to the caller.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	caller, amount, err := parseMovement(c)
	if err != nil {
		return err
	}
	receipt, err := h.service.Deposit(c.UserContext(), caller, amount)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(receipt))
}

// Withdraw pays the amount in the request body out of the caller's balance.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	caller, amount, err := parseMovement(c)
	if err != nil {
		return err
	}
	receipt, err := h.service.Withdraw(c.UserContext(), caller, amount)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(receipt))
}

// Balance reports the balance of the address in the path. Unknown addresses
// read as zero.
func (h *Handler) Balance(c *fiber.Ctx) error {
	account, err := ledger.ParseAddress(c.Params("address"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	balance, err := h.service.BalanceOf(c.UserContext(), account)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(BalanceResponse{Address: account.String(), Balance: balance.Dec()})
}

// Total reports the value held in custody.
func (h *Handler) Total(c *fiber.Ctx) error {
	total, err := h.service.TotalValue(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(fiber.Map{"total": total.Dec()})
}

// Audit recomputes the sum of balances and compares it with the total.
func (h *Handler) Audit(c *fiber.Ctx) error {
	report, err := h.service.Audit(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}
	status := http.StatusOK
	if !report.Consistent {
		status = http.StatusInternalServerError
	}
	return c.Status(status).JSON(AuditResponse{
		Total:      report.Total.Dec(),
		Sum:        report.Sum.Dec(),
		Accounts:   report.Accounts,
		Consistent: report.Consistent,
	})
}

func parseMovement(c *fiber.Ctx) (ledger.Address, *uint256.Int, error) {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		return ledger.Address{}, nil, fiber.NewError(http.StatusUnauthorized, "caller not resolved")
	}
	var req MovementRequest
	if err := c.BodyParser(&req); err != nil {
		return caller, nil, fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := ledger.ParseAmount(req.Amount)
	if err != nil {
		return caller, nil, fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return caller, amount, nil
}

// toHTTPError maps domain errors to statuses. A failed release can carry the
// error of its reversal, so transfer failure is matched first.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrDebitNotReversed):
		return fiber.NewError(http.StatusBadGateway, ledger.ErrTransferFailed.Error()+": "+ErrDebitNotReversed.Error())
	case errors.Is(err, ledger.ErrTransferFailed):
		return fiber.NewError(http.StatusBadGateway, ledger.ErrTransferFailed.Error())
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrOverflow):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, "ledger unavailable")
	}
}

func toResponse(r Receipt) MovementResponse {
	resp := MovementResponse{
		Address:     r.Account.String(),
		Amount:      r.Amount.Dec(),
		ReleaseID:   r.ReleaseID,
		State:       string(r.State),
		CompletedAt: r.CompletedAt.Format(time.RFC3339Nano),
	}
	if r.Balance != nil {
		resp.Balance = r.Balance.Dec()
	}
	if r.Total != nil {
		resp.Total = r.Total.Dec()
	}
	return resp
}
