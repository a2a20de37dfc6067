package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	// ErrInvalidAmount occurs when a zero (or missing) amount is supplied to a
	// balance mutation.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientBalance occurs when a debit exceeds the account's recorded
	// balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrOverflow indicates a balance or the running total would exceed the
	// representable range.
	ErrOverflow = errors.New("amount overflow")

	// ErrTransferFailed indicates the release collaborator refused or failed to
	// move the withdrawn value out of custody.
	ErrTransferFailed = errors.New("transfer failed")
)

// EventKind names a ledger notification.
type EventKind string

const (
	// EventDeposited is published once per successful credit.
	EventDeposited EventKind = "Deposited"
	// EventWithdrawn is published once per completed withdrawal.
	EventWithdrawn EventKind = "Withdrawn"
)

// Event is an observability notification about a committed balance change.
type Event struct {
	ID      string
	Kind    EventKind
	Account Address
	Amount  *uint256.Int
	At      time.Time
}

// NewEvent stamps an event with an identifier and the current time.
func NewEvent(kind EventKind, account Address, amount *uint256.Int) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Account: account,
		Amount:  new(uint256.Int).Set(amount),
		At:      time.Now().UTC(),
	}
}

// Publisher receives ledger events. Implementations must not call back into
// the ledger that published the event.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Ledger defines the contract implemented by ledger backends (in-memory,
// Postgres).
type Ledger interface {
	Credit(ctx context.Context, account Address, amount *uint256.Int) error
	Debit(ctx context.Context, account Address, amount *uint256.Int) error
	// Reverse restores a committed debit whose release failed. It publishes
	// nothing.
	Reverse(ctx context.Context, account Address, amount *uint256.Int) error
	BalanceOf(ctx context.Context, account Address) (*uint256.Int, error)
	TotalValue(ctx context.Context) (*uint256.Int, error)
	Accounts(ctx context.Context) ([]Address, error)
}

// ParseAmount decodes a base-10 amount string. Zero is accepted here; the
// ledger operations decide whether zero is valid.
func ParseAmount(s string) (*uint256.Int, error) {
	amount, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	return amount, nil
}

func validAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	return nil
}
