package ledger

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
)

// AuditReport compares the running total with the sum of every balance.
type AuditReport struct {
	Total      *uint256.Int
	Sum        *uint256.Int
	Accounts   int
	Consistent bool
}

// Audit recomputes the sum of all balances and compares it with TotalValue.
// It is only meaningful between operations; a mutation that lands while the
// balances are being read can make a healthy ledger look inconsistent.
func Audit(ctx context.Context, l Ledger) (AuditReport, error) {
	accounts, err := l.Accounts(ctx)
	if err != nil {
		return AuditReport{}, fmt.Errorf("list accounts: %w", err)
	}

	sum := new(uint256.Int)
	for _, addr := range accounts {
		balance, err := l.BalanceOf(ctx, addr)
		if err != nil {
			return AuditReport{}, fmt.Errorf("balance of %s: %w", addr, err)
		}
		if _, overflow := sum.AddOverflow(sum, balance); overflow {
			return AuditReport{}, ErrOverflow
		}
	}

	total, err := l.TotalValue(ctx)
	if err != nil {
		return AuditReport{}, fmt.Errorf("total value: %w", err)
	}

	return AuditReport{
		Total:      total,
		Sum:        sum,
		Accounts:   len(accounts),
		Consistent: total.Eq(sum),
	}, nil
}
