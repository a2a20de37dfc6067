package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS balances (
    address    BYTEA PRIMARY KEY CHECK (octet_length(address) = 20),
    amount     NUMERIC(78, 0) NOT NULL DEFAULT 0 CHECK (amount >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS ledger_totals (
    id     SMALLINT PRIMARY KEY CHECK (id = 1),
    amount NUMERIC(78, 0) NOT NULL CHECK (amount >= 0)
);
INSERT INTO ledger_totals (id, amount) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;`

// PostgresLedger persists balances in PostgreSQL. Every mutation runs in one
// transaction that locks the totals row first and the balance row second, so
// concurrent mutations serialize without deadlocking.
type PostgresLedger struct {
	db        *pgxpool.Pool
	publisher Publisher
	logger    *slog.Logger
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool, publisher Publisher, logger *slog.Logger) *PostgresLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresLedger{db: db, publisher: publisher, logger: logger}
}

// Migrate creates the ledger tables if they do not exist yet.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger schema: %w", err)
	}
	return nil
}

// Credit adds amount to the account and the running total.
func (l *PostgresLedger) Credit(ctx context.Context, account Address, amount *uint256.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if err := l.mutate(ctx, account, func(balance, total *uint256.Int) error {
		return addChecked(balance, total, amount)
	}); err != nil {
		return err
	}
	publish(ctx, l.publisher, l.logger, NewEvent(EventDeposited, account, amount))
	return nil
}

// Debit removes amount from the account and the running total.
func (l *PostgresLedger) Debit(ctx context.Context, account Address, amount *uint256.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	return l.mutate(ctx, account, func(balance, total *uint256.Int) error {
		if balance.Lt(amount) {
			return ErrInsufficientBalance
		}
		balance.Sub(balance, amount)
		total.Sub(total, amount)
		return nil
	})
}

// Reverse restores a debit without publishing an event.
func (l *PostgresLedger) Reverse(ctx context.Context, account Address, amount *uint256.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	return l.mutate(ctx, account, func(balance, total *uint256.Int) error {
		return addChecked(balance, total, amount)
	})
}

// BalanceOf returns the stored balance, zero for unknown accounts.
func (l *PostgresLedger) BalanceOf(ctx context.Context, account Address) (*uint256.Int, error) {
	var raw string
	err := l.db.QueryRow(ctx, `SELECT amount::text FROM balances WHERE address = $1`, account[:]).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(uint256.Int), nil
		}
		return nil, err
	}
	return decodeNumeric(raw)
}

// TotalValue returns the running aggregate.
func (l *PostgresLedger) TotalValue(ctx context.Context) (*uint256.Int, error) {
	var raw string
	err := l.db.QueryRow(ctx, `SELECT amount::text FROM ledger_totals WHERE id = 1`).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(uint256.Int), nil
		}
		return nil, err
	}
	return decodeNumeric(raw)
}

// Accounts lists every stored address in byte order.
func (l *PostgresLedger) Accounts(ctx context.Context) ([]Address, error) {
	rows, err := l.db.Query(ctx, `SELECT address FROM balances ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Address
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		if len(raw) != AddressLength {
			return nil, fmt.Errorf("%w: stored address has %d bytes", ErrInvalidAddress, len(raw))
		}
		var addr Address
		copy(addr[:], raw)
		out = append(out, addr)
	}
	return out, rows.Err()
}

// mutate loads the locked total and balance, lets apply change them in place
// and writes both back in the same transaction. Nothing is written when apply
// fails.
func (l *PostgresLedger) mutate(ctx context.Context, account Address, apply func(balance, total *uint256.Int) error) error {
	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	total, err := lockedTotal(ctx, tx)
	if err != nil {
		return err
	}
	balance, err := lockedBalance(ctx, tx, account)
	if err != nil {
		return err
	}

	if err := apply(balance, total); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `UPDATE balances SET amount = $2::text::numeric, updated_at = now() WHERE address = $1`,
		account[:], balance.Dec()); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE ledger_totals SET amount = $1::text::numeric WHERE id = 1`, total.Dec()); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func lockedTotal(ctx context.Context, tx pgx.Tx) (*uint256.Int, error) {
	var raw string
	if err := tx.QueryRow(ctx, `SELECT amount::text FROM ledger_totals WHERE id = 1 FOR UPDATE`).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("ledger totals row missing, run migrations")
		}
		return nil, err
	}
	return decodeNumeric(raw)
}

func lockedBalance(ctx context.Context, tx pgx.Tx, account Address) (*uint256.Int, error) {
	if _, err := tx.Exec(ctx, `INSERT INTO balances (address, amount) VALUES ($1, 0)
        ON CONFLICT (address) DO NOTHING`, account[:]); err != nil {
		return nil, err
	}
	var raw string
	if err := tx.QueryRow(ctx, `SELECT amount::text FROM balances WHERE address = $1 FOR UPDATE`, account[:]).Scan(&raw); err != nil {
		return nil, err
	}
	return decodeNumeric(raw)
}

// addChecked computes both sums before storing either, so an overflow leaves
// balance and total untouched.
func addChecked(balance, total, amount *uint256.Int) error {
	var nextBalance, nextTotal uint256.Int
	if _, overflow := nextBalance.AddOverflow(balance, amount); overflow {
		return ErrOverflow
	}
	if _, overflow := nextTotal.AddOverflow(total, amount); overflow {
		return ErrOverflow
	}
	balance.Set(&nextBalance)
	total.Set(&nextTotal)
	return nil
}

func decodeNumeric(raw string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode stored amount %q: %w", raw, err)
	}
	return v, nil
}

var _ Ledger = (*PostgresLedger)(nil)
