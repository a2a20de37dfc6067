package ledger

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/holiman/uint256"
)

// InMemoryLedger keeps balances in process memory. Every mutation takes the
// write lock for its check and update, so concurrent callers cannot overdraw
// an account; the lock is never held while events are published.
type InMemoryLedger struct {
	mu       sync.RWMutex
	balances map[Address]*uint256.Int
	total    uint256.Int

	publisher Publisher
	logger    *slog.Logger
}

// NewInMemory creates a concurrency-safe in-memory ledger. publisher may be nil.
func NewInMemory(publisher Publisher, logger *slog.Logger) *InMemoryLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryLedger{
		balances:  make(map[Address]*uint256.Int),
		publisher: publisher,
		logger:    logger,
	}
}

func (l *InMemoryLedger) Credit(ctx context.Context, account Address, amount *uint256.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	if err := l.add(account, amount); err != nil {
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	publish(ctx, l.publisher, l.logger, NewEvent(EventDeposited, account, amount))
	return nil
}

func (l *InMemoryLedger) Debit(_ context.Context, account Address, amount *uint256.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.record(account)
	if balance.Lt(amount) {
		return ErrInsufficientBalance
	}
	balance.Sub(balance, amount)
	l.total.Sub(&l.total, amount)
	return nil
}

func (l *InMemoryLedger) Reverse(_ context.Context, account Address, amount *uint256.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.add(account, amount)
}

func (l *InMemoryLedger) BalanceOf(_ context.Context, account Address) (*uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	balance, ok := l.balances[account]
	if !ok {
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Set(balance), nil
}

func (l *InMemoryLedger) TotalValue(_ context.Context) (*uint256.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(uint256.Int).Set(&l.total), nil
}

// Accounts returns every address the ledger has seen, sorted bytewise.
func (l *InMemoryLedger) Accounts(_ context.Context) ([]Address, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Address, 0, len(l.balances))
	for addr := range l.balances {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out, nil
}

// add must be called with mu held.
func (l *InMemoryLedger) add(account Address, amount *uint256.Int) error {
	return addChecked(l.record(account), &l.total, amount)
}

// record returns the live balance for account, creating a zero entry on first
// reference. Must be called with mu held.
func (l *InMemoryLedger) record(account Address) *uint256.Int {
	balance, ok := l.balances[account]
	if !ok {
		balance = new(uint256.Int)
		l.balances[account] = balance
	}
	return balance
}

func publish(ctx context.Context, publisher Publisher, logger *slog.Logger, event Event) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil {
		logger.Warn("publish ledger event",
			slog.String("kind", string(event.Kind)),
			slog.String("address", event.Account.String()),
			slog.Any("error", err))
	}
}

var _ Ledger = (*InMemoryLedger)(nil)
