package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/congo-pay/custody/internal/ledger"
)

// State is a step of the withdrawal protocol.
type State string

const (
	StateValidate  State = "validate"
	StateCommit    State = "commit"
	StateRelease   State = "release"
	StateCompleted State = "completed"
	StateRejected  State = "rejected"
)

// ErrDebitNotReversed accompanies ErrTransferFailed when the release failed
// and the committed debit could not be restored. The account stays debited
// with nothing released and needs manual correction.
var ErrDebitNotReversed = errors.New("withdrawal debit not reversed")

// Service accepts deposits and pays out withdrawals. It owns no balances: it
// sequences calls into the ledger and the release collaborator so that a
// withdrawal's debit is committed before any value leaves custody.
type Service struct {
	ledger    ledger.Ledger
	releaser  Releaser
	publisher ledger.Publisher
	logger    *slog.Logger
}

// NewService wires a custody service. A nil releaser falls back to
// StaticReleaser; publisher may be nil.
func NewService(backend ledger.Ledger, releaser Releaser, publisher ledger.Publisher, logger *slog.Logger) (*Service, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if releaser == nil {
		releaser = StaticReleaser{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: backend, releaser: releaser, publisher: publisher, logger: logger}, nil
}

// Receipt is the outcome of a deposit or withdrawal.
type Receipt struct {
	Account     ledger.Address
	Amount      *uint256.Int
	Balance     *uint256.Int
	Total       *uint256.Int
	ReleaseID   string
	State       State
	CompletedAt time.Time
}

// Deposit credits value attached to the caller's request.
func (s *Service) Deposit(ctx context.Context, caller ledger.Address, amount *uint256.Int) (Receipt, error) {
	if err := s.ledger.Credit(ctx, caller, amount); err != nil {
		return Receipt{Account: caller, Amount: amount, State: StateRejected}, err
	}
	s.logger.Info("deposit credited",
		slog.String("address", caller.String()),
		slog.String("amount", amount.Dec()))
	return s.receipt(ctx, caller, amount, ""), nil
}

// Withdraw pays amount out of the caller's balance.
//
// The debit is committed before the releaser runs, so a call that re-enters
// the service while the release is in flight sees the reduced balance. If the
// releaser fails, the debit is reversed and ErrTransferFailed is returned:
// either the balance is reduced and the value released, or neither happens.
func (s *Service) Withdraw(ctx context.Context, caller ledger.Address, amount *uint256.Int) (Receipt, error) {
	if amount == nil || amount.IsZero() {
		return Receipt{Account: caller, Amount: amount, State: StateRejected}, ledger.ErrInvalidAmount
	}
	// The releaser gets its own copy so it cannot alter the amount reversed on failure.
	rel := Release{ID: uuid.NewString(), To: caller, Amount: amount.Clone()}
	rejected := Receipt{Account: caller, Amount: amount, ReleaseID: rel.ID, State: StateRejected}

	log := s.logger.With(
		slog.String("address", caller.String()),
		slog.String("amount", amount.Dec()),
		slog.String("release_id", rel.ID),
	)

	balance, err := s.ledger.BalanceOf(ctx, caller)
	if err != nil {
		return rejected, err
	}
	if balance.Lt(amount) {
		log.Info("withdrawal rejected", slog.String("state", string(StateValidate)), slog.String("balance", balance.Dec()))
		return rejected, ledger.ErrInsufficientBalance
	}

	if err := s.ledger.Debit(ctx, caller, amount); err != nil {
		log.Info("withdrawal rejected", slog.String("state", string(StateCommit)), slog.Any("error", err))
		return rejected, err
	}

	if !s.release(ctx, log, rel) {
		// The reversal must land even if the caller has gone away.
		if rerr := s.ledger.Reverse(context.WithoutCancel(ctx), caller, amount); rerr != nil {
			// Reachable when a concurrent or nested credit used up the headroom
			// below 2^256 while the release was in flight.
			log.Error("withdrawal debit not reversed, manual correction required",
				slog.String("state", string(StateRelease)),
				slog.Bool("overflow", errors.Is(rerr, ledger.ErrOverflow)),
				slog.Any("error", rerr))
			return rejected, errors.Join(ledger.ErrTransferFailed, ErrDebitNotReversed, fmt.Errorf("reverse debit: %w", rerr))
		}
		log.Warn("withdrawal rolled back", slog.String("state", string(StateRelease)))
		return rejected, ledger.ErrTransferFailed
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, ledger.NewEvent(ledger.EventWithdrawn, caller, amount)); err != nil {
			log.Warn("publish ledger event", slog.String("kind", string(ledger.EventWithdrawn)), slog.Any("error", err))
		}
	}
	log.Info("withdrawal completed")

	return s.receipt(ctx, caller, amount, rel.ID), nil
}

// BalanceOf returns the caller-independent balance of account.
func (s *Service) BalanceOf(ctx context.Context, account ledger.Address) (*uint256.Int, error) {
	return s.ledger.BalanceOf(ctx, account)
}

// TotalValue returns the value held in custody.
func (s *Service) TotalValue(ctx context.Context) (*uint256.Int, error) {
	return s.ledger.TotalValue(ctx)
}

// Audit checks that the running total equals the sum of all balances.
func (s *Service) Audit(ctx context.Context) (ledger.AuditReport, error) {
	return ledger.Audit(ctx, s.ledger)
}

// release runs the collaborator. A panic inside it counts as a failed
// transfer so the committed debit can still be reversed.
func (s *Service) release(ctx context.Context, log *slog.Logger, rel Release) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("releaser panicked", slog.Any("panic", r))
			ok = false
		}
	}()
	return s.releaser.Release(ctx, rel)
}

// receipt reads the post-operation balances. The operation has already
// committed, so read failures are logged and leave the fields nil.
func (s *Service) receipt(ctx context.Context, account ledger.Address, amount *uint256.Int, releaseID string) Receipt {
	out := Receipt{
		Account:     account,
		Amount:      amount,
		ReleaseID:   releaseID,
		State:       StateCompleted,
		CompletedAt: time.Now().UTC(),
	}
	balance, err := s.ledger.BalanceOf(ctx, account)
	if err != nil {
		s.logger.Warn("read balance for receipt", slog.String("address", account.String()), slog.Any("error", err))
	} else {
		out.Balance = balance
	}
	total, err := s.ledger.TotalValue(ctx)
	if err != nil {
		s.logger.Warn("read total for receipt", slog.Any("error", err))
	} else {
		out.Total = total
	}
	return out
}
