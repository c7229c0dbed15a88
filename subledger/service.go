package subledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"agentpay/amount"
	"agentpay/faults"
	"agentpay/ledger"
)

const lockResourceAccount = "subledger_account"

// TreasuryPort reports the custodied balance backing the subledger.
type TreasuryPort interface {
	Balance(ctx context.Context, currency string) (amount.Amount, error)
}

// ReconcileReport compares the subledger total against the treasury.
type ReconcileReport struct {
	Currency       string        `json:"currency"`
	SubledgerTotal amount.Amount `json:"subledger_total"`
	TreasuryTotal  amount.Amount `json:"treasury_total"`
	Difference     amount.Amount `json:"difference"`
	Reconciled     bool          `json:"reconciled"`
	CheckedAt      time.Time     `json:"checked_at"`
}

// Service is the subledger operation surface. Every balance mutation runs
// under the account's lock so holds and settlements interleave safely.
type Service struct {
	store       Store
	locks       *ledger.LockManager
	logger      *slog.Logger
	now         func() time.Time
	lockTimeout time.Duration
	// tolerance is the largest treasury difference still considered
	// reconciled, one minor unit of the platform currency.
	tolerance amount.Amount
}

// ServiceOption customises the service.
type ServiceOption func(*Service)

// WithClock sets the time source.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.now = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReconcileTolerance overrides the reconciliation tolerance.
func WithReconcileTolerance(tolerance amount.Amount) ServiceOption {
	return func(s *Service) { s.tolerance = tolerance }
}

// NewService constructs the subledger service over a store and lock manager.
func NewService(store Store, locks *ledger.LockManager, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		locks:       locks,
		logger:      slog.Default(),
		now:         time.Now,
		lockTimeout: 5 * time.Second,
		tolerance:   amount.OneMinorUnit(2),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAccount opens a zero-balance funding account for an owner.
func (s *Service) CreateAccount(ctx context.Context, ownerID, currency string) (*Account, error) {
	if ownerID == "" || currency == "" {
		return nil, faults.New(faults.CodeInvalidAmount, "owner and currency are required")
	}
	now := s.now().UTC()
	account := &Account{
		AccountID: "sub_" + ownerID,
		OwnerID:   ownerID,
		Currency:  currency,
		Available: amount.Zero(),
		Pending:   amount.Zero(),
		Held:      amount.Zero(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccount returns the current account state.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	return s.store.GetAccount(ctx, accountID)
}

// Transactions returns the account's movement history, oldest first.
func (s *Service) Transactions(ctx context.Context, accountID string) ([]*Transaction, error) {
	return s.store.Transactions(ctx, accountID)
}

// mutate runs fn against the locked, freshly loaded account and persists the
// result together with a transaction record.
func (s *Service) mutate(ctx context.Context, accountID string, kind TxKind, amt amount.Amount, reference string, fn func(*Account) error) (*Transaction, error) {
	if !amt.IsPositive() {
		return nil, faults.New(faults.CodeInvalidAmount, "%s amount %s must be positive", kind, amount.Canonical(amt))
	}
	holder := string(kind) + "_" + uuid.NewString()
	lock, err := s.locks.Acquire(ctx, lockResourceAccount, accountID, holder, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer s.locks.Release(lock)

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := fn(account); err != nil {
		return nil, err
	}
	account.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateAccount(ctx, account); err != nil {
		return nil, err
	}
	tx := &Transaction{
		TxID:           "sut_" + uuid.NewString(),
		AccountID:      accountID,
		Kind:           kind,
		Amount:         amt,
		AvailableAfter: account.Available,
		PendingAfter:   account.Pending,
		HeldAfter:      account.Held,
		Reference:      reference,
		CreatedAt:      account.UpdatedAt,
	}
	if err := s.store.AppendTransaction(ctx, tx); err != nil {
		return nil, err
	}
	s.logger.Debug("subledger movement",
		slog.String("account_id", accountID),
		slog.String("kind", string(kind)),
		slog.String("amount", amount.Canonical(amt)),
	)
	return tx, nil
}

// BeginDeposit records an initiated deposit as pending until the provider
// confirms it.
func (s *Service) BeginDeposit(ctx context.Context, accountID string, amt amount.Amount, reference string) (*Transaction, error) {
	return s.mutate(ctx, accountID, TxDepositPending, amt, reference, func(account *Account) error {
		account.Pending = account.Pending.Add(amt)
		return nil
	})
}

// ConfirmDeposit moves a confirmed deposit from pending to available.
func (s *Service) ConfirmDeposit(ctx context.Context, accountID string, amt amount.Amount, reference string) (*Transaction, error) {
	return s.mutate(ctx, accountID, TxDepositConfirmed, amt, reference, func(account *Account) error {
		if account.Pending.LessThan(amt) {
			return faults.New(faults.CodeInvalidAmount,
				"account %s has %s pending, %s confirmation received",
				accountID, amount.Canonical(account.Pending), amount.Canonical(amt))
		}
		account.Pending = account.Pending.Sub(amt)
		account.Available = account.Available.Add(amt)
		return nil
	})
}

// FailDeposit drops a pending deposit that the provider reported failed.
func (s *Service) FailDeposit(ctx context.Context, accountID string, amt amount.Amount, reference string) (*Transaction, error) {
	return s.mutate(ctx, accountID, TxDepositFailed, amt, reference, func(account *Account) error {
		if account.Pending.LessThan(amt) {
			return faults.New(faults.CodeInvalidAmount,
				"account %s has %s pending, %s failure reported",
				accountID, amount.Canonical(account.Pending), amount.Canonical(amt))
		}
		account.Pending = account.Pending.Sub(amt)
		return nil
	})
}

// Deposit credits settled funds straight to the available balance.
func (s *Service) Deposit(ctx context.Context, accountID string, amt amount.Amount, reference string) (*Transaction, error) {
	return s.mutate(ctx, accountID, TxDepositConfirmed, amt, reference, func(account *Account) error {
		account.Available = account.Available.Add(amt)
		return nil
	})
}

// Withdraw debits available funds. Pending and held funds cannot be
// withdrawn.
func (s *Service) Withdraw(ctx context.Context, accountID string, amt amount.Amount, reference string) (*Transaction, error) {
	return s.mutate(ctx, accountID, TxWithdraw, amt, reference, func(account *Account) error {
		if account.Available.LessThan(amt) {
			return faults.New(faults.CodeInsufficientBalance,
				"account %s has %s available, %s requested",
				accountID, amount.Canonical(account.Available), amount.Canonical(amt))
		}
		account.Available = account.Available.Sub(amt)
		return nil
	})
}

// HoldForCard moves available funds into the held bucket for an authorized
// card spend.
func (s *Service) HoldForCard(ctx context.Context, accountID string, amt amount.Amount, cardID string) (*Transaction, error) {
	return s.mutate(ctx, accountID, TxHold, amt, cardID, func(account *Account) error {
		if account.Available.LessThan(amt) {
			return faults.New(faults.CodeInsufficientBalance,
				"account %s has %s available, %s hold requested",
				accountID, amount.Canonical(account.Available), amount.Canonical(amt))
		}
		account.Available = account.Available.Sub(amt)
		account.Held = account.Held.Add(amt)
		return nil
	})
}

// ReleaseHold returns earmarked funds to the available balance.
func (s *Service) ReleaseHold(ctx context.Context, accountID string, amt amount.Amount, cardID string) (*Transaction, error) {
	return s.mutate(ctx, accountID, TxRelease, amt, cardID, func(account *Account) error {
		if account.Held.LessThan(amt) {
			return faults.New(faults.CodeInsufficientHeld,
				"account %s holds %s, %s release requested",
				accountID, amount.Canonical(account.Held), amount.Canonical(amt))
		}
		account.Held = account.Held.Sub(amt)
		account.Available = account.Available.Add(amt)
		return nil
	})
}

// SettleCard consumes held funds once the card network settles; the funds
// permanently leave the agent's claim on the treasury. A settlement below
// the hold leaves the remainder held until released.
func (s *Service) SettleCard(ctx context.Context, accountID string, amt amount.Amount, externalTxID string) (*Transaction, error) {
	return s.mutate(ctx, accountID, TxCardSettlement, amt, externalTxID, func(account *Account) error {
		if account.Held.LessThan(amt) {
			return faults.New(faults.CodeInsufficientHeld,
				"account %s holds %s, %s settlement requested",
				accountID, amount.Canonical(account.Held), amount.Canonical(amt))
		}
		account.Held = account.Held.Sub(amt)
		return nil
	})
}

// Reconcile compares the subledger total against the treasury balance.
// Differences beyond one minor unit are reported as
// reconciliation_mismatch.
func (s *Service) Reconcile(ctx context.Context, treasury TreasuryPort, currency string) (*ReconcileReport, error) {
	subTotal, err := s.store.TotalBalance(ctx, currency)
	if err != nil {
		return nil, err
	}
	treasuryTotal, err := treasury.Balance(ctx, currency)
	if err != nil {
		return nil, faults.Wrap(faults.CodeProviderUnavailable, err, "treasury balance for %s", currency)
	}
	diff := treasuryTotal.Sub(subTotal)
	report := &ReconcileReport{
		Currency:       currency,
		SubledgerTotal: subTotal,
		TreasuryTotal:  treasuryTotal,
		Difference:     diff,
		Reconciled:     diff.Abs().LessThan(s.tolerance),
		CheckedAt:      s.now().UTC(),
	}
	if !report.Reconciled {
		return report, faults.New(faults.CodeReconciliationMismatch,
			"subledger %s holds %s, treasury holds %s",
			currency, amount.Canonical(subTotal), amount.Canonical(treasuryTotal))
	}
	return report, nil
}
