package subledger

import (
	"context"
	"sync"

	"agentpay/amount"
	"agentpay/faults"
)

// Store is the subledger persistence port.
type Store interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	UpdateAccount(ctx context.Context, account *Account) error
	AppendTransaction(ctx context.Context, tx *Transaction) error
	Transactions(ctx context.Context, accountID string) ([]*Transaction, error)
	// TotalBalance sums available, pending, and held across every account
	// in one currency. The reconciler compares it against the treasury.
	TotalBalance(ctx context.Context, currency string) (amount.Amount, error)
	Close() error
}

// MemoryStore is the in-process Store used for single-node deployments and
// tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	txs      map[string][]*Transaction
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		txs:      make(map[string][]*Transaction),
	}
}

// CreateAccount implements Store.
func (s *MemoryStore) CreateAccount(_ context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.AccountID]; exists {
		return faults.New(faults.CodeAlreadyExists, "account %s", account.AccountID)
	}
	clone := *account
	s.accounts[account.AccountID] = &clone
	return nil
}

// GetAccount implements Store.
func (s *MemoryStore) GetAccount(_ context.Context, accountID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, faults.New(faults.CodeNotFound, "account %s", accountID)
	}
	clone := *account
	return &clone, nil
}

// UpdateAccount implements Store.
func (s *MemoryStore) UpdateAccount(_ context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.AccountID]; !ok {
		return faults.New(faults.CodeNotFound, "account %s", account.AccountID)
	}
	clone := *account
	s.accounts[account.AccountID] = &clone
	return nil
}

// AppendTransaction implements Store.
func (s *MemoryStore) AppendTransaction(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *tx
	s.txs[tx.AccountID] = append(s.txs[tx.AccountID], &clone)
	return nil
}

// Transactions implements Store.
func (s *MemoryStore) Transactions(_ context.Context, accountID string) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txs := s.txs[accountID]
	out := make([]*Transaction, len(txs))
	for i, tx := range txs {
		clone := *tx
		out[i] = &clone
	}
	return out, nil
}

// TotalBalance implements Store.
func (s *MemoryStore) TotalBalance(_ context.Context, currency string) (amount.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := amount.Zero()
	for _, account := range s.accounts {
		if account.Currency == currency {
			total = total.Add(account.Total())
		}
	}
	return total, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
