// Package subledger tracks per-agent balances inside the platform treasury.
// Each account splits into available, pending, and held buckets: pending
// covers in-flight deposits, held backs authorized card spend until
// settlement or release.
package subledger

import (
	"time"

	"agentpay/amount"
)

// Account is one agent's funding balance in one currency.
type Account struct {
	AccountID string        `json:"account_id"`
	OwnerID   string        `json:"owner_id"`
	Currency  string        `json:"currency"`
	Available amount.Amount `json:"available"`
	Pending   amount.Amount `json:"pending"`
	Held      amount.Amount `json:"held"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Total is the full claim the account has on the treasury.
func (a *Account) Total() amount.Amount {
	return a.Available.Add(a.Pending).Add(a.Held)
}

// TxKind classifies a subledger movement.
type TxKind string

const (
	TxDepositPending   TxKind = "deposit_pending"
	TxDepositConfirmed TxKind = "deposit_confirmed"
	TxDepositFailed    TxKind = "deposit_failed"
	TxWithdraw         TxKind = "withdraw"
	TxHold             TxKind = "hold"
	TxRelease          TxKind = "release"
	TxCardSettlement   TxKind = "card_settlement"
	TxAdjustment       TxKind = "adjustment"
)

// Transaction records one movement with the balances that resulted from it,
// so account history is auditable without replay.
type Transaction struct {
	TxID           string        `json:"tx_id"`
	AccountID      string        `json:"account_id"`
	Kind           TxKind        `json:"kind"`
	Amount         amount.Amount `json:"amount"`
	AvailableAfter amount.Amount `json:"available_after"`
	PendingAfter   amount.Amount `json:"pending_after"`
	HeldAfter      amount.Amount `json:"held_after"`
	Reference      string        `json:"reference,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}
