// Package settlement routes confirmed payments onto chains. Three modes are
// supported: internal-only bookkeeping, synchronous per-transaction
// dispatch, and batched dispatch that aggregates settlements per chain.
package settlement

import (
	"context"
	"time"

	"agentpay/amount"
)

// Mode selects how a settlement reaches the chain.
type Mode string

const (
	ModeInternalOnly Mode = "internal_only"
	ModePerTx        Mode = "per_tx"
	ModeBatched      Mode = "batched"
)

// ParseMode validates a mode string, defaulting to per_tx.
func ParseMode(raw string) (Mode, bool) {
	switch Mode(raw) {
	case ModeInternalOnly, ModePerTx, ModeBatched:
		return Mode(raw), true
	case "":
		return ModePerTx, true
	}
	return "", false
}

// Status is the lifecycle state of one settlement.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSubmitting Status = "submitting"
	StatusSubmitted  Status = "submitted"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
)

// BatchStatus is the lifecycle state of a settlement batch.
type BatchStatus string

const (
	BatchOpen       BatchStatus = "open"
	BatchClosed     BatchStatus = "closed"
	BatchSubmitting BatchStatus = "submitting"
	BatchConfirmed  BatchStatus = "confirmed"
	BatchFailed     BatchStatus = "failed"
)

// Settlement is one payment's journey onto a chain.
type Settlement struct {
	SettlementID string        `json:"settlement_id"`
	TxID         string        `json:"tx_id"`
	Chain        string        `json:"chain"`
	Token        string        `json:"token"`
	Destination  string        `json:"destination"`
	Amount       amount.Amount `json:"amount"`
	Mode         Mode          `json:"mode"`
	Status       Status        `json:"status"`
	Attempts     int           `json:"attempts"`
	LastError    string        `json:"last_error,omitempty"`
	TxHash       string        `json:"tx_hash,omitempty"`
	BlockNumber  uint64        `json:"block_number,omitempty"`
	AuditAnchor  string        `json:"audit_anchor,omitempty"`
	BatchID      string        `json:"batch_id,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Batch aggregates settlements bound for one chain into a single submission.
type Batch struct {
	BatchID     string        `json:"batch_id"`
	Chain       string        `json:"chain"`
	Status      BatchStatus   `json:"status"`
	TotalAmount amount.Amount `json:"total_amount"`
	Attempts    int           `json:"attempts"`
	CreatedAt   time.Time     `json:"created_at"`
	ClosedAt    *time.Time    `json:"closed_at,omitempty"`
}

// Request asks the manager to settle one payment. Mode overrides the
// manager's default when set.
type Request struct {
	TxID        string
	Chain       string
	Token       string
	Destination string
	Amount      amount.Amount
	Mode        Mode
}

// Receipt is the chain's acknowledgement of a dispatch.
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	Chain       string `json:"chain"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
	AuditAnchor string `json:"audit_anchor,omitempty"`
}

// ChainTx is a transaction as observed on chain, used by per-settlement
// confirmation and by the reconciler.
type ChainTx struct {
	TxHash      string        `json:"tx_hash"`
	From        string        `json:"from"`
	To          string        `json:"to"`
	Token       string        `json:"token"`
	Amount      amount.Amount `json:"amount"`
	Status      string        `json:"status"`
	BlockNumber uint64        `json:"block_number"`
}

// Chain transaction status values reported by chain ports.
const (
	ChainTxConfirmed = "confirmed"
	ChainTxPending   = "pending"
	ChainTxFailed    = "failed"
)

// ChainPort dispatches settlements onto a chain and reads transactions
// back. A batch dispatch is a single atomic chain call.
type ChainPort interface {
	Dispatch(ctx context.Context, item *Settlement) (*Receipt, error)
	DispatchBatch(ctx context.Context, items []*Settlement) (*Receipt, error)
	GetTransaction(ctx context.Context, txHash string) (*ChainTx, error)
}

// Observer is notified when a batched settlement reaches a terminal
// status after its batch flushes. Per-tx and internal-only settlements
// resolve inside Settle and never reach the observer. Callbacks run on
// the goroutine that submitted the batch.
type Observer interface {
	SettlementConfirmed(ctx context.Context, item *Settlement, receipt *Receipt)
	SettlementFailed(ctx context.Context, item *Settlement, cause error)
}
