package ledger

import (
	"time"

	"agentpay/amount"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	TypeCredit     EntryType = "credit"
	TypeDebit      EntryType = "debit"
	TypeTransfer   EntryType = "transfer"
	TypeFee        EntryType = "fee"
	TypeRefund     EntryType = "refund"
	TypeAdjustment EntryType = "adjustment"
	TypeReversal   EntryType = "reversal"
)

// Direction is the explicit sign of an entry. The sign is always carried on
// the entry itself and never inferred from the entry type; a reversal's sign
// is the opposite of the entry it reverses.
type Direction int8

const (
	DirectionCredit Direction = 1
	DirectionDebit  Direction = -1
)

// defaultDirection returns the conventional sign for types whose sign is
// unambiguous. Transfers, adjustments, and reversals must be explicit.
func defaultDirection(entryType EntryType) (Direction, bool) {
	switch entryType {
	case TypeCredit, TypeRefund:
		return DirectionCredit, true
	case TypeDebit, TypeFee:
		return DirectionDebit, true
	}
	return 0, false
}

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusReversed  Status = "reversed"
	StatusCancelled Status = "cancelled"
)

// countsTowardBalance reports whether entries in this status contribute to
// balances. Reversed entries still count with their own sign; the reversal
// entry carries the offsetting movement.
func countsTowardBalance(status Status) bool {
	return status == StatusConfirmed || status == StatusReversed
}

// Entry is one append-only ledger record.
type Entry struct {
	EntryID        string            `json:"entry_id"`
	Seq            uint64            `json:"seq"`
	TxID           string            `json:"tx_id"`
	AccountID      string            `json:"account_id"`
	Type           EntryType         `json:"entry_type"`
	Direction      Direction         `json:"direction"`
	Amount         amount.Amount     `json:"amount"`
	Fee            amount.Amount     `json:"fee"`
	RunningBalance amount.Amount     `json:"running_balance"`
	Currency       string            `json:"currency"`
	Chain          string            `json:"chain,omitempty"`
	ChainTxHash    string            `json:"chain_tx_hash,omitempty"`
	BlockNumber    uint64            `json:"block_number,omitempty"`
	AuditAnchor    string            `json:"audit_anchor,omitempty"`
	Status         Status            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	ConfirmedAt    *time.Time        `json:"confirmed_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// signedDelta is the entry's effect on its account balance.
func (e *Entry) signedDelta() amount.Amount {
	total := e.Amount.Add(e.Fee)
	if e.Direction == DirectionDebit {
		return total.Neg()
	}
	return total
}

// MetadataOriginalEntry points a reversal at the entry it undoes.
const MetadataOriginalEntry = "original_entry_id"

// Snapshot captures an account balance after a fixed number of entries so
// historical queries replay only the tail.
type Snapshot struct {
	SnapshotID string        `json:"snapshot_id"`
	AccountID  string        `json:"account_id"`
	Currency   string        `json:"currency"`
	Balance    amount.Amount `json:"balance"`
	LastSeq    uint64        `json:"last_seq"`
	EntryCount uint64        `json:"entry_count"`
	CreatedAt  time.Time     `json:"created_at"`
}

// EntryRequest carries the caller-supplied fields for a new entry.
type EntryRequest struct {
	TxID        string
	AccountID   string
	Type        EntryType
	Direction   Direction // optional for credit/debit/fee/refund
	Amount      amount.Amount
	Fee         amount.Amount
	Currency    string
	Chain       string
	ChainTxHash string
	BlockNumber uint64
	Metadata    map[string]string
}

// Filter selects entries from the store. Zero fields are ignored.
type Filter struct {
	AccountID    string
	Currency     string
	TxID         string
	Statuses     []Status
	ChainTxHash  string
	WithChainRef bool
	AfterSeq     uint64
	Until        *time.Time
	Limit        int
}
