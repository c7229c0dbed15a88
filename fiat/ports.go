// Package fiat orchestrates multi-step money movements between the agent
// subledger and external fiat rails, with explicit compensation when a
// provider step fails after balances have moved.
package fiat

import (
	"context"

	"agentpay/amount"
)

// TransferStatus is the provider-side state of a treasury transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
)

// Transfer is one treasury-side movement.
type Transfer struct {
	ID          string         `json:"id"`
	Status      TransferStatus `json:"status"`
	Amount      amount.Amount  `json:"amount"`
	Destination string         `json:"destination,omitempty"`
}

// TreasuryPort is the fiat custody provider: balance of the pooled account,
// outbound bank payments, and funding of the card issuing balance.
type TreasuryPort interface {
	Balance(ctx context.Context, currency string) (amount.Amount, error)
	CreateOutboundPayment(ctx context.Context, amt amount.Amount, destination string) (*Transfer, error)
	FundIssuingBalance(ctx context.Context, amt amount.Amount) (*Transfer, error)
}

// SessionStatus is the off-ramp provider's view of a conversion session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// RampSession is one crypto→fiat conversion at the off-ramp provider.
type RampSession struct {
	SessionID      string        `json:"session_id"`
	Status         SessionStatus `json:"status"`
	Amount         amount.Amount `json:"amount"`
	DepositAddress string        `json:"deposit_address,omitempty"`
}

// RampPort creates and inspects off-ramp sessions.
type RampPort interface {
	CreateOfframpSession(ctx context.Context, accountID string, amt amount.Amount) (*RampSession, error)
	GetSession(ctx context.Context, sessionID string) (*RampSession, error)
}
