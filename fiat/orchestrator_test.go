package fiat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentpay/amount"
	"agentpay/audit"
	"agentpay/faults"
	"agentpay/ledger"
	"agentpay/subledger"
)

type fakeTreasury struct {
	outboundStatus TransferStatus
	outboundErr    error
	fundErr        error
	outbound       []amount.Amount
	funded         []amount.Amount
}

func (f *fakeTreasury) Balance(context.Context, string) (amount.Amount, error) {
	return amount.Amount{}, nil
}

func (f *fakeTreasury) CreateOutboundPayment(_ context.Context, amt amount.Amount, _ string) (*Transfer, error) {
	if f.outboundErr != nil {
		return nil, f.outboundErr
	}
	f.outbound = append(f.outbound, amt)
	status := f.outboundStatus
	if status == "" {
		status = TransferCompleted
	}
	return &Transfer{ID: "tr_1", Status: status, Amount: amt}, nil
}

func (f *fakeTreasury) FundIssuingBalance(_ context.Context, amt amount.Amount) (*Transfer, error) {
	if f.fundErr != nil {
		return nil, f.fundErr
	}
	f.funded = append(f.funded, amt)
	return &Transfer{ID: "tr_2", Status: TransferCompleted, Amount: amt}, nil
}

type fakeRamp struct {
	status   SessionStatus
	sessions int
}

func (f *fakeRamp) CreateOfframpSession(_ context.Context, _ string, amt amount.Amount) (*RampSession, error) {
	f.sessions++
	return &RampSession{SessionID: "sess_1", Status: f.status, Amount: amt}, nil
}

func (f *fakeRamp) GetSession(_ context.Context, sessionID string) (*RampSession, error) {
	return &RampSession{SessionID: sessionID, Status: f.status}, nil
}

func newFixture(t *testing.T, treasury TreasuryPort, ramp RampPort) (*Orchestrator, *subledger.Service, string, *audit.MemoryStore) {
	t.Helper()
	accounts := subledger.NewService(subledger.NewMemoryStore(), ledger.NewLockManager(time.Second))
	account, err := accounts.CreateAccount(context.Background(), "agent_1", "USDC")
	require.NoError(t, err)
	auditStore := audit.NewMemoryStore()
	trail, err := audit.NewTrail(context.Background(), auditStore)
	require.NoError(t, err)
	o := New(accounts, treasury, ramp, WithAuditTrail(trail))
	return o, accounts, account.AccountID, auditStore
}

func usd(value string) amount.Amount { return amount.MustFromString(value) }

func available(t *testing.T, accounts *subledger.Service, accountID string) amount.Amount {
	t.Helper()
	account, err := accounts.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	return account.Available
}

func TestWithdrawToBankCompletes(t *testing.T) {
	treasury := &fakeTreasury{}
	o, accounts, accountID, _ := newFixture(t, treasury, nil)
	ctx := context.Background()
	_, err := accounts.Deposit(ctx, accountID, usd("100"), "seed")
	require.NoError(t, err)

	result, err := o.WithdrawToBank(ctx, accountID, usd("40"), "bank_acct_9")
	require.NoError(t, err)
	require.Equal(t, FlowCompleted, result.Status)
	require.Len(t, result.LedgerTxIDs, 1)
	require.Equal(t, "tr_1", result.ProviderRef)
	require.Len(t, treasury.outbound, 1)
	require.True(t, available(t, accounts, accountID).Equal(usd("60")))
}

func TestWithdrawToBankFailsFastWhenShort(t *testing.T) {
	treasury := &fakeTreasury{}
	o, accounts, accountID, _ := newFixture(t, treasury, nil)
	ctx := context.Background()
	_, err := accounts.Deposit(ctx, accountID, usd("10"), "seed")
	require.NoError(t, err)

	result, err := o.WithdrawToBank(ctx, accountID, usd("40"), "bank_acct_9")
	require.True(t, faults.Is(err, faults.CodeInsufficientBalance))
	require.Equal(t, FlowFailed, result.Status)
	require.Empty(t, result.LedgerTxIDs)
	require.Empty(t, treasury.outbound)
	require.True(t, available(t, accounts, accountID).Equal(usd("10")))
}

func TestWithdrawToBankCompensatesOnTreasuryFailure(t *testing.T) {
	treasury := &fakeTreasury{outboundErr: errors.New("provider 503")}
	o, accounts, accountID, auditStore := newFixture(t, treasury, nil)
	ctx := context.Background()
	_, err := accounts.Deposit(ctx, accountID, usd("100"), "seed")
	require.NoError(t, err)

	result, err := o.WithdrawToBank(ctx, accountID, usd("40"), "bank_acct_9")
	require.True(t, faults.Is(err, faults.CodeProviderUnavailable))
	require.Equal(t, FlowFailed, result.Status)
	require.Equal(t, faults.CodeProviderUnavailable, result.ErrorCode)
	// Debit then compensating credit.
	require.Len(t, result.LedgerTxIDs, 2)
	require.True(t, available(t, accounts, accountID).Equal(usd("100")))

	var compensations int
	require.NoError(t, auditStore.Walk(ctx, func(e *audit.Entry) error {
		if e.Decision == audit.DecisionCompensation {
			compensations++
			require.Equal(t, "40", e.Metadata["amount"])
		}
		return nil
	}))
	require.Equal(t, 1, compensations)
}

func TestWithdrawToBankPendingTransfer(t *testing.T) {
	treasury := &fakeTreasury{outboundStatus: TransferPending}
	o, accounts, accountID, _ := newFixture(t, treasury, nil)
	ctx := context.Background()
	_, err := accounts.Deposit(ctx, accountID, usd("100"), "seed")
	require.NoError(t, err)

	result, err := o.WithdrawToBank(ctx, accountID, usd("40"), "bank_acct_9")
	require.NoError(t, err)
	require.Equal(t, FlowPending, result.Status)
}

func TestBankDepositConfirmsThroughWebhook(t *testing.T) {
	o, accounts, accountID, _ := newFixture(t, &fakeTreasury{}, nil)
	ctx := context.Background()

	result, err := o.BeginBankDeposit(ctx, accountID, usd("75"), "wire_123")
	require.NoError(t, err)
	require.Equal(t, FlowPending, result.Status)
	require.True(t, available(t, accounts, accountID).IsZero())

	event := &TreasuryEvent{
		EventID:   "evt_1",
		Type:      "deposit_completed",
		AccountID: accountID,
		Amount:    usd("75"),
		Reference: "wire_123",
	}
	require.NoError(t, o.ApplyTreasuryWebhook(ctx, event))
	require.True(t, available(t, accounts, accountID).Equal(usd("75")))

	// Replay applies at most once.
	require.NoError(t, o.ApplyTreasuryWebhook(ctx, event))
	require.True(t, available(t, accounts, accountID).Equal(usd("75")))
}

func TestBankDepositFailureReleasesPending(t *testing.T) {
	o, accounts, accountID, _ := newFixture(t, &fakeTreasury{}, nil)
	ctx := context.Background()

	_, err := o.BeginBankDeposit(ctx, accountID, usd("75"), "wire_123")
	require.NoError(t, err)
	require.NoError(t, o.ApplyTreasuryWebhook(ctx, &TreasuryEvent{
		EventID: "evt_1", Type: "deposit_failed",
		AccountID: accountID, Amount: usd("75"), Reference: "wire_123",
	}))

	account, err := accounts.GetAccount(ctx, accountID)
	require.NoError(t, err)
	require.True(t, account.Pending.IsZero())
	require.True(t, account.Available.IsZero())
}

func TestCardFundingWaitsForProviderCompletion(t *testing.T) {
	treasury := &fakeTreasury{}
	ramp := &fakeRamp{status: SessionPending}
	o, accounts, accountID, _ := newFixture(t, treasury, ramp)
	ctx := context.Background()

	result, err := o.FundCardFromCrypto(ctx, accountID, usd("50"))
	require.NoError(t, err)
	require.Equal(t, FlowPending, result.Status)
	require.Empty(t, result.LedgerTxIDs)
	require.True(t, available(t, accounts, accountID).IsZero())
	require.Empty(t, treasury.funded)
	require.Equal(t, []string{"sess_1"}, o.PendingFundings())

	done, err := o.ApplyRampWebhook(ctx, &RampEvent{
		EventID: "evt_1", SessionID: "sess_1", Status: SessionCompleted,
	})
	require.NoError(t, err)
	require.Equal(t, FlowCompleted, done.Status)
	require.Equal(t, result.FlowID, done.FlowID)
	require.Len(t, done.LedgerTxIDs, 1)
	require.True(t, available(t, accounts, accountID).Equal(usd("50")))
	require.Len(t, treasury.funded, 1)
	require.True(t, treasury.funded[0].Equal(usd("50")))

	// Replayed webhook moves nothing.
	again, err := o.ApplyRampWebhook(ctx, &RampEvent{
		EventID: "evt_1", SessionID: "sess_1", Status: SessionCompleted,
	})
	require.NoError(t, err)
	require.Nil(t, again)
	require.True(t, available(t, accounts, accountID).Equal(usd("50")))
	require.Len(t, treasury.funded, 1)
}

func TestCardFundingCompletedSessionSettlesImmediately(t *testing.T) {
	treasury := &fakeTreasury{}
	ramp := &fakeRamp{status: SessionCompleted}
	o, accounts, accountID, _ := newFixture(t, treasury, ramp)
	ctx := context.Background()

	result, err := o.FundCardFromCrypto(ctx, accountID, usd("50"))
	require.NoError(t, err)
	require.Equal(t, FlowCompleted, result.Status)
	require.Len(t, result.LedgerTxIDs, 1)
	require.True(t, available(t, accounts, accountID).Equal(usd("50")))
	require.Len(t, treasury.funded, 1)
}

func TestCardFundingCompensatesWhenIssuingFails(t *testing.T) {
	treasury := &fakeTreasury{fundErr: errors.New("issuing outage")}
	ramp := &fakeRamp{status: SessionCompleted}
	o, accounts, accountID, auditStore := newFixture(t, treasury, ramp)
	ctx := context.Background()

	result, err := o.FundCardFromCrypto(ctx, accountID, usd("50"))
	require.True(t, faults.Is(err, faults.CodeProviderUnavailable))
	require.Equal(t, FlowFailed, result.Status)
	// Credit then compensating debit.
	require.Len(t, result.LedgerTxIDs, 2)
	require.True(t, available(t, accounts, accountID).IsZero())

	var compensations int
	require.NoError(t, auditStore.Walk(ctx, func(e *audit.Entry) error {
		if e.Decision == audit.DecisionCompensation {
			compensations++
		}
		return nil
	}))
	require.Equal(t, 1, compensations)
}

func TestUnknownRampSessionRejected(t *testing.T) {
	o, _, _, _ := newFixture(t, &fakeTreasury{}, &fakeRamp{status: SessionPending})
	_, err := o.ApplyRampWebhook(context.Background(), &RampEvent{
		EventID: "evt_x", SessionID: "sess_missing", Status: SessionCompleted,
	})
	require.True(t, faults.Is(err, faults.CodeNotFound))
}
