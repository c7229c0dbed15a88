package hybrid

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
)

type flakyAuditStore struct {
	*audit.MemoryStore
	failAppend bool
}

func (s *flakyAuditStore) Append(ctx context.Context, entry *audit.Entry) error {
	if s.failAppend {
		return errors.New("audit store unavailable")
	}
	return s.MemoryStore.Append(ctx, entry)
}

func newHybrid(t *testing.T, mode Mode) (*Ledger, *flakyAuditStore) {
	t.Helper()
	auditStore := &flakyAuditStore{MemoryStore: audit.NewMemoryStore()}
	locks := ledger.NewLockManager(time.Second)
	l, err := New(context.Background(), ledger.NewMemoryStore(), auditStore, mode, locks, nil)
	require.NoError(t, err)
	return l, auditStore
}

func creditReq(account, value string) *ledger.EntryRequest {
	return &ledger.EntryRequest{
		TxID:      "tx_1",
		AccountID: account,
		Type:      ledger.TypeCredit,
		Amount:    amount.MustFromString(value),
		Currency:  "USDC",
	}
}

func TestDualWriteRecordsAuditEntry(t *testing.T) {
	l, _ := newHybrid(t, ModeRequireDualWrite)
	ctx := context.Background()

	entry, err := l.CreateEntry(ctx, creditReq("acct_1", "25"))
	require.NoError(t, err)

	auditID, ok := l.AuditID(entry.EntryID)
	require.True(t, ok)
	record, err := l.Trail().Get(ctx, auditID)
	require.NoError(t, err)
	require.Equal(t, entry.EntryID, record.LedgerEntryID)
	require.Equal(t, audit.DecisionLedgerWrite, record.Decision)
	require.Equal(t, "25", record.Metadata["amount"])
	require.Equal(t, "credit", record.Metadata["direction"])
}

func TestDualWriteFailureLeavesNoCommittedEntry(t *testing.T) {
	l, auditStore := newHybrid(t, ModeRequireDualWrite)
	ctx := context.Background()

	auditStore.failAppend = true
	_, err := l.CreateEntry(ctx, creditReq("acct_1", "25"))
	require.True(t, faults.Is(err, faults.CodeAuditChainBroken))

	balance, err := l.Balance(ctx, "acct_1", "USDC")
	require.NoError(t, err)
	require.True(t, balance.IsZero())

	auditStore.failAppend = false
	report, err := l.CheckConsistency(ctx)
	require.NoError(t, err)
	require.False(t, report.Drift)
	require.Zero(t, report.LedgerEntries)
}

func TestReversalRecordsDistinctDecision(t *testing.T) {
	l, _ := newHybrid(t, ModeRequireDualWrite)
	ctx := context.Background()

	entry, err := l.CreateEntry(ctx, creditReq("acct_1", "25"))
	require.NoError(t, err)
	reversal, err := l.RollbackEntry(ctx, entry.EntryID, "compensation")
	require.NoError(t, err)

	auditID, ok := l.AuditID(reversal.EntryID)
	require.True(t, ok)
	record, err := l.Trail().Get(ctx, auditID)
	require.NoError(t, err)
	require.Equal(t, audit.DecisionLedgerReversal, record.Decision)
	require.Equal(t, entry.EntryID, record.Metadata[ledger.MetadataOriginalEntry])
}

func TestAsyncModeEventuallyAuditsEveryEntry(t *testing.T) {
	l, _ := newHybrid(t, ModeAsyncAudit)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := l.CreateEntry(ctx, creditReq("acct_1", "1"))
		require.NoError(t, err)
	}
	l.Close()

	require.Equal(t, uint64(10), l.Trail().Count())
	report, err := l.CheckConsistency(ctx)
	require.NoError(t, err)
	require.False(t, report.Drift)
	require.Equal(t, uint64(10), report.LedgerEntries)
	require.Empty(t, report.MissingAudit)
}

func TestConsistencyDetectsTamperedChain(t *testing.T) {
	auditStore := &flakyAuditStore{MemoryStore: audit.NewMemoryStore()}
	locks := ledger.NewLockManager(time.Second)
	l, err := New(context.Background(), ledger.NewMemoryStore(), auditStore, ModeRequireDualWrite, locks, nil)
	require.NoError(t, err)
	ctx := context.Background()

	entry, err := l.CreateEntry(ctx, creditReq("acct_1", "25"))
	require.NoError(t, err)
	auditID, ok := l.AuditID(entry.EntryID)
	require.True(t, ok)
	require.True(t, auditStore.Tamper(auditID, func(e *audit.Entry) {
		e.Metadata["amount"] = "26"
	}))

	report, err := l.CheckConsistency(ctx)
	require.True(t, faults.Is(err, faults.CodeConsistencyDrift))
	require.True(t, report.Drift)
	require.False(t, report.ChainValid)
}

func TestConsistencyDetectsMissingAuditCoverage(t *testing.T) {
	// A bare engine writing to the same ledger store bypasses the audit
	// coupling, which is exactly the drift the checker exists to catch.
	auditStore := &flakyAuditStore{MemoryStore: audit.NewMemoryStore()}
	ledgerStore := ledger.NewMemoryStore()
	locks := ledger.NewLockManager(time.Second)
	l, err := New(context.Background(), ledgerStore, auditStore, ModeRequireDualWrite, locks, nil)
	require.NoError(t, err)
	ctx := context.Background()

	bare, err := ledger.NewEngine(ctx, ledgerStore, locks, nil)
	require.NoError(t, err)
	_, err = bare.CreateEntry(ctx, creditReq("acct_1", "5"))
	require.NoError(t, err)

	report, err := l.CheckConsistency(ctx)
	require.True(t, faults.Is(err, faults.CodeConsistencyDrift))
	require.Len(t, report.MissingAudit, 1)
	require.True(t, report.ChainValid)
}
