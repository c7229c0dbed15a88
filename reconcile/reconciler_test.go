package reconcile

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentpay/amount"
	"agentpay/audit"
	"agentpay/hybrid"
	"agentpay/ledger"
	"agentpay/settlement"
)

type fakeChainReader struct {
	txs map[string]*settlement.ChainTx
	err error
}

func (f *fakeChainReader) GetTransaction(_ context.Context, _, txHash string) (*settlement.ChainTx, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.txs[txHash], nil
}

type fakeScanner struct {
	txs []*settlement.ChainTx
}

func (f *fakeScanner) ManagedTransactions(_ context.Context) ([]*settlement.ChainTx, error) {
	return f.txs, nil
}

func newFixture(t *testing.T, opts ...Option) (*Reconciler, *hybrid.Ledger, *fakeChainReader, *audit.MemoryStore) {
	t.Helper()
	auditStore := audit.NewMemoryStore()
	locks := ledger.NewLockManager(time.Second)
	books, err := hybrid.New(context.Background(), ledger.NewMemoryStore(), auditStore,
		hybrid.ModeRequireDualWrite, locks, nil)
	require.NoError(t, err)
	chains := &fakeChainReader{txs: make(map[string]*settlement.ChainTx)}
	return New(books, chains, Config{}, opts...), books, chains, auditStore
}

func confirmedCredit(t *testing.T, books *hybrid.Ledger, account, value, txHash string) *ledger.Entry {
	t.Helper()
	entry, err := books.CreateEntry(context.Background(), &ledger.EntryRequest{
		TxID:        "tx_" + txHash,
		AccountID:   account,
		Type:        ledger.TypeCredit,
		Amount:      amount.MustFromString(value),
		Currency:    "USDC",
		Chain:       "base",
		ChainTxHash: txHash,
	})
	require.NoError(t, err)
	return entry
}

func chainTx(hash, value, status string) *settlement.ChainTx {
	return &settlement.ChainTx{
		TxHash: hash,
		Amount: amount.MustFromString(value),
		Status: status,
	}
}

func reconciliationRecords(t *testing.T, store *audit.MemoryStore) []*audit.Entry {
	t.Helper()
	var out []*audit.Entry
	require.NoError(t, store.Walk(context.Background(), func(e *audit.Entry) error {
		if e.Decision == audit.DecisionReconciliation {
			out = append(out, e)
		}
		return nil
	}))
	return out
}

func TestCleanRunFindsNothing(t *testing.T) {
	r, books, chains, _ := newFixture(t)
	confirmedCredit(t, books, "acct_1", "25", "0x01")
	chains.txs["0x01"] = chainTx("0x01", "25", settlement.ChainTxConfirmed)

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, report.Clean())
	require.Equal(t, 1, report.EntriesSeen)
}

func TestMissingOnChainQueuesForReview(t *testing.T) {
	r, books, _, auditStore := newFixture(t)
	entry := confirmedCredit(t, books, "acct_1", "25", "0x01")

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	require.Equal(t, KindMissingOnChain, d.Kind)
	require.Equal(t, StrategyManualReview, d.Strategy)
	require.False(t, d.Resolved)
	require.Equal(t, entry.EntryID, d.EntryID)

	pending := r.PendingReview()
	require.Len(t, pending, 1)
	require.Equal(t, d.ID, pending[0].ID)

	records := reconciliationRecords(t, auditStore)
	require.Len(t, records, 1)
	require.Equal(t, "missing_on_chain", records[0].Metadata["kind"])
	require.Equal(t, "manual_review", records[0].Metadata["strategy"])
}

func TestStatusMismatchAutoReverses(t *testing.T) {
	r, books, chains, _ := newFixture(t)
	ctx := context.Background()
	entry := confirmedCredit(t, books, "acct_1", "25", "0x01")
	chains.txs["0x01"] = chainTx("0x01", "25", settlement.ChainTxFailed)

	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	require.Equal(t, KindStatusMismatch, d.Kind)
	require.Equal(t, StrategyAutoCorrect, d.Strategy)
	require.True(t, d.Resolved)

	reversed, err := books.Engine().GetEntry(ctx, entry.EntryID)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusReversed, reversed.Status)

	balance, err := books.Balance(ctx, "acct_1", "USDC")
	require.NoError(t, err)
	require.True(t, balance.IsZero())
}

func TestAmountWithinToleranceIsIgnored(t *testing.T) {
	r, books, chains, _ := newFixture(t)
	ctx := context.Background()
	confirmedCredit(t, books, "acct_1", "10000", "0x01")
	chains.txs["0x01"] = chainTx("0x01", "10000.5", settlement.ChainTxConfirmed)

	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	require.Equal(t, KindAmountMismatch, d.Kind)
	require.Equal(t, StrategyIgnore, d.Strategy)
	require.True(t, d.Resolved)

	balance, err := books.Balance(ctx, "acct_1", "USDC")
	require.NoError(t, err)
	require.True(t, balance.Equal(amount.MustFromString("10000")))
}

func TestSmallAmountMismatchAutoCorrects(t *testing.T) {
	r, books, chains, _ := newFixture(t)
	ctx := context.Background()
	confirmedCredit(t, books, "acct_1", "10", "0x01")
	chains.txs["0x01"] = chainTx("0x01", "9", settlement.ChainTxConfirmed)

	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	require.Equal(t, KindAmountMismatch, d.Kind)
	require.Equal(t, StrategyAutoCorrect, d.Strategy)
	require.True(t, d.Resolved)

	// The chain moved 9, the ledger recorded 10. The correction debits 1.
	balance, err := books.Balance(ctx, "acct_1", "USDC")
	require.NoError(t, err)
	require.True(t, balance.Equal(amount.MustFromString("9")))
}

func TestLargeAmountMismatchEscalates(t *testing.T) {
	r, books, chains, _ := newFixture(t)
	ctx := context.Background()
	confirmedCredit(t, books, "acct_1", "1000", "0x01")
	chains.txs["0x01"] = chainTx("0x01", "900", settlement.ChainTxConfirmed)

	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	require.Equal(t, StrategyManualReview, report.Discrepancies[0].Strategy)

	balance, err := books.Balance(ctx, "acct_1", "USDC")
	require.NoError(t, err)
	require.True(t, balance.Equal(amount.MustFromString("1000")))
}

func TestDuplicateChainHashIsFlagged(t *testing.T) {
	r, books, chains, _ := newFixture(t)
	confirmedCredit(t, books, "acct_1", "10", "0x01")
	confirmedCredit(t, books, "acct_2", "10", "0x01")
	chains.txs["0x01"] = chainTx("0x01", "10", settlement.ChainTxConfirmed)

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	require.Equal(t, KindDuplicateEntry, report.Discrepancies[0].Kind)
}

func TestScannerDetectsMissingInLedger(t *testing.T) {
	scanner := &fakeScanner{txs: []*settlement.ChainTx{
		chainTx("0xfeed", "42", settlement.ChainTxConfirmed),
	}}
	r, books, chains, _ := newFixture(t, WithScanner(scanner))
	confirmedCredit(t, books, "acct_1", "10", "0x01")
	chains.txs["0x01"] = chainTx("0x01", "10", settlement.ChainTxConfirmed)

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)
	d := report.Discrepancies[0]
	require.Equal(t, KindMissingInLedger, d.Kind)
	require.Equal(t, "0xfeed", d.TxHash)
}

func TestChainLookupFailureIsNotADiscrepancy(t *testing.T) {
	r, books, chains, _ := newFixture(t)
	confirmedCredit(t, books, "acct_1", "10", "0x01")
	chains.err = errors.New("rpc unreachable")

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, report.Clean())
}

func TestReportFilesAreWritten(t *testing.T) {
	r, books, _, _ := newFixture(t)
	confirmedCredit(t, books, "acct_1", "25", "0x01")

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Discrepancies, 1)

	dir := t.TempDir()
	csvPath, parquetPath, err := WriteReportFiles(dir, report)
	require.NoError(t, err)

	file, err := os.Open(csvPath)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "kind", rows[0][1])
	require.Equal(t, "missing_on_chain", rows[1][1])

	info, err := os.Stat(parquetPath)
	require.NoError(t, err)
	require.Positive(t, info.Size())
}
