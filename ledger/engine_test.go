package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentpay/amount"
	"agentpay/faults"
)

func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	locks := NewLockManager(30 * time.Second)
	engine, err := NewEngine(context.Background(), store, locks, nil, opts...)
	require.NoError(t, err)
	return engine, store
}

func credit(account string, value string) *EntryRequest {
	return &EntryRequest{
		TxID:      "tx_" + account,
		AccountID: account,
		Type:      TypeCredit,
		Amount:    amount.MustFromString(value),
		Currency:  "USDC",
	}
}

func debit(account string, value string) *EntryRequest {
	return &EntryRequest{
		TxID:      "tx_" + account,
		AccountID: account,
		Type:      TypeDebit,
		Amount:    amount.MustFromString(value),
		Currency:  "USDC",
	}
}

func TestCreateEntryTracksRunningBalance(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.CreateEntry(ctx, credit("acct_1", "100"))
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, first.Status)
	require.True(t, first.RunningBalance.Equal(amount.MustFromString("100")))

	second, err := engine.CreateEntry(ctx, debit("acct_1", "30"))
	require.NoError(t, err)
	require.True(t, second.RunningBalance.Equal(amount.MustFromString("70")))
	require.Greater(t, second.Seq, first.Seq)

	balance, err := engine.Balance(ctx, "acct_1", "USDC")
	require.NoError(t, err)
	require.True(t, balance.Equal(amount.MustFromString("70")))
}

func TestDebitBelowZeroIsRejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateEntry(ctx, credit("acct_1", "10"))
	require.NoError(t, err)

	_, err = engine.CreateEntry(ctx, debit("acct_1", "10.000001"))
	require.True(t, faults.Is(err, faults.CodeInsufficientBalance))

	balance, err := engine.Balance(ctx, "acct_1", "USDC")
	require.NoError(t, err)
	require.True(t, balance.Equal(amount.MustFromString("10")))
}

func TestFeeCountsAgainstBalance(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateEntry(ctx, credit("acct_1", "10"))
	require.NoError(t, err)

	withdrawal := debit("acct_1", "9.50")
	withdrawal.Fee = amount.MustFromString("0.75")
	_, err = engine.CreateEntry(ctx, withdrawal)
	require.True(t, faults.Is(err, faults.CodeInsufficientBalance))

	withdrawal.Fee = amount.MustFromString("0.50")
	entry, err := engine.CreateEntry(ctx, withdrawal)
	require.NoError(t, err)
	require.True(t, entry.RunningBalance.IsZero())
}

func TestZeroAndNegativeAmountsAreRejected(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	req := credit("acct_1", "1")
	req.Amount = amount.Zero()
	_, err := engine.CreateEntry(ctx, req)
	require.True(t, faults.Is(err, faults.CodeInvalidAmount))

	req.Amount = amount.MustFromString("-5")
	_, err = engine.CreateEntry(ctx, req)
	require.True(t, faults.Is(err, faults.CodeInvalidAmount))
}

func TestTransferRequiresExplicitDirection(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	req := credit("acct_1", "5")
	req.Type = TypeTransfer
	_, err := engine.CreateEntry(ctx, req)
	require.True(t, faults.Is(err, faults.CodeInvalidAmount))

	req.Direction = DirectionCredit
	entry, err := engine.CreateEntry(ctx, req)
	require.NoError(t, err)
	require.Equal(t, DirectionCredit, entry.Direction)
}

func TestRollbackRestoresBalanceExactly(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateEntry(ctx, credit("acct_1", "100"))
	require.NoError(t, err)
	spend, err := engine.CreateEntry(ctx, debit("acct_1", "33.333333"))
	require.NoError(t, err)

	reversal, err := engine.RollbackEntry(ctx, spend.EntryID, "settlement failed")
	require.NoError(t, err)
	require.Equal(t, TypeReversal, reversal.Type)
	require.Equal(t, -spend.Direction, reversal.Direction)
	require.Equal(t, spend.EntryID, reversal.Metadata[MetadataOriginalEntry])

	balance, err := engine.Balance(ctx, "acct_1", "USDC")
	require.NoError(t, err)
	require.True(t, balance.Equal(amount.MustFromString("100")))

	original, err := engine.GetEntry(ctx, spend.EntryID)
	require.NoError(t, err)
	require.Equal(t, StatusReversed, original.Status)
}

func TestRollbackOnlyAppliesToConfirmedEntries(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateEntry(ctx, credit("acct_1", "50"))
	require.NoError(t, err)
	spend, err := engine.CreateEntry(ctx, debit("acct_1", "20"))
	require.NoError(t, err)

	_, err = engine.RollbackEntry(ctx, spend.EntryID, "first")
	require.NoError(t, err)
	_, err = engine.RollbackEntry(ctx, spend.EntryID, "second")
	require.True(t, faults.Is(err, faults.CodeConcurrencyConflict))

	balance, err := engine.Balance(ctx, "acct_1", "USDC")
	require.NoError(t, err)
	require.True(t, balance.Equal(amount.MustFromString("50")))
}

func TestBatchFailureLeavesNoObservableEffect(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateEntry(ctx, credit("acct_a", "100"))
	require.NoError(t, err)
	_, err = engine.CreateEntry(ctx, credit("acct_b", "5"))
	require.NoError(t, err)

	// Third request overdraws acct_b, so the whole batch must unwind.
	_, err = engine.CreateBatch(ctx, []*EntryRequest{
		debit("acct_a", "40"),
		credit("acct_b", "1"),
		debit("acct_b", "50"),
	})
	require.True(t, faults.Is(err, faults.CodeBatchProcessingFailed))

	balanceA, err := engine.Balance(ctx, "acct_a", "USDC")
	require.NoError(t, err)
	require.True(t, balanceA.Equal(amount.MustFromString("100")))
	balanceB, err := engine.Balance(ctx, "acct_b", "USDC")
	require.NoError(t, err)
	require.True(t, balanceB.Equal(amount.MustFromString("5")))

	cancelled, err := store.QueryEntries(ctx, Filter{Statuses: []Status{StatusCancelled}})
	require.NoError(t, err)
	require.Len(t, cancelled, 2)
}

func TestBatchEntriesSeeEarlierBatchEffects(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	entries, err := engine.CreateBatch(ctx, []*EntryRequest{
		credit("acct_1", "10"),
		debit("acct_1", "7"),
		debit("acct_1", "3"),
	})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.True(t, entries[2].RunningBalance.IsZero())

	balance, err := engine.Balance(ctx, "acct_1", "USDC")
	require.NoError(t, err)
	require.True(t, balance.IsZero())
}

func TestOverlappingBatchesDoNotDeadlock(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	accounts := []string{"acct_a", "acct_b", "acct_c", "acct_d"}
	for _, account := range accounts {
		_, err := engine.CreateEntry(ctx, credit(account, "1000"))
		require.NoError(t, err)
	}

	// Batches touch overlapping account sets in conflicting textual order.
	batches := [][]string{
		{"acct_a", "acct_b", "acct_c"},
		{"acct_c", "acct_b", "acct_a"},
		{"acct_d", "acct_a"},
		{"acct_b", "acct_d"},
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(batches)*10)
	for _, batch := range batches {
		wg.Add(1)
		go func(batch []string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				reqs := make([]*EntryRequest, 0, len(batch))
				for _, account := range batch {
					reqs = append(reqs, debit(account, "1"))
				}
				if _, err := engine.CreateBatch(ctx, reqs); err != nil {
					errs <- err
				}
			}
		}(batch)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("batch failed: %v", err)
	}

	// acct_a: 10 from batch 1, 10 from batch 2, 10 from batch 3.
	balance, err := engine.Balance(ctx, "acct_a", "USDC")
	require.NoError(t, err)
	require.True(t, balance.Equal(amount.MustFromString("970")), "got %s", balance)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateEntry(ctx, credit("acct_1", "10"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var successes, rejections int
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.CreateEntry(ctx, debit("acct_1", "1"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case faults.Is(err, faults.CodeInsufficientBalance):
				rejections++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, successes)
	require.Equal(t, 10, rejections)
	balance, err := engine.Balance(ctx, "acct_1", "USDC")
	require.NoError(t, err)
	require.True(t, balance.IsZero())
}

func TestAuditEmitFailureCancelsEntry(t *testing.T) {
	store := NewMemoryStore()
	locks := NewLockManager(time.Second)
	emitErr := errors.New("trail unavailable")
	engine, err := NewEngine(context.Background(), store, locks,
		AuditEmitterFunc(func(context.Context, AuditEvent, *Entry) error { return emitErr }))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = engine.CreateEntry(ctx, credit("acct_1", "10"))
	require.True(t, faults.Is(err, faults.CodeAuditChainBroken))
	require.ErrorIs(t, err, emitErr)

	balance, err := engine.Balance(ctx, "acct_1", "USDC")
	require.NoError(t, err)
	require.True(t, balance.IsZero())

	cancelled, err := store.QueryEntries(ctx, Filter{Statuses: []Status{StatusCancelled}})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
}

func TestAuditEmitterSeesEveryCommittedEntry(t *testing.T) {
	store := NewMemoryStore()
	locks := NewLockManager(time.Second)
	var mu sync.Mutex
	events := make(map[AuditEvent]int)
	engine, err := NewEngine(context.Background(), store, locks,
		AuditEmitterFunc(func(_ context.Context, event AuditEvent, _ *Entry) error {
			mu.Lock()
			defer mu.Unlock()
			events[event]++
			return nil
		}))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = engine.CreateEntry(ctx, credit("acct_1", "10"))
	require.NoError(t, err)
	spend, err := engine.CreateEntry(ctx, debit("acct_1", "4"))
	require.NoError(t, err)
	_, err = engine.RollbackEntry(ctx, spend.EntryID, "test")
	require.NoError(t, err)

	require.Equal(t, 2, events[AuditEventWrite])
	require.Equal(t, 1, events[AuditEventReversal])
}

func TestBalanceAtReplaysSnapshotTail(t *testing.T) {
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	engine, store := newTestEngine(t, WithEngineClock(now), WithSnapshotInterval(5))
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := engine.CreateEntry(ctx, credit("acct_1", "10"))
		require.NoError(t, err)
		clock = clock.Add(time.Minute)
	}

	snap, err := store.LatestSnapshot(ctx, "acct_1", "USDC")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.True(t, snap.Balance.Equal(amount.MustFromString("50")))

	// Balance after the fifth entry but before the sixth.
	at := time.Date(2026, 3, 1, 0, 4, 30, 0, time.UTC)
	balance, err := engine.BalanceAt(ctx, "acct_1", "USDC", at)
	require.NoError(t, err)
	require.True(t, balance.Equal(amount.MustFromString("50")), "got %s", balance)

	current, err := engine.Balance(ctx, "acct_1", "USDC")
	require.NoError(t, err)
	require.True(t, current.Equal(amount.MustFromString("70")))
}

func TestRollbackTxReversesNewestFirst(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	reqs := []*EntryRequest{credit("acct_1", "100"), debit("acct_1", "60")}
	for i, req := range reqs {
		req.TxID = "tx_pay_1"
		_, err := engine.CreateEntry(ctx, req)
		require.NoError(t, err, "entry %d", i)
	}

	reversals, err := engine.RollbackTx(ctx, "tx_pay_1", "pipeline compensation")
	require.NoError(t, err)
	require.Len(t, reversals, 2)
	// Newest (the debit) is reversed first so the credit reversal cannot
	// dip the balance negative.
	require.Equal(t, DirectionCredit, reversals[0].Direction)
	require.Equal(t, DirectionDebit, reversals[1].Direction)

	balance, err := engine.Balance(ctx, "acct_1", "USDC")
	require.NoError(t, err)
	require.True(t, balance.IsZero())
}

func TestEngineResumesSequenceFromStore(t *testing.T) {
	store := NewMemoryStore()
	locks := NewLockManager(time.Second)
	ctx := context.Background()

	first, err := NewEngine(ctx, store, locks, nil)
	require.NoError(t, err)
	entry, err := first.CreateEntry(ctx, credit("acct_1", "10"))
	require.NoError(t, err)

	reopened, err := NewEngine(ctx, store, locks, nil)
	require.NoError(t, err)
	next, err := reopened.CreateEntry(ctx, credit("acct_1", "10"))
	require.NoError(t, err)
	require.Greater(t, next.Seq, entry.Seq)
}

func TestQueryFiltersByChainReference(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	plain := credit("acct_1", "10")
	_, err := engine.CreateEntry(ctx, plain)
	require.NoError(t, err)

	settled := credit("acct_1", "20")
	settled.Chain = "base"
	settled.ChainTxHash = fmt.Sprintf("0x%064d", 1)
	_, err = engine.CreateEntry(ctx, settled)
	require.NoError(t, err)

	withRef, err := engine.Query(ctx, Filter{AccountID: "acct_1", WithChainRef: true})
	require.NoError(t, err)
	require.Len(t, withRef, 1)
	require.Equal(t, "base", withRef[0].Chain)
}
