package exports

import (
	"context"
	"encoding/csv"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentpay/amount"
	"agentpay/audit"
	"agentpay/hybrid"
	"agentpay/ledger"
)

func newBooks(t *testing.T) (*hybrid.Ledger, *audit.MemoryStore) {
	t.Helper()
	records := audit.NewMemoryStore()
	books, err := hybrid.New(context.Background(), ledger.NewMemoryStore(), records,
		hybrid.ModeRequireDualWrite, ledger.NewLockManager(time.Second), nil)
	require.NoError(t, err)
	return books, records
}

func seedEntries(t *testing.T, books *hybrid.Ledger) {
	t.Helper()
	ctx := context.Background()
	_, err := books.CreateEntry(ctx, &ledger.EntryRequest{
		TxID:      "tx_1",
		AccountID: "agent_1",
		Type:      ledger.TypeCredit,
		Amount:    amount.MustFromString("100"),
		Currency:  "USDC",
	})
	require.NoError(t, err)
	_, err = books.CreateEntry(ctx, &ledger.EntryRequest{
		TxID:      "tx_2",
		AccountID: "agent_1",
		Type:      ledger.TypeDebit,
		Amount:    amount.MustFromString("25"),
		Currency:  "USDC",
	})
	require.NoError(t, err)
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestExportLedgerWritesBothFormats(t *testing.T) {
	books, records := newBooks(t)
	seedEntries(t, books)
	exporter := New(books.Engine(), records, t.TempDir(),
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }))

	paths, err := exporter.ExportLedger(context.Background(), ledger.Filter{AccountID: "agent_1"})
	require.NoError(t, err)
	require.Contains(t, paths.CSV, "ledger_20260301T120000Z.csv")

	rows := readCSV(t, paths.CSV)
	require.Len(t, rows, 3)
	require.Equal(t, "entry_id", rows[0][0])
	require.Equal(t, "tx_1", rows[1][2])
	require.Equal(t, "100", rows[1][6])
	require.Equal(t, "tx_2", rows[2][2])
	require.Equal(t, "25", rows[2][6])

	info, err := os.Stat(paths.Parquet)
	require.NoError(t, err)
	require.NotZero(t, info.Size())
}

func TestExportLedgerHonorsFilter(t *testing.T) {
	books, records := newBooks(t)
	seedEntries(t, books)
	exporter := New(books.Engine(), records, t.TempDir())

	paths, err := exporter.ExportLedger(context.Background(), ledger.Filter{AccountID: "nobody"})
	require.NoError(t, err)
	rows := readCSV(t, paths.CSV)
	require.Len(t, rows, 1) // header only
}

func TestExportAuditPreservesChainOrder(t *testing.T) {
	books, records := newBooks(t)
	seedEntries(t, books)
	exporter := New(books.Engine(), records, t.TempDir())

	paths, err := exporter.ExportAudit(context.Background())
	require.NoError(t, err)
	rows := readCSV(t, paths.CSV)
	require.Len(t, rows, 3)
	// Position column ascends and each entry links the previous hash.
	require.Equal(t, "0", rows[1][1])
	require.Equal(t, "1", rows[2][1])
	require.Equal(t, rows[1][8], rows[2][7])

	info, err := os.Stat(paths.Parquet)
	require.NoError(t, err)
	require.NotZero(t, info.Size())
}
