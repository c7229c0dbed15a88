// Package exports materialises ledger entries and audit records as CSV
// and Parquet files for downstream analytics and regulator handoff.
package exports

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"agentpay/amount"
	"agentpay/audit"
	"agentpay/ledger"
)

// LedgerSource yields ledger entries matching a filter. *ledger.Engine
// satisfies it.
type LedgerSource interface {
	Query(ctx context.Context, filter ledger.Filter) ([]*ledger.Entry, error)
}

// AuditSource walks audit records in chain order. audit.Store satisfies it.
type AuditSource interface {
	Walk(ctx context.Context, fn func(*audit.Entry) error) error
}

// Paths names the files one export produced.
type Paths struct {
	CSV     string
	Parquet string
}

// Exporter writes export files under a base directory.
type Exporter struct {
	books LedgerSource
	trail AuditSource
	dir   string
	now   func() time.Time
}

// Option customises the exporter.
type Option func(*Exporter)

// WithClock sets the time source used to name export files.
func WithClock(clock func() time.Time) Option {
	return func(e *Exporter) { e.now = clock }
}

// New builds an exporter rooted at dir.
func New(books LedgerSource, trail AuditSource, dir string, opts ...Option) *Exporter {
	e := &Exporter{books: books, trail: trail, dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Exporter) stamp() string {
	return e.now().UTC().Format("20060102T150405Z")
}

// ExportLedger writes the entries matching filter as CSV and Parquet.
func (e *Exporter) ExportLedger(ctx context.Context, filter ledger.Filter) (Paths, error) {
	entries, err := e.books.Query(ctx, filter)
	if err != nil {
		return Paths{}, fmt.Errorf("exports: query ledger: %w", err)
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("exports: create dir: %w", err)
	}
	name := "ledger_" + e.stamp()
	paths := Paths{
		CSV:     filepath.Join(e.dir, name+".csv"),
		Parquet: filepath.Join(e.dir, name+".parquet"),
	}
	if err := writeLedgerCSV(paths.CSV, entries); err != nil {
		return Paths{}, err
	}
	if err := writeLedgerParquet(paths.Parquet, entries); err != nil {
		return Paths{}, err
	}
	return paths, nil
}

// ExportAudit writes the full audit trail as CSV and Parquet.
func (e *Exporter) ExportAudit(ctx context.Context) (Paths, error) {
	var records []*audit.Entry
	if err := e.trail.Walk(ctx, func(entry *audit.Entry) error {
		records = append(records, entry)
		return nil
	}); err != nil {
		return Paths{}, fmt.Errorf("exports: walk audit trail: %w", err)
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return Paths{}, fmt.Errorf("exports: create dir: %w", err)
	}
	name := "audit_" + e.stamp()
	paths := Paths{
		CSV:     filepath.Join(e.dir, name+".csv"),
		Parquet: filepath.Join(e.dir, name+".parquet"),
	}
	if err := writeAuditCSV(paths.CSV, records); err != nil {
		return Paths{}, err
	}
	if err := writeAuditParquet(paths.Parquet, records); err != nil {
		return Paths{}, err
	}
	return paths, nil
}

func writeLedgerCSV(path string, entries []*ledger.Entry) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"entry_id", "seq", "tx_id", "account_id", "entry_type", "direction",
		"amount", "fee", "running_balance", "currency", "chain", "chain_tx_hash",
		"block_number", "status", "created_at", "confirmed_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("exports: write csv header: %w", err)
	}
	for _, entry := range entries {
		confirmed := ""
		if entry.ConfirmedAt != nil {
			confirmed = entry.ConfirmedAt.Format(time.RFC3339)
		}
		record := []string{
			entry.EntryID,
			strconv.FormatUint(entry.Seq, 10),
			entry.TxID,
			entry.AccountID,
			string(entry.Type),
			strconv.FormatInt(int64(entry.Direction), 10),
			amount.Canonical(entry.Amount),
			amount.Canonical(entry.Fee),
			amount.Canonical(entry.RunningBalance),
			entry.Currency,
			entry.Chain,
			entry.ChainTxHash,
			strconv.FormatUint(entry.BlockNumber, 10),
			string(entry.Status),
			entry.CreatedAt.Format(time.RFC3339),
			confirmed,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("exports: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("exports: flush csv: %w", err)
	}
	return nil
}

type ledgerRow struct {
	EntryID        string `parquet:"name=entry_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Seq            int64  `parquet:"name=seq, type=INT64"`
	TxID           string `parquet:"name=tx_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	AccountID      string `parquet:"name=account_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type           string `parquet:"name=entry_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Direction      int32  `parquet:"name=direction, type=INT32"`
	Amount         string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fee            string `parquet:"name=fee, type=BYTE_ARRAY, convertedtype=UTF8"`
	RunningBalance string `parquet:"name=running_balance, type=BYTE_ARRAY, convertedtype=UTF8"`
	Currency       string `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	Chain          string `parquet:"name=chain, type=BYTE_ARRAY, convertedtype=UTF8"`
	ChainTxHash    string `parquet:"name=chain_tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	BlockNumber    int64  `parquet:"name=block_number, type=INT64"`
	Status         string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt      string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ConfirmedAt    string `parquet:"name=confirmed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeLedgerParquet(path string, entries []*ledger.Entry) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(ledgerRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, entry := range entries {
		confirmed := ""
		if entry.ConfirmedAt != nil {
			confirmed = entry.ConfirmedAt.Format(time.RFC3339)
		}
		row := &ledgerRow{
			EntryID:        entry.EntryID,
			Seq:            int64(entry.Seq),
			TxID:           entry.TxID,
			AccountID:      entry.AccountID,
			Type:           string(entry.Type),
			Direction:      int32(entry.Direction),
			Amount:         amount.Canonical(entry.Amount),
			Fee:            amount.Canonical(entry.Fee),
			RunningBalance: amount.Canonical(entry.RunningBalance),
			Currency:       entry.Currency,
			Chain:          entry.Chain,
			ChainTxHash:    entry.ChainTxHash,
			BlockNumber:    int64(entry.BlockNumber),
			Status:         string(entry.Status),
			CreatedAt:      entry.CreatedAt.Format(time.RFC3339),
			ConfirmedAt:    confirmed,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("exports: finalize parquet: %w", err)
	}
	return file.Close()
}

func writeAuditCSV(path string, records []*audit.Entry) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"entry_id", "position", "ledger_entry_id", "mandate_id", "subject",
		"decision", "actor_id", "prev_hash", "entry_hash", "created_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("exports: write csv header: %w", err)
	}
	for _, record := range records {
		row := []string{
			record.EntryID,
			strconv.FormatUint(record.Position, 10),
			record.LedgerEntryID,
			record.MandateID,
			record.Subject,
			record.Decision,
			record.ActorID,
			record.PrevHash,
			record.EntryHash,
			record.CreatedAt.Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("exports: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("exports: flush csv: %w", err)
	}
	return nil
}

type auditRow struct {
	EntryID       string `parquet:"name=entry_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Position      int64  `parquet:"name=position, type=INT64"`
	LedgerEntryID string `parquet:"name=ledger_entry_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	MandateID     string `parquet:"name=mandate_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Subject       string `parquet:"name=subject, type=BYTE_ARRAY, convertedtype=UTF8"`
	Decision      string `parquet:"name=decision, type=BYTE_ARRAY, convertedtype=UTF8"`
	ActorID       string `parquet:"name=actor_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrevHash      string `parquet:"name=prev_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	EntryHash     string `parquet:"name=entry_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt     string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeAuditParquet(path string, records []*audit.Entry) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(auditRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, record := range records {
		row := &auditRow{
			EntryID:       record.EntryID,
			Position:      int64(record.Position),
			LedgerEntryID: record.LedgerEntryID,
			MandateID:     record.MandateID,
			Subject:       record.Subject,
			Decision:      record.Decision,
			ActorID:       record.ActorID,
			PrevHash:      record.PrevHash,
			EntryHash:     record.EntryHash,
			CreatedAt:     record.CreatedAt.Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("exports: finalize parquet: %w", err)
	}
	return file.Close()
}
