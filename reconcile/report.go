package reconcile

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"agentpay/amount"
)

// WriteReportFiles materialises a run report as CSV and Parquet under
// baseDir, named by the run start time. Returns both paths.
func WriteReportFiles(baseDir string, report *RunReport) (string, string, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", "", fmt.Errorf("reconcile: create report dir: %w", err)
	}
	name := "recon_" + report.StartedAt.UTC().Format("20060102T150405Z")
	csvPath := filepath.Join(baseDir, name+".csv")
	if err := writeCSV(csvPath, report.Discrepancies); err != nil {
		return "", "", err
	}
	parquetPath := filepath.Join(baseDir, name+".parquet")
	if err := writeParquet(parquetPath, report.Discrepancies); err != nil {
		return "", "", err
	}
	return csvPath, parquetPath, nil
}

func writeCSV(path string, rows []*Discrepancy) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reconcile: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"id", "kind", "entry_id", "tx_hash", "chain",
		"ledger_amount", "chain_amount", "detail", "strategy", "resolved", "detected_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("reconcile: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.ID,
			string(row.Kind),
			row.EntryID,
			row.TxHash,
			row.Chain,
			amount.Canonical(row.LedgerAmount),
			amount.Canonical(row.ChainAmount),
			row.Detail,
			string(row.Strategy),
			boolString(row.Resolved),
			row.DetectedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("reconcile: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("reconcile: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	ID           string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind         string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	EntryID      string `parquet:"name=entry_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash       string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Chain        string `parquet:"name=chain, type=BYTE_ARRAY, convertedtype=UTF8"`
	LedgerAmount string `parquet:"name=ledger_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	ChainAmount  string `parquet:"name=chain_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Detail       string `parquet:"name=detail, type=BYTE_ARRAY, convertedtype=UTF8"`
	Strategy     string `parquet:"name=strategy, type=BYTE_ARRAY, convertedtype=UTF8"`
	Resolved     bool   `parquet:"name=resolved, type=BOOLEAN"`
	DetectedAt   string `parquet:"name=detected_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []*Discrepancy) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("reconcile: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("reconcile: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			ID:           row.ID,
			Kind:         string(row.Kind),
			EntryID:      row.EntryID,
			TxHash:       row.TxHash,
			Chain:        row.Chain,
			LedgerAmount: amount.Canonical(row.LedgerAmount),
			ChainAmount:  amount.Canonical(row.ChainAmount),
			Detail:       row.Detail,
			Strategy:     string(row.Strategy),
			Resolved:     row.Resolved,
			DetectedAt:   row.DetectedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("reconcile: write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("reconcile: finalize parquet: %w", err)
	}
	return file.Close()
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
