package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"agentpay/amount"
	"agentpay/faults"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS settlements (
    settlement_id TEXT PRIMARY KEY,
    tx_id         TEXT NOT NULL,
    chain         TEXT NOT NULL,
    token         TEXT NOT NULL,
    destination   TEXT NOT NULL,
    amount        TEXT NOT NULL,
    mode          TEXT NOT NULL,
    status        TEXT NOT NULL,
    attempts      INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT NOT NULL DEFAULT '',
    tx_hash       TEXT NOT NULL DEFAULT '',
    block_number  INTEGER NOT NULL DEFAULT 0,
    audit_anchor  TEXT NOT NULL DEFAULT '',
    batch_id      TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMP NOT NULL,
    updated_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(status);
CREATE INDEX IF NOT EXISTS idx_settlements_batch ON settlements(batch_id);
CREATE TABLE IF NOT EXISTS settlement_batches (
    batch_id     TEXT PRIMARY KEY,
    chain        TEXT NOT NULL,
    status       TEXT NOT NULL,
    total_amount TEXT NOT NULL,
    attempts     INTEGER NOT NULL DEFAULT 0,
    created_at   TIMESTAMP NOT NULL,
    closed_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_batches_chain_status ON settlement_batches(chain, status);
`

// SQLStore persists settlements in SQLite so pending work survives a
// restart.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (and migrates) the settlement database at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("settlement: open store: %w", err)
	}
	if _, err := db.Exec(sqlSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("settlement: migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// SaveSettlement implements Store.
func (s *SQLStore) SaveSettlement(ctx context.Context, item *Settlement) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settlements (
    settlement_id, tx_id, chain, token, destination, amount, mode, status,
    attempts, last_error, tx_hash, block_number, audit_anchor, batch_id,
    created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(settlement_id) DO UPDATE SET
    status = excluded.status,
    attempts = excluded.attempts,
    last_error = excluded.last_error,
    tx_hash = excluded.tx_hash,
    block_number = excluded.block_number,
    audit_anchor = excluded.audit_anchor,
    batch_id = excluded.batch_id,
    updated_at = excluded.updated_at`,
		item.SettlementID, item.TxID, item.Chain, item.Token, item.Destination,
		amount.Canonical(item.Amount), string(item.Mode), string(item.Status),
		item.Attempts, item.LastError, item.TxHash, item.BlockNumber,
		item.AuditAnchor, item.BatchID, item.CreatedAt, item.UpdatedAt)
	return err
}

func scanSettlement(row interface{ Scan(...any) error }) (*Settlement, error) {
	var item Settlement
	var amt, mode, status string
	if err := row.Scan(&item.SettlementID, &item.TxID, &item.Chain, &item.Token,
		&item.Destination, &amt, &mode, &status, &item.Attempts, &item.LastError,
		&item.TxHash, &item.BlockNumber, &item.AuditAnchor, &item.BatchID,
		&item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := amount.FromString(amt)
	if err != nil {
		return nil, err
	}
	item.Amount = parsed
	item.Mode = Mode(mode)
	item.Status = Status(status)
	return &item, nil
}

const settlementColumns = `settlement_id, tx_id, chain, token, destination,
amount, mode, status, attempts, last_error, tx_hash, block_number,
audit_anchor, batch_id, created_at, updated_at`

// GetSettlement implements Store.
func (s *SQLStore) GetSettlement(ctx context.Context, settlementID string) (*Settlement, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE settlement_id = ?`, settlementID)
	item, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.New(faults.CodeNotFound, "settlement %s", settlementID)
	}
	return item, err
}

func (s *SQLStore) querySettlements(ctx context.Context, where string, args ...any) ([]*Settlement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE `+where+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Settlement
	for rows.Next() {
		item, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// SettlementsByBatch implements Store.
func (s *SQLStore) SettlementsByBatch(ctx context.Context, batchID string) ([]*Settlement, error) {
	return s.querySettlements(ctx, "batch_id = ?", batchID)
}

// SettlementsByStatus implements Store.
func (s *SQLStore) SettlementsByStatus(ctx context.Context, status Status) ([]*Settlement, error) {
	return s.querySettlements(ctx, "status = ?", string(status))
}

// SaveBatch implements Store.
func (s *SQLStore) SaveBatch(ctx context.Context, batch *Batch) error {
	var closedAt *time.Time
	if batch.ClosedAt != nil {
		closedAt = batch.ClosedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settlement_batches (batch_id, chain, status, total_amount, attempts, created_at, closed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(batch_id) DO UPDATE SET
    status = excluded.status,
    total_amount = excluded.total_amount,
    attempts = excluded.attempts,
    closed_at = excluded.closed_at`,
		batch.BatchID, batch.Chain, string(batch.Status),
		amount.Canonical(batch.TotalAmount), batch.Attempts, batch.CreatedAt, closedAt)
	return err
}

func scanBatch(row interface{ Scan(...any) error }) (*Batch, error) {
	var batch Batch
	var total, status string
	var closedAt sql.NullTime
	if err := row.Scan(&batch.BatchID, &batch.Chain, &status, &total,
		&batch.Attempts, &batch.CreatedAt, &closedAt); err != nil {
		return nil, err
	}
	parsed, err := amount.FromString(total)
	if err != nil {
		return nil, err
	}
	batch.TotalAmount = parsed
	batch.Status = BatchStatus(status)
	if closedAt.Valid {
		at := closedAt.Time
		batch.ClosedAt = &at
	}
	return &batch, nil
}

// GetBatch implements Store.
func (s *SQLStore) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT batch_id, chain, status, total_amount, attempts, created_at, closed_at
FROM settlement_batches WHERE batch_id = ?`, batchID)
	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.New(faults.CodeNotFound, "batch %s", batchID)
	}
	return batch, err
}

// OpenBatch implements Store.
func (s *SQLStore) OpenBatch(ctx context.Context, chain string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT batch_id, chain, status, total_amount, attempts, created_at, closed_at
FROM settlement_batches WHERE chain = ? AND status = ? ORDER BY created_at ASC LIMIT 1`,
		chain, string(BatchOpen))
	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return batch, err
}

// Close implements Store.
func (s *SQLStore) Close() error { return s.db.Close() }
