package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"agentpay/amount"
)

type entryModel struct {
	EntryID        string     `gorm:"column:entry_id;primaryKey;size:64"`
	Seq            uint64     `gorm:"column:seq;uniqueIndex;autoIncrement:false"`
	TxID           string     `gorm:"column:tx_id;index;size:64"`
	AccountID      string     `gorm:"column:account_id;index:idx_entries_account;size:64"`
	EntryType      string     `gorm:"column:entry_type;size:16"`
	Direction      int8       `gorm:"column:direction"`
	Amount         string     `gorm:"column:amount;size:64"`
	Fee            string     `gorm:"column:fee;size:64"`
	RunningBalance string     `gorm:"column:running_balance;size:64"`
	Currency       string     `gorm:"column:currency;index:idx_entries_account;size:16"`
	Chain          string     `gorm:"column:chain;size:32"`
	ChainTxHash    string     `gorm:"column:chain_tx_hash;index;size:80"`
	BlockNumber    uint64     `gorm:"column:block_number"`
	AuditAnchor    string     `gorm:"column:audit_anchor;size:80"`
	Status         string     `gorm:"column:status;index;size:16"`
	CreatedAt      time.Time  `gorm:"column:created_at;index"`
	ConfirmedAt    *time.Time `gorm:"column:confirmed_at"`
	Metadata       string     `gorm:"column:metadata;type:text"`
}

func (entryModel) TableName() string { return "ledger_entries" }

type snapshotModel struct {
	SnapshotID string    `gorm:"column:snapshot_id;primaryKey;size:64"`
	AccountID  string    `gorm:"column:account_id;index:idx_snapshots_account;size:64"`
	Currency   string    `gorm:"column:currency;index:idx_snapshots_account;size:16"`
	Balance    string    `gorm:"column:balance;size:64"`
	LastSeq    uint64    `gorm:"column:last_seq;index"`
	EntryCount uint64    `gorm:"column:entry_count"`
	CreatedAt  time.Time `gorm:"column:created_at;index"`
}

func (snapshotModel) TableName() string { return "ledger_snapshots" }

// GormStore persists the ledger in PostgreSQL, or SQLite for single-node
// deployments. The driver is chosen from the DSN scheme.
type GormStore struct {
	db *gorm.DB
}

// OpenGormStore opens the database behind dsn and migrates the ledger
// tables.
func OpenGormStore(dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("ledger: open store: %w", err)
	}
	if err := db.AutoMigrate(&entryModel{}, &snapshotModel{}); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func toModel(entry *Entry) (*entryModel, error) {
	metadata := ""
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return nil, fmt.Errorf("ledger: encode metadata: %w", err)
		}
		metadata = string(raw)
	}
	return &entryModel{
		EntryID:        entry.EntryID,
		Seq:            entry.Seq,
		TxID:           entry.TxID,
		AccountID:      entry.AccountID,
		EntryType:      string(entry.Type),
		Direction:      int8(entry.Direction),
		Amount:         amount.Canonical(entry.Amount),
		Fee:            amount.Canonical(entry.Fee),
		RunningBalance: amount.Canonical(entry.RunningBalance),
		Currency:       entry.Currency,
		Chain:          entry.Chain,
		ChainTxHash:    entry.ChainTxHash,
		BlockNumber:    entry.BlockNumber,
		AuditAnchor:    entry.AuditAnchor,
		Status:         string(entry.Status),
		CreatedAt:      entry.CreatedAt,
		ConfirmedAt:    entry.ConfirmedAt,
		Metadata:       metadata,
	}, nil
}

func fromModel(model *entryModel) (*Entry, error) {
	amt, err := amount.FromString(model.Amount)
	if err != nil {
		return nil, err
	}
	fee, err := amount.FromString(model.Fee)
	if err != nil {
		return nil, err
	}
	running, err := amount.FromString(model.RunningBalance)
	if err != nil {
		return nil, err
	}
	var metadata map[string]string
	if model.Metadata != "" {
		if err := json.Unmarshal([]byte(model.Metadata), &metadata); err != nil {
			return nil, fmt.Errorf("ledger: decode metadata for %s: %w", model.EntryID, err)
		}
	}
	return &Entry{
		EntryID:        model.EntryID,
		Seq:            model.Seq,
		TxID:           model.TxID,
		AccountID:      model.AccountID,
		Type:           EntryType(model.EntryType),
		Direction:      Direction(model.Direction),
		Amount:         amt,
		Fee:            fee,
		RunningBalance: running,
		Currency:       model.Currency,
		Chain:          model.Chain,
		ChainTxHash:    model.ChainTxHash,
		BlockNumber:    model.BlockNumber,
		AuditAnchor:    model.AuditAnchor,
		Status:         Status(model.Status),
		CreatedAt:      model.CreatedAt,
		ConfirmedAt:    model.ConfirmedAt,
		Metadata:       metadata,
	}, nil
}

// InsertEntry implements Store.
func (s *GormStore) InsertEntry(ctx context.Context, entry *Entry) error {
	model, err := toModel(entry)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(model).Error
}

// GetEntry implements Store.
func (s *GormStore) GetEntry(ctx context.Context, entryID string) (*Entry, error) {
	var model entryModel
	err := s.db.WithContext(ctx).First(&model, "entry_id = ?", entryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromModel(&model)
}

// UpdateEntryStatus implements Store.
func (s *GormStore) UpdateEntryStatus(ctx context.Context, entryID string, status Status, confirmedAt *time.Time) error {
	updates := map[string]any{"status": string(status)}
	if confirmedAt != nil {
		updates["confirmed_at"] = *confirmedAt
	}
	result := s.db.WithContext(ctx).Model(&entryModel{}).Where("entry_id = ?", entryID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// QueryEntries implements Store.
func (s *GormStore) QueryEntries(ctx context.Context, filter Filter) ([]*Entry, error) {
	query := s.db.WithContext(ctx).Model(&entryModel{})
	if filter.AccountID != "" {
		query = query.Where("account_id = ?", filter.AccountID)
	}
	if filter.Currency != "" {
		query = query.Where("currency = ?", filter.Currency)
	}
	if filter.TxID != "" {
		query = query.Where("tx_id = ?", filter.TxID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		query = query.Where("status IN ?", statuses)
	}
	if filter.ChainTxHash != "" {
		query = query.Where("chain_tx_hash = ?", filter.ChainTxHash)
	}
	if filter.WithChainRef {
		query = query.Where("chain_tx_hash <> ''")
	}
	if filter.AfterSeq > 0 {
		query = query.Where("seq > ?", filter.AfterSeq)
	}
	if filter.Until != nil {
		query = query.Where("created_at <= ?", *filter.Until)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var models []entryModel
	if err := query.Order("seq ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(models))
	for i := range models {
		entry, err := fromModel(&models[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// CountEntries implements Store.
func (s *GormStore) CountEntries(ctx context.Context, accountID, currency string) (uint64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&entryModel{}).
		Where("account_id = ? AND currency = ?", accountID, currency).
		Count(&count).Error
	return uint64(count), err
}

// UpsertSnapshot implements Store.
func (s *GormStore) UpsertSnapshot(ctx context.Context, snapshot *Snapshot) error {
	model := &snapshotModel{
		SnapshotID: snapshot.SnapshotID,
		AccountID:  snapshot.AccountID,
		Currency:   snapshot.Currency,
		Balance:    amount.Canonical(snapshot.Balance),
		LastSeq:    snapshot.LastSeq,
		EntryCount: snapshot.EntryCount,
		CreatedAt:  snapshot.CreatedAt,
	}
	return s.db.WithContext(ctx).Save(model).Error
}

// SnapshotAtOrBefore implements Store.
func (s *GormStore) SnapshotAtOrBefore(ctx context.Context, accountID, currency string, at time.Time) (*Snapshot, error) {
	var model snapshotModel
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND currency = ? AND created_at <= ?", accountID, currency, at).
		Order("last_seq DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromSnapshotModel(&model)
}

// LatestSnapshot implements Store.
func (s *GormStore) LatestSnapshot(ctx context.Context, accountID, currency string) (*Snapshot, error) {
	var model snapshotModel
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND currency = ?", accountID, currency).
		Order("last_seq DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromSnapshotModel(&model)
}

func fromSnapshotModel(model *snapshotModel) (*Snapshot, error) {
	balance, err := amount.FromString(model.Balance)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		SnapshotID: model.SnapshotID,
		AccountID:  model.AccountID,
		Currency:   model.Currency,
		Balance:    balance,
		LastSeq:    model.LastSeq,
		EntryCount: model.EntryCount,
		CreatedAt:  model.CreatedAt,
	}, nil
}

// MaxSeq implements Store.
func (s *GormStore) MaxSeq(ctx context.Context) (uint64, error) {
	var max *uint64
	err := s.db.WithContext(ctx).Model(&entryModel{}).Select("MAX(seq)").Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}

// Close implements Store.
func (s *GormStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
