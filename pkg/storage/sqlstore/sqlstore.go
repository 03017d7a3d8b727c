package sqlstore

import (
	"context"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ursadefi/ursapay/pkg/core"
	"github.com/ursadefi/ursapay/pkg/storage"
)

// invoiceRow is the relational form of core.Invoice. Amounts are stored as
// decimal strings to avoid float drift.
type invoiceRow struct {
	ID                   string `gorm:"primaryKey"`
	CorrelationTag       uint32 `gorm:"index"`
	ExpectedAmount       string
	Status               string `gorm:"index"`
	IssuerName           string
	ClientName           string
	Description          string
	CreatedAt            time.Time
	DueAt                time.Time
	MatchedTransactionID string `gorm:"index"`
	NotaryTransactionID  string
}

func (invoiceRow) TableName() string { return "invoices" }

// cursorRow holds the single observer resume position.
type cursorRow struct {
	ID          int `gorm:"primaryKey"`
	LedgerIndex uint32
}

func (cursorRow) TableName() string { return "observer_cursor" }

// Store persists invoices and the observer cursor in a sqlite database.
type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (and migrates) the database at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if err := db.AutoMigrate(&invoiceRow{}, &cursorRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate")
	}
	// two pending invoices must never share a correlation tag
	if err := db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_pending_tag
		 ON invoices(correlation_tag) WHERE status = 'pending'`).Error; err != nil {
		return nil, errors.Wrap(err, "create pending tag index")
	}
	return &Store{db: db}, nil
}

func toRow(inv *core.Invoice) invoiceRow {
	return invoiceRow{
		ID:                   inv.ID.String(),
		CorrelationTag:       inv.CorrelationTag,
		ExpectedAmount:       inv.ExpectedAmount.String(),
		Status:               string(inv.Status),
		IssuerName:           inv.IssuerName,
		ClientName:           inv.ClientName,
		Description:          inv.Description,
		CreatedAt:            inv.CreatedAt,
		DueAt:                inv.DueAt,
		MatchedTransactionID: inv.MatchedTransactionID,
		NotaryTransactionID:  inv.NotaryTransactionID,
	}
}

func fromRow(row invoiceRow) (*core.Invoice, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, errors.Wrap(err, "parse invoice id")
	}
	amount, err := decimal.NewFromString(row.ExpectedAmount)
	if err != nil {
		return nil, errors.Wrap(err, "parse expected amount")
	}
	return &core.Invoice{
		ID:                   id,
		CorrelationTag:       row.CorrelationTag,
		ExpectedAmount:       amount,
		Status:               core.InvoiceStatus(row.Status),
		IssuerName:           row.IssuerName,
		ClientName:           row.ClientName,
		Description:          row.Description,
		CreatedAt:            row.CreatedAt,
		DueAt:                row.DueAt,
		MatchedTransactionID: row.MatchedTransactionID,
		NotaryTransactionID:  row.NotaryTransactionID,
	}, nil
}

func (s *Store) Create(ctx context.Context, inv *core.Invoice) error {
	row := toRow(inv)
	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return core.ErrConflict
	}
	return err
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*core.Invoice, error) {
	var row invoiceRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrEntityNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRow(row)
}

func (s *Store) List(ctx context.Context) ([]*core.Invoice, error) {
	var rows []invoiceRow
	if err := s.db.WithContext(ctx).Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return convertRows(rows)
}

func (s *Store) ListPending(ctx context.Context) ([]*core.Invoice, error) {
	var rows []invoiceRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(core.StatusPending)).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return convertRows(rows)
}

func convertRows(rows []invoiceRow) ([]*core.Invoice, error) {
	res := make([]*core.Invoice, 0, len(rows))
	for _, row := range rows {
		inv, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		res = append(res, inv)
	}
	return res, nil
}

func (s *Store) PendingByTag(ctx context.Context, tag uint32) (*core.Invoice, error) {
	var row invoiceRow
	err := s.db.WithContext(ctx).
		First(&row, "status = ? AND correlation_tag = ?", string(core.StatusPending), tag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrEntityNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRow(row)
}

func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&invoiceRow{}).
		Where("status = ?", string(core.StatusPending)).
		Count(&count).Error
	return int(count), err
}

// UpdateStatus applies the transition only if the row is still pending, which
// makes it safe against a concurrent admin override or duplicate cycle.
func (s *Store) UpdateStatus(ctx context.Context, id uuid.UUID, status core.InvoiceStatus, matchedTxID string) error {
	res := s.db.WithContext(ctx).Model(&invoiceRow{}).
		Where("id = ? AND status = ?", id.String(), string(core.StatusPending)).
		Updates(map[string]interface{}{
			"status":                 string(status),
			"matched_transaction_id": matchedTxID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&invoiceRow{}).Where("id = ?", id.String()).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return core.ErrEntityNotFound
		}
		return core.ErrConflict
	}
	return nil
}

func (s *Store) TransactionClaimed(ctx context.Context, txID string) (bool, error) {
	if txID == "" {
		return false, nil
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&invoiceRow{}).
		Where("matched_transaction_id = ?", txID).
		Count(&count).Error
	return count > 0, err
}

func (s *Store) SetNotaryTransaction(ctx context.Context, id uuid.UUID, txID string) error {
	res := s.db.WithContext(ctx).Model(&invoiceRow{}).
		Where("id = ?", id.String()).
		Update("notary_transaction_id", txID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrEntityNotFound
	}
	return nil
}

func (s *Store) Cursor(ctx context.Context) (uint32, error) {
	var row cursorRow
	err := s.db.WithContext(ctx).First(&row, "id = 1").Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.LedgerIndex, nil
}

func (s *Store) SetCursor(ctx context.Context, ledgerIndex uint32) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&cursorRow{ID: 1, LedgerIndex: ledgerIndex}).Error
}
