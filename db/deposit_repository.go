package db

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	BatchHandleDepositsNum = 50
)

type DepositFilter struct {
	Chain   string
	Address string
	State   string
	Limit   int
	Offset  int
}

type DepositRepository struct {
	db *gorm.DB
}

func NewDepositRepository(database *gorm.DB) *DepositRepository {
	return &DepositRepository{db: database}
}

// WithTx returns a repository bound to an open transaction.
func (r *DepositRepository) WithTx(dbtx *gorm.DB) *DepositRepository {
	return &DepositRepository{db: dbtx}
}

func (r *DepositRepository) WithContext(ctx context.Context) *DepositRepository {
	return &DepositRepository{db: r.db.WithContext(ctx)}
}

func (r *DepositRepository) Transaction(fn func(repo *DepositRepository) error) error {
	return translate("deposits.tx", r.db.Transaction(func(dbtx *gorm.DB) error {
		return fn(r.WithTx(dbtx))
	}))
}

// FindByKey loads the deposit for a deposit key, locking the row for update when
// called inside a transaction. Returns nil when absent.
func (r *DepositRepository) FindByKey(chain, txid string, vout uint32) (*Deposit, error) {
	var deposit Deposit
	result := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("chain = ? AND txid = ? AND vout = ?", chain, txid, vout).Limit(1).Find(&deposit)
	if result.Error != nil {
		return nil, translate("deposits.findByKey", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &deposit, nil
}

// InsertIfAbsent inserts the deposit unless its key already exists.
func (r *DepositRepository) InsertIfAbsent(deposit *Deposit) (bool, error) {
	result := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(deposit)
	if result.Error != nil {
		return false, translate("deposits.insert", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *DepositRepository) Save(deposit *Deposit) error {
	return translate("deposits.save", r.db.Save(deposit).Error)
}

func (r *DepositRepository) Get(id uint64) (*Deposit, error) {
	var deposit Deposit
	if err := r.db.First(&deposit, id).Error; err != nil {
		return nil, translate("deposits.get", err)
	}
	return &deposit, nil
}

func (r *DepositRepository) List(filter DepositFilter) ([]Deposit, error) {
	query := r.db.Model(&Deposit{})
	if filter.Chain != "" {
		query = query.Where("chain = ?", filter.Chain)
	}
	if filter.Address != "" {
		query = query.Where("address = ?", filter.Address)
	}
	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	var deposits []Deposit
	err := query.Order("id DESC").Find(&deposits).Error
	return deposits, translate("deposits.list", err)
}

// GetUnnotifiedDeposits returns confirmed deposits awaiting notification that are not parked.
func (r *DepositRepository) GetUnnotifiedDeposits(limit int) ([]Deposit, error) {
	var deposits []Deposit
	err := r.db.Model(&Deposit{}).
		Where("state = ? AND notified_at IS NULL", DepositStateConfirmed).
		Where("NOT EXISTS (SELECT 1 FROM dead_letters WHERE dead_letters.kind = ? AND dead_letters.ref_id = deposits.id)", DeadLetterNotify).
		Order("id ASC").Limit(limit).Find(&deposits).Error
	return deposits, translate("deposits.unnotified", err)
}

// GetUnsettledDeposits returns confirmed deposits awaiting settlement.
func (r *DepositRepository) GetUnsettledDeposits(limit int) ([]Deposit, error) {
	var deposits []Deposit
	err := r.db.Model(&Deposit{}).
		Where("state = ? AND settled_at IS NULL", DepositStateConfirmed).
		Order("id ASC").Limit(limit).Find(&deposits).Error
	return deposits, translate("deposits.unsettled", err)
}

// MarkNotified sets notified_at once. It reports false when another writer got there first.
func (r *DepositRepository) MarkNotified(id uint64, at time.Time) (bool, error) {
	result := r.db.Model(&Deposit{}).Where("id = ? AND notified_at IS NULL", id).Update("notified_at", at)
	if result.Error != nil {
		return false, translate("deposits.markNotified", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkSettled sets settled_at once. It reports false when another writer got there first.
func (r *DepositRepository) MarkSettled(id uint64, at time.Time) (bool, error) {
	result := r.db.Model(&Deposit{}).Where("id = ? AND settled_at IS NULL", id).Update("settled_at", at)
	if result.Error != nil {
		return false, translate("deposits.markSettled", result.Error)
	}
	return result.RowsAffected == 1, nil
}
