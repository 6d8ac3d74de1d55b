package db

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// priorityOrder sorts high before normal before low, then oldest first.
const priorityOrder = "CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, id ASC"

type PayoutFilter struct {
	Chain     string
	Status    string
	CreatedBy string
	BatchId   string
	Limit     int
	Offset    int
}

type PayoutRepository struct {
	db *gorm.DB
}

func NewPayoutRepository(database *gorm.DB) *PayoutRepository {
	return &PayoutRepository{db: database}
}

func (r *PayoutRepository) WithContext(ctx context.Context) *PayoutRepository {
	return &PayoutRepository{db: r.db.WithContext(ctx)}
}

func (r *PayoutRepository) WithTx(dbtx *gorm.DB) *PayoutRepository {
	return &PayoutRepository{db: dbtx}
}

func (r *PayoutRepository) Transaction(fn func(repo *PayoutRepository) error) error {
	return translate("payouts.tx", r.db.Transaction(func(dbtx *gorm.DB) error {
		return fn(r.WithTx(dbtx))
	}))
}

// CreateSettlement inserts a settlement payout unless one already exists for
// its (source deposit, rule) pair.
func (r *PayoutRepository) CreateSettlement(payout *Payout) (bool, error) {
	result := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(payout)
	if result.Error != nil {
		return false, translate("payouts.createSettlement", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *PayoutRepository) Create(payout *Payout) error {
	return translate("payouts.create", r.db.Create(payout).Error)
}

func (r *PayoutRepository) Get(id uint64) (*Payout, error) {
	var payout Payout
	if err := r.db.First(&payout, id).Error; err != nil {
		return nil, translate("payouts.get", err)
	}
	return &payout, nil
}

func (r *PayoutRepository) List(filter PayoutFilter) ([]Payout, error) {
	query := r.db.Model(&Payout{})
	if filter.Chain != "" {
		query = query.Where("chain = ?", filter.Chain)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.CreatedBy != "" {
		query = query.Where("created_by = ?", filter.CreatedBy)
	}
	if filter.BatchId != "" {
		query = query.Where("batch_id = ?", filter.BatchId)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	var payouts []Payout
	err := query.Order("id DESC").Find(&payouts).Error
	return payouts, translate("payouts.list", err)
}

// Transition moves a payout to a new status only if it is currently in one of
// from. It reports false when the row was not in an allowed status.
func (r *PayoutRepository) Transition(id uint64, from []string, updates map[string]interface{}) (bool, error) {
	result := r.db.Model(&Payout{}).Where("id = ? AND status IN ?", id, from).Updates(updates)
	if result.Error != nil {
		return false, translate("payouts.transition", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// GetByStatus returns payouts in a status, highest priority first.
func (r *PayoutRepository) GetByStatus(status string, limit int) ([]Payout, error) {
	var payouts []Payout
	err := r.db.Where("status = ?", status).Order(priorityOrder).Limit(limit).Find(&payouts).Error
	return payouts, translate("payouts.byStatus", err)
}

// GetSystemPending returns settlement payouts waiting for automatic authorization.
func (r *PayoutRepository) GetSystemPending(limit int) ([]Payout, error) {
	var payouts []Payout
	err := r.db.Where("status = ? AND created_by = ?", PayoutStatusPending, SystemPrincipal).
		Order(priorityOrder).Limit(limit).Find(&payouts).Error
	return payouts, translate("payouts.systemPending", err)
}

func (r *PayoutRepository) GetDueScheduled(now time.Time, limit int) ([]Payout, error) {
	var payouts []Payout
	err := r.db.Where("status = ? AND scheduled_at <= ?", PayoutStatusScheduled, now).
		Order("scheduled_at ASC, id ASC").Limit(limit).Find(&payouts).Error
	return payouts, translate("payouts.dueScheduled", err)
}

// GetStaleBroadcasting returns broadcasting payouts untouched since before.
func (r *PayoutRepository) GetStaleBroadcasting(before time.Time, limit int) ([]Payout, error) {
	var payouts []Payout
	err := r.db.Where("status = ? AND updated_time < ?", PayoutStatusBroadcasting, before).
		Order("id ASC").Limit(limit).Find(&payouts).Error
	return payouts, translate("payouts.staleBroadcasting", err)
}

// GetBySourceDeposit returns the settlement payouts of a deposit.
func (r *PayoutRepository) GetBySourceDeposit(depositId uint64) ([]Payout, error) {
	var payouts []Payout
	err := r.db.Where("source_deposit_id = ?", depositId).Order("rule_id ASC").Find(&payouts).Error
	return payouts, translate("payouts.bySource", err)
}
