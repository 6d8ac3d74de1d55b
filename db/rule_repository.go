package db

import (
	"context"

	"gorm.io/gorm"
)

type RuleRepository struct {
	db *gorm.DB
}

func NewRuleRepository(database *gorm.DB) *RuleRepository {
	return &RuleRepository{db: database}
}

func (r *RuleRepository) WithContext(ctx context.Context) *RuleRepository {
	return &RuleRepository{db: r.db.WithContext(ctx)}
}

func (r *RuleRepository) WithTx(dbtx *gorm.DB) *RuleRepository {
	return &RuleRepository{db: dbtx}
}

func (r *RuleRepository) Transaction(fn func(repo *RuleRepository) error) error {
	return translate("rules.tx", r.db.Transaction(func(dbtx *gorm.DB) error {
		return fn(r.WithTx(dbtx))
	}))
}

func (r *RuleRepository) Create(rule *AutoSettlementRule) error {
	return translate("rules.add", r.db.Create(rule).Error)
}

func (r *RuleRepository) Get(id uint64) (*AutoSettlementRule, error) {
	var rule AutoSettlementRule
	if err := r.db.First(&rule, id).Error; err != nil {
		return nil, translate("rules.get", err)
	}
	return &rule, nil
}

// List returns every rule; an empty chain lists all chains.
func (r *RuleRepository) List(chain string) ([]AutoSettlementRule, error) {
	query := r.db.Model(&AutoSettlementRule{})
	if chain != "" {
		query = query.Where("chain = ?", chain)
	}
	var rules []AutoSettlementRule
	err := query.Order("id ASC").Find(&rules).Error
	return rules, translate("rules.list", err)
}

// ListEnabled returns the enabled rules of a chain in ascending id order.
func (r *RuleRepository) ListEnabled(chain string) ([]AutoSettlementRule, error) {
	var rules []AutoSettlementRule
	err := r.db.Where("chain = ? AND enabled = ?", chain, true).Order("id ASC").Find(&rules).Error
	return rules, translate("rules.listEnabled", err)
}

func (r *RuleRepository) SetEnabled(id uint64, enabled bool) error {
	result := r.db.Model(&AutoSettlementRule{}).Where("id = ?", id).Update("enabled", enabled)
	if result.Error != nil {
		return translate("rules.setEnabled", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.Get(id); err != nil {
			return err
		}
	}
	return nil
}

// SumEnabledBps sums the basis points of enabled rules on a chain, skipping excludeId.
func (r *RuleRepository) SumEnabledBps(chain string, excludeId uint64) (int, error) {
	var sum int64
	err := r.db.Model(&AutoSettlementRule{}).
		Where("chain = ? AND enabled = ? AND id <> ?", chain, true, excludeId).
		Select("COALESCE(SUM(percentage_bps), 0)").Scan(&sum).Error
	return int(sum), translate("rules.sum", err)
}
