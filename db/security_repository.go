package db

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SecurityEventFilter struct {
	UserId string
	Action string
	Limit  int
}

type SecurityRepository struct {
	db *gorm.DB
}

func NewSecurityRepository(database *gorm.DB) *SecurityRepository {
	return &SecurityRepository{db: database}
}

func (r *SecurityRepository) WithContext(ctx context.Context) *SecurityRepository {
	return &SecurityRepository{db: r.db.WithContext(ctx)}
}

func (r *SecurityRepository) WithTx(dbtx *gorm.DB) *SecurityRepository {
	return &SecurityRepository{db: dbtx}
}

func (r *SecurityRepository) Transaction(fn func(repo *SecurityRepository) error) error {
	return translate("security.tx", r.db.Transaction(func(dbtx *gorm.DB) error {
		return fn(r.WithTx(dbtx))
	}))
}

// GetPin returns the pin row for update, nil when the user has none.
func (r *SecurityRepository) GetPin(userId string) (*TransactionPin, error) {
	var pin TransactionPin
	result := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", userId).Limit(1).Find(&pin)
	if result.Error != nil {
		return nil, translate("security.getPin", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &pin, nil
}

func (r *SecurityRepository) SavePin(pin *TransactionPin) error {
	return translate("security.savePin", r.db.Save(pin).Error)
}

func (r *SecurityRepository) AppendEvent(event *SecurityEvent) error {
	return translate("security.append", r.db.Create(event).Error)
}

func (r *SecurityRepository) ListEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	query := r.db.Model(&SecurityEvent{})
	if filter.UserId != "" {
		query = query.Where("user_id = ?", filter.UserId)
	}
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var events []SecurityEvent
	err := query.Order("id ASC").Find(&events).Error
	return events, translate("security.list", err)
}
