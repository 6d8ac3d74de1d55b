package db

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeadLetterRepository struct {
	db *gorm.DB
}

func NewDeadLetterRepository(database *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: database}
}

func (r *DeadLetterRepository) WithContext(ctx context.Context) *DeadLetterRepository {
	return &DeadLetterRepository{db: r.db.WithContext(ctx)}
}

// Park records a failed event. Parking the same (kind, ref) twice keeps the first row.
func (r *DeadLetterRepository) Park(kind string, refId uint64, reason string, attempts int) error {
	if len(reason) > 512 {
		reason = reason[:512]
	}
	letter := &DeadLetter{Kind: kind, RefId: refId, Reason: reason, Attempts: attempts}
	return translate("deadletters.park", r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(letter).Error)
}

func (r *DeadLetterRepository) List(kind string) ([]DeadLetter, error) {
	query := r.db.Model(&DeadLetter{})
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	var letters []DeadLetter
	err := query.Order("id ASC").Find(&letters).Error
	return letters, translate("deadletters.list", err)
}

// Requeue removes a parked row so its event becomes eligible again.
func (r *DeadLetterRepository) Requeue(id uint64) (*DeadLetter, error) {
	var letter DeadLetter
	if err := r.db.First(&letter, id).Error; err != nil {
		return nil, translate("deadletters.requeue", err)
	}
	if err := r.db.Delete(&DeadLetter{}, id).Error; err != nil {
		return nil, translate("deadletters.requeue", err)
	}
	return &letter, nil
}
