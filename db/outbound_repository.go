package db

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OutboundRepository struct {
	db *gorm.DB
}

func NewOutboundRepository(database *gorm.DB) *OutboundRepository {
	return &OutboundRepository{db: database}
}

func (r *OutboundRepository) WithContext(ctx context.Context) *OutboundRepository {
	return &OutboundRepository{db: r.db.WithContext(ctx)}
}

// Record stores an outbound observation. Confirmations never decrease; a failed
// flag, once set, sticks.
func (r *OutboundRepository) Record(chain, txid string, confirmations uint64, blockHeight *uint64, failed bool) (*OutboundTx, error) {
	var stored OutboundTx
	err := r.db.Transaction(func(dbtx *gorm.DB) error {
		result := dbtx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("chain = ? AND txid = ?", chain, txid).Limit(1).Find(&stored)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			stored = OutboundTx{
				Chain:         chain,
				Txid:          txid,
				BlockHeight:   blockHeight,
				Confirmations: confirmations,
				Failed:        failed,
			}
			return dbtx.Create(&stored).Error
		}

		if confirmations > stored.Confirmations {
			stored.Confirmations = confirmations
			stored.BlockHeight = blockHeight
		}
		stored.Failed = stored.Failed || failed
		return dbtx.Save(&stored).Error
	})
	if err != nil {
		return nil, translate("outbound.record", err)
	}
	return &stored, nil
}

func (r *OutboundRepository) Get(chain, txid string) (*OutboundTx, error) {
	var stored OutboundTx
	err := r.db.Where("chain = ? AND txid = ?", chain, txid).First(&stored).Error
	if err != nil {
		return nil, translate("outbound.get", err)
	}
	return &stored, nil
}
