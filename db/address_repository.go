package db

import (
	"gorm.io/gorm"
)

type AddressRepository struct {
	db *gorm.DB
}

func NewAddressRepository(database *gorm.DB) *AddressRepository {
	return &AddressRepository{db: database}
}

// Create inserts a new address, or reactivates a soft-deactivated one.
// An already active (chain, address) pair is a Conflict.
func (r *AddressRepository) Create(addr *WatchedAddress) error {
	err := r.db.Transaction(func(dbtx *gorm.DB) error {
		var existing WatchedAddress
		result := dbtx.Where("chain = ? AND address = ?", addr.Chain, addr.Address).Limit(1).Find(&existing)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			addr.Active = true
			return dbtx.Create(addr).Error
		}
		if existing.Active {
			return gorm.ErrDuplicatedKey
		}

		existing.Active = true
		existing.Label = addr.Label
		existing.AddedBy = addr.AddedBy
		if err := dbtx.Save(&existing).Error; err != nil {
			return err
		}
		*addr = existing
		return nil
	})
	return translate("addresses.add", err)
}

// Deactivate is idempotent; a missing id is NotFound.
func (r *AddressRepository) Deactivate(id uint64) (*WatchedAddress, error) {
	var addr WatchedAddress
	if err := r.db.First(&addr, id).Error; err != nil {
		return nil, translate("addresses.deactivate", err)
	}
	if !addr.Active {
		return &addr, nil
	}
	if err := r.db.Model(&WatchedAddress{}).Where("id = ?", id).Update("active", false).Error; err != nil {
		return nil, translate("addresses.deactivate", err)
	}
	addr.Active = false
	return &addr, nil
}

func (r *AddressRepository) ListActive(chain string) ([]WatchedAddress, error) {
	var addrs []WatchedAddress
	err := r.db.Where("chain = ? AND active = ?", chain, true).Order("id").Find(&addrs).Error
	return addrs, translate("addresses.listActive", err)
}

// List returns active and inactive addresses; an empty chain lists every chain.
func (r *AddressRepository) List(chain string) ([]WatchedAddress, error) {
	var addrs []WatchedAddress
	query := r.db.Model(&WatchedAddress{})
	if chain != "" {
		query = query.Where("chain = ?", chain)
	}
	err := query.Order("id").Find(&addrs).Error
	return addrs, translate("addresses.list", err)
}

// Lookup returns nil without error when the address is unknown.
func (r *AddressRepository) Lookup(chain, address string) (*WatchedAddress, error) {
	var addr WatchedAddress
	result := r.db.Where("chain = ? AND address = ?", chain, address).Limit(1).Find(&addr)
	if result.Error != nil {
		return nil, translate("addresses.lookup", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &addr, nil
}
