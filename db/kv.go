package db

import (
	"errors"
	"strconv"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Set upserts a key of the config table.
func Set(db *gorm.DB, key string, value string) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_time"}),
	}).Create(&ConfigTable{Name: key, Value: value}).Error
}

// Get returns gorm.ErrRecordNotFound for a missing key.
func Get(db *gorm.DB, key string) (string, error) {
	var cfg ConfigTable
	if err := db.Where("name = ?", key).First(&cfg).Error; err != nil {
		return "", err
	}
	return cfg.Value, nil
}

// GetUint64 reads a numeric key; a missing key is 0.
func GetUint64(db *gorm.DB, key string) (uint64, error) {
	val, err := Get(db, key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(val, 10, 64)
}

func SetUint64(db *gorm.DB, key string, value uint64) error {
	return Set(db, key, strconv.FormatUint(value, 10))
}

func watermarkKey(chain, address string) string {
	return "watermark/" + chain + "/" + address
}

// GetWatermark returns the last fully scanned height for an address, 0 if never scanned.
func GetWatermark(db *gorm.DB, chain, address string) (uint64, error) {
	height, err := GetUint64(db, watermarkKey(chain, address))
	return height, translate("db.GetWatermark", err)
}

func SetWatermark(db *gorm.DB, chain, address string, height uint64) error {
	return translate("db.SetWatermark", SetUint64(db, watermarkKey(chain, address), height))
}
