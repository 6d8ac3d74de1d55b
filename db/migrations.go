package db

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type migrationStep struct {
	version int
	name    string
	apply   func(tx *gorm.DB) error
}

// Steps are forward-only and must stay safe to re-run.
var migrationSteps = []migrationStep{
	{
		version: 1,
		name:    "create core tables",
		apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&ConfigTable{},
				&WatchedAddress{},
				&Deposit{},
				&AutoSettlementRule{},
				&Payout{},
				&TransactionPin{},
				&SecurityEvent{},
			)
		},
	},
	{
		version: 2,
		name:    "create dead letter and outbound tables",
		apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&DeadLetter{}, &OutboundTx{})
		},
	},
	{
		version: 3,
		name:    "index pending deposit work",
		apply: func(tx *gorm.DB) error {
			const index = "idx_deposits_pending_work"
			if tx.Migrator().HasIndex(&Deposit{}, index) {
				return nil
			}
			return tx.Exec("CREATE INDEX " + index + " ON deposits (state, notified_at, settled_at)").Error
		},
	},
}

// Migrate applies every step newer than the recorded schema version.
func Migrate(database *gorm.DB) (applied int, err error) {
	if err := database.AutoMigrate(&Migration{}); err != nil {
		return 0, translate("db.Migrate", err)
	}

	current, err := SchemaVersion(database)
	if err != nil {
		return 0, err
	}

	for _, step := range migrationSteps {
		if step.version <= current {
			continue
		}
		err := database.Transaction(func(tx *gorm.DB) error {
			if err := step.apply(tx); err != nil {
				return err
			}
			return tx.Create(&Migration{Version: step.version, Name: step.name, AppliedAt: time.Now().UTC()}).Error
		})
		if err != nil {
			return applied, translate("db.Migrate", err)
		}
		applied++
	}
	return applied, nil
}

func SchemaVersion(database *gorm.DB) (int, error) {
	var last Migration
	err := database.Order("version DESC").First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, translate("db.SchemaVersion", err)
	}
	return last.Version, nil
}
