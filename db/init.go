package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tgshop/onchain-engine/config"
)

// NewMysqlDB opens the relational store described by cfg.
func NewMysqlDB(cfg config.Database) (*gorm.DB, error) {
	dsn := cfg.Dsn
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC&timeout=10s&readTimeout=30s&writeTimeout=30s",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.DBName)
	}

	database, err := Open(mysql.Open(dsn))
	if err != nil {
		return nil, err
	}

	sqlDB, err := database.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return database, nil
}

// Open wraps gorm.Open with the settings every store in this module uses.
func Open(dialector gorm.Dialector) (*gorm.DB, error) {
	return gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		TranslateError: true,
	})
}

// Ping verifies the store is reachable.
func Ping(database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func Close(database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn in a single transaction with kinded errors.
func Transaction(ctx context.Context, database *gorm.DB, op string, fn func(dbtx *gorm.DB) error) error {
	return translate(op, database.WithContext(ctx).Transaction(fn))
}
