// Package dbtest opens throwaway stores for package tests.
package dbtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tgshop/onchain-engine/db"
)

var seq atomic.Int64

// New returns a migrated in-memory store private to the calling test.
func New(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_busy_timeout=5000", name, seq.Add(1))

	database, err := db.Open(sqlite.Open(dsn))
	require.NoError(t, err)

	sqlDB, err := database.DB()
	require.NoError(t, err)
	// one connection keeps the shared in-memory database alive and serializes writers
	sqlDB.SetMaxOpenConns(1)

	_, err = db.Migrate(database)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return database
}
