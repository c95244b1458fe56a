package testutil

import (
	"fmt"
	"path/filepath"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB opens an in-memory SQLite database on a single connection and
// migrates models into it. Transactions from concurrent goroutines queue on
// that connection.
func NewTestDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()
	return open(t, fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), 1, models)
}

// NewConcurrentTestDB opens a file-backed SQLite database in WAL mode with
// conns connections, so concurrent transactions really overlap. A writer
// waits up to the busy timeout for another writer's commit; a transaction
// that read before another commit and then writes fails instead of waiting.
func NewConcurrentTestDB(t *testing.T, conns int, models ...any) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "payouts.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	return open(t, dsn, conns, models)
}

func open(t *testing.T, dsn string, conns int, models []any) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(conns)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if len(models) > 0 {
		if err := db.AutoMigrate(models...); err != nil {
			t.Fatalf("failed to migrate test database: %v", err)
		}
	}

	return db
}
