// Package testutil opens throwaway databases with the storage schema applied.
// Use NewSQLite(t) in unit tests; NewPostgres(t) needs Docker and the
// integration build tag.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/huangang/jobstore/internal/models"
	"github.com/huangang/jobstore/internal/store"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewSQLite creates a migrated SQLite database in a temp dir. A single
// connection is used so concurrent tests serialize on the pool instead of
// hitting SQLITE_BUSY.
func NewSQLite(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "jobstore.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// FastOptions are storage options with intervals short enough for tests.
func FastOptions() store.Options {
	opts := store.DefaultOptions()
	opts.QueuePollInterval = 20 * time.Millisecond
	opts.CountersAggregateInterval = 50 * time.Millisecond
	opts.JobExpirationCheckInterval = 50 * time.Millisecond
	opts.TransactionTimeout = 10 * time.Second
	return opts
}

// NewStore wraps NewSQLite in a store.Store with FastOptions.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(NewSQLite(t), FastOptions(), zerolog.Nop())
}

// SeedJobs inserts n jobs of the given type and returns their ids in order.
func SeedJobs(t *testing.T, db *gorm.DB, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		job := models.Job{Type: "test", StateName: models.JobStateEnqueued, CreatedAt: time.Now().UTC()}
		if err := db.Create(&job).Error; err != nil {
			t.Fatalf("seed job: %v", err)
		}
		ids = append(ids, job.ID)
	}
	return ids
}
