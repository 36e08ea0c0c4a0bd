package testutil

import (
	"sync"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/learningequality/studio-backend/internal/platform/logger"
	"github.com/learningequality/studio-backend/internal/types"
)

var (
	logOnce sync.Once
	logg    *logger.Logger
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		logg = logger.NewNop()
	})
	return logg
}

// DB opens a fresh in-memory database with the full schema migrated.
// Each call returns an isolated database.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		tb.Fatalf("failed to open test db: %v", err)
	}
	err = db.AutoMigrate(
		&types.Channel{},
		&types.ContentNode{},
		&types.AssessmentItem{},
		&types.File{},
		&types.ContentTag{},
		&types.NodeTag{},
		&types.NodePrerequisite{},
		&types.License{},
		&types.PublishRecord{},
		&types.JobRun{},
	)
	if err != nil {
		tb.Fatalf("failed to migrate test db: %v", err)
	}
	if err := types.SeedLicenses(db); err != nil {
		tb.Fatalf("failed to seed licenses: %v", err)
	}
	return db
}
