package copysync

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/learningequality/studio-backend/internal/types"
)

func TestApplyModsSurfacesWriteFailure(t *testing.T) {
	ctx := context.Background()
	// A database without the schema makes the override write fail; the
	// error must reach the caller so the copy transaction rolls back
	// instead of reporting a clone missing its requested fields.
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	clone := &types.ContentNode{ID: uuid.New(), Title: "original"}
	err = applyMods(ctx, db, clone, map[string]interface{}{"title": "renamed"})
	if err == nil {
		t.Fatal("failed override write must not be silent")
	}
}

func TestApplyModsNoModsNoWrite(t *testing.T) {
	ctx := context.Background()
	// Same schemaless database: with no mods there is nothing to write,
	// so no error can surface.
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	clone := &types.ContentNode{ID: uuid.New(), Title: "original"}
	if err := applyMods(ctx, db, clone, nil); err != nil {
		t.Fatalf("empty mods should be a no-op: %v", err)
	}
	if clone.Title != "original" {
		t.Fatalf("title = %q", clone.Title)
	}
}
