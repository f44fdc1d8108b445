package database

import (
	"fmt"
	"testing"
	"time"

	"github.com/annolab/picturedesk/internal/annotation"
	"github.com/annolab/picturedesk/internal/catalog"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:database_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&catalog.Item{}, &annotation.Annotation{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func TestApplyMigrationsBackfillsCompletionFlags(t *testing.T) {
	db := newTestDB(t)

	items := []catalog.Item{
		{ItemID: 1, PrimaryPath: "/images/1.png", Active: true},
		{ItemID: 2, PairedMode: true, PrimaryPath: "/images/2y.png", SecondaryPath: "/images/2n.png", Active: true},
	}
	if err := db.Create(&items).Error; err != nil {
		t.Fatalf("failed to seed items: %v", err)
	}

	// Rows written with stale derived flags: a filled single item marked
	// incomplete, and a half-filled paired item marked complete.
	rows := []annotation.Annotation{
		{UserID: 1, ItemID: 1, PrimaryText: "a red barn", Completed: false},
		{UserID: 1, ItemID: 2, PrimaryText: "a dog", SecondaryText: "", Completed: true},
		{UserID: 2, ItemID: 2, PrimaryText: "a dog", SecondaryText: "a cat", Completed: false},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("failed to seed annotations: %v", err)
	}

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}

	assertCompleted := func(userID uint, itemID int, want bool) {
		t.Helper()
		var row annotation.Annotation
		if err := db.Where("user_id = ? AND item_id = ?", userID, itemID).Take(&row).Error; err != nil {
			t.Fatalf("failed to load annotation %d/%d: %v", userID, itemID, err)
		}
		if row.Completed != want {
			t.Fatalf("annotation %d/%d: expected completed=%v, got %v", userID, itemID, want, row.Completed)
		}
	}
	assertCompleted(1, 1, true)
	assertCompleted(1, 2, false)
	assertCompleted(2, 2, true)

	var record migrationRecord
	if err := db.Where("name = ?", migrationBackfillCompletionFlags).Take(&record).Error; err != nil {
		t.Fatalf("expected migration record, got %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		t.Fatalf("expected applied timestamp, got %+v", record)
	}
}

func TestApplyMigrationsRunsEachMigrationOnce(t *testing.T) {
	db := newTestDB(t)

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	var first migrationRecord
	if err := db.Where("name = ?", migrationBackfillCompletionFlags).Take(&first).Error; err != nil {
		t.Fatalf("expected migration record, got %v", err)
	}

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single migration record, got %d", count)
	}
}
