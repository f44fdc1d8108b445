package assignment_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/annolab/picturedesk/internal/annotation"
	"github.com/annolab/picturedesk/internal/assignment"
	"github.com/annolab/picturedesk/internal/catalog"
	"github.com/annolab/picturedesk/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:picturedesk_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&users.User{}, &catalog.Item{}, &assignment.Assignment{}, &annotation.Annotation{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func seedSingleItems(t *testing.T, db *gorm.DB, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		item := catalog.Item{
			ItemID:      i,
			PrimaryPath: fmt.Sprintf("/images/%d.png", i),
			Active:      true,
		}
		if err := db.Create(&item).Error; err != nil {
			t.Fatalf("failed to seed item %d: %v", i, err)
		}
	}
}

func newTestAllocator(t *testing.T, db *gorm.DB, replication, expectedUsers int, shuffle assignment.ShuffleFunc) *assignment.Allocator {
	t.Helper()

	ledger, err := assignment.NewLedger(assignment.LedgerConfig{
		Database:          db,
		ReplicationFactor: replication,
	})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	allocator, err := assignment.NewAllocator(assignment.AllocatorConfig{
		Database:          db,
		Ledger:            ledger,
		ReplicationFactor: replication,
		ExpectedUsers:     expectedUsers,
		Shuffle:           shuffle,
		Clock:             func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct allocator: %v", err)
	}
	return allocator
}

func assignmentCountByItem(t *testing.T, db *gorm.DB) map[int]int64 {
	t.Helper()
	type row struct {
		ItemID int   `gorm:"column:item_id"`
		Count  int64 `gorm:"column:assignment_count"`
	}
	var rows []row
	if err := db.Model(&assignment.Assignment{}).
		Select("item_id, COUNT(*) AS assignment_count").
		Group("item_id").
		Scan(&rows).Error; err != nil {
		t.Fatalf("failed to count assignments: %v", err)
	}
	counts := map[int]int64{}
	for _, r := range rows {
		counts[r.ItemID] = r.Count
	}
	return counts
}

func seededShuffle(seed uint64) assignment.ShuffleFunc {
	return rand.New(rand.NewPCG(seed, seed)).Shuffle
}

func TestAllocateQuotaMatchesCeilingSplit(t *testing.T) {
	db := newTestDB(t)
	seedSingleItems(t, db, 128)
	allocator := newTestAllocator(t, db, 2, 3, seededShuffle(7))

	// quota = ceil(128*2/3) = 86 while the under-served pool can cover it.
	first, err := allocator.Allocate(context.Background(), 1)
	if err != nil {
		t.Fatalf("first allocation failed: %v", err)
	}
	if first.AssignedCount != 86 {
		t.Fatalf("expected first user to receive 86 items, got %d", first.AssignedCount)
	}

	second, err := allocator.Allocate(context.Background(), 2)
	if err != nil {
		t.Fatalf("second allocation failed: %v", err)
	}
	if second.AssignedCount != 86 {
		t.Fatalf("expected second user to receive 86 items, got %d", second.AssignedCount)
	}

	third, err := allocator.Allocate(context.Background(), 3)
	if err != nil {
		t.Fatalf("third allocation failed: %v", err)
	}
	if third.AssignedCount > 86 {
		t.Fatalf("third batch exceeded quota: %d", third.AssignedCount)
	}

	for itemID, count := range assignmentCountByItem(t, db) {
		if count > 2 {
			t.Fatalf("item %d exceeded replication target with %d assignments", itemID, count)
		}
	}
}

func TestAllocateNeverIncreasesSaturatedItems(t *testing.T) {
	db := newTestDB(t)
	seedSingleItems(t, db, 4)

	// Saturate items 0 and 1 at the replication target before allocating.
	for _, seeded := range []assignment.Assignment{
		{UserID: 10, ItemID: 0, AssignedAt: time.Unix(1, 0)},
		{UserID: 11, ItemID: 0, AssignedAt: time.Unix(1, 0)},
		{UserID: 10, ItemID: 1, AssignedAt: time.Unix(1, 0)},
		{UserID: 11, ItemID: 1, AssignedAt: time.Unix(1, 0)},
	} {
		if err := db.Create(&seeded).Error; err != nil {
			t.Fatalf("failed to seed assignment: %v", err)
		}
	}

	allocator := newTestAllocator(t, db, 2, 3, seededShuffle(3))
	batch, err := allocator.Allocate(context.Background(), 1)
	if err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	for _, itemID := range batch.ItemIDs {
		if itemID == 0 || itemID == 1 {
			t.Fatalf("saturated item %d was assigned again", itemID)
		}
	}

	counts := assignmentCountByItem(t, db)
	if counts[0] != 2 || counts[1] != 2 {
		t.Fatalf("saturated item counts changed: %v", counts)
	}
}

func TestAllocateIsIdempotentPerUserItemPair(t *testing.T) {
	db := newTestDB(t)
	seedSingleItems(t, db, 6)
	allocator := newTestAllocator(t, db, 2, 3, seededShuffle(11))

	if _, err := allocator.Allocate(context.Background(), 1); err != nil {
		t.Fatalf("first allocation failed: %v", err)
	}
	if _, err := allocator.Allocate(context.Background(), 1); err != nil {
		t.Fatalf("repeat allocation failed: %v", err)
	}

	type duplicate struct {
		UserID uint `gorm:"column:user_id"`
		ItemID int  `gorm:"column:item_id"`
	}
	var duplicates []duplicate
	if err := db.Model(&assignment.Assignment{}).
		Select("user_id, item_id").
		Group("user_id, item_id").
		Having("COUNT(*) > 1").
		Scan(&duplicates).Error; err != nil {
		t.Fatalf("failed to query duplicates: %v", err)
	}
	if len(duplicates) != 0 {
		t.Fatalf("expected no duplicate (user, item) pairs, got %v", duplicates)
	}
}

func TestAllocateReturnsEmptyBatchWhenSaturated(t *testing.T) {
	db := newTestDB(t)
	seedSingleItems(t, db, 2)

	for _, seeded := range []assignment.Assignment{
		{UserID: 10, ItemID: 0, AssignedAt: time.Unix(1, 0)},
		{UserID: 11, ItemID: 0, AssignedAt: time.Unix(1, 0)},
		{UserID: 10, ItemID: 1, AssignedAt: time.Unix(1, 0)},
		{UserID: 11, ItemID: 1, AssignedAt: time.Unix(1, 0)},
	} {
		if err := db.Create(&seeded).Error; err != nil {
			t.Fatalf("failed to seed assignment: %v", err)
		}
	}

	allocator := newTestAllocator(t, db, 2, 3, seededShuffle(5))
	batch, err := allocator.Allocate(context.Background(), 1)
	if err != nil {
		t.Fatalf("allocation on saturated ledger should not error: %v", err)
	}
	if batch.AssignedCount != 0 || len(batch.ItemIDs) != 0 {
		t.Fatalf("expected empty batch, got %+v", batch)
	}
}

func TestAllocateSeededShuffleIsReproducible(t *testing.T) {
	runAllocation := func() []int {
		db := newTestDB(t)
		seedSingleItems(t, db, 16)
		allocator := newTestAllocator(t, db, 2, 3, seededShuffle(42))
		batch, err := allocator.Allocate(context.Background(), 1)
		if err != nil {
			t.Fatalf("allocation failed: %v", err)
		}
		return batch.ItemIDs
	}

	first := runAllocation()
	second := runAllocation()
	if len(first) != len(second) {
		t.Fatalf("batch sizes differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("seeded shuffle not reproducible: %v vs %v", first, second)
		}
	}
}

func TestAllocateMixedCatalogRollout(t *testing.T) {
	db := newTestDB(t)
	// Three single-image items plus one paired item, R=2, expected users 3.
	seedSingleItems(t, db, 3)
	paired := catalog.Item{
		ItemID:        3,
		PairedMode:    true,
		PrimaryPath:   "/images/3y.png",
		SecondaryPath: "/images/3n.png",
		Active:        true,
	}
	if err := db.Create(&paired).Error; err != nil {
		t.Fatalf("failed to seed paired item: %v", err)
	}

	allocator := newTestAllocator(t, db, 2, 3, seededShuffle(9))

	first, err := allocator.Allocate(context.Background(), 1)
	if err != nil {
		t.Fatalf("first allocation failed: %v", err)
	}
	if first.AssignedCount != 3 {
		t.Fatalf("expected ceil(4*2/3)=3 items for first user, got %d", first.AssignedCount)
	}

	second, err := allocator.Allocate(context.Background(), 2)
	if err != nil {
		t.Fatalf("second allocation failed: %v", err)
	}
	if second.AssignedCount != 3 {
		t.Fatalf("expected 3 items for second user, got %d", second.AssignedCount)
	}

	third, err := allocator.Allocate(context.Background(), 3)
	if err != nil {
		t.Fatalf("third allocation failed: %v", err)
	}
	if third.AssignedCount > 3 {
		t.Fatalf("third batch exceeded quota: %d", third.AssignedCount)
	}

	for itemID, count := range assignmentCountByItem(t, db) {
		if count > 2 {
			t.Fatalf("item %d exceeded replication target with %d assignments", itemID, count)
		}
	}
}

func TestAllocateIgnoresInactiveItems(t *testing.T) {
	db := newTestDB(t)
	seedSingleItems(t, db, 3)
	inactive := catalog.Item{
		ItemID:      98,
		PrimaryPath: "/images/98.png",
		Active:      false,
	}
	if err := db.Create(&inactive).Error; err != nil {
		t.Fatalf("failed to seed inactive item: %v", err)
	}

	allocator := newTestAllocator(t, db, 2, 1, seededShuffle(13))
	batch, err := allocator.Allocate(context.Background(), 1)
	if err != nil {
		t.Fatalf("allocation failed: %v", err)
	}
	for _, itemID := range batch.ItemIDs {
		if itemID == 98 {
			t.Fatalf("inactive item was allocated")
		}
	}
}

func TestAllocateRejectsZeroUserID(t *testing.T) {
	db := newTestDB(t)
	seedSingleItems(t, db, 2)
	allocator := newTestAllocator(t, db, 2, 3, seededShuffle(1))

	if _, err := allocator.Allocate(context.Background(), 0); err == nil {
		t.Fatalf("expected error for zero user id")
	}
}
