package assignment

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errInvalidReplication = errors.New("replication factor must be at least 1")
	noOpLogger            = zap.NewNop()
)

// LedgerConfig describes the dependencies for assignment ledger queries.
type LedgerConfig struct {
	Database          *gorm.DB
	ReplicationFactor int
	Logger            *zap.Logger
}

// Ledger is the read side of the assignment relation: which items a user
// holds, whether a specific (user, item) pair exists, and which items are
// still below the replication target.
type Ledger struct {
	db          *gorm.DB
	replication int
	logger      *zap.Logger
}

// NewLedger constructs the ledger query layer.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opLedgerNew, "missing_database", errMissingDatabase)
	}
	if cfg.ReplicationFactor < 1 {
		return nil, newServiceError(opLedgerNew, "invalid_replication_factor", errInvalidReplication)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Ledger{db: cfg.Database, replication: cfg.ReplicationFactor, logger: logger}, nil
}

type itemCount struct {
	ItemID int   `gorm:"column:item_id"`
	Count  int64 `gorm:"column:assignment_count"`
}

// activeItemIDs returns every active catalog item id in ascending order.
func (l *Ledger) activeItemIDs(ctx context.Context) ([]int, error) {
	var ids []int
	err := l.db.WithContext(ctx).
		Table("catalog_items").
		Where("active = ?", true).
		Order("item_id ASC").
		Pluck("item_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// assignmentCounts returns the current ledger count per item. Items with no
// rows are absent from the map.
func (l *Ledger) assignmentCounts(ctx context.Context) (map[int]int64, error) {
	var rows []itemCount
	err := l.db.WithContext(ctx).
		Model(&Assignment{}).
		Select("item_id, COUNT(*) AS assignment_count").
		Group("item_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[int]int64, len(rows))
	for _, row := range rows {
		counts[row.ItemID] = row.Count
	}
	return counts, nil
}

// UnderServedItems returns active items whose assignment count is strictly
// below the replication target, in ascending item id order.
func (l *Ledger) UnderServedItems(ctx context.Context) ([]int, error) {
	active, err := l.activeItemIDs(ctx)
	if err != nil {
		l.logError(opUnderServed, "active_items_query_failed", err)
		return nil, newServiceError(opUnderServed, "active_items_query_failed", err)
	}
	counts, err := l.assignmentCounts(ctx)
	if err != nil {
		l.logError(opUnderServed, "count_query_failed", err)
		return nil, newServiceError(opUnderServed, "count_query_failed", err)
	}

	underServed := make([]int, 0, len(active))
	for _, itemID := range active {
		if counts[itemID] < int64(l.replication) {
			underServed = append(underServed, itemID)
		}
	}
	return underServed, nil
}

// AssignedItem is one row of a user's worklist: the catalog item joined with
// whatever annotation the user has saved so far. Items without an annotation
// carry empty texts and completed=false.
type AssignedItem struct {
	ItemID        int    `gorm:"column:item_id"`
	PairedMode    bool   `gorm:"column:paired_mode"`
	PrimaryPath   string `gorm:"column:primary_path"`
	SecondaryPath string `gorm:"column:secondary_path"`
	PrimaryText   string `gorm:"column:primary_text"`
	SecondaryText string `gorm:"column:secondary_text"`
	Completed     bool   `gorm:"column:completed"`
}

// ItemsAssignedTo returns the user's assigned items ordered by item id.
func (l *Ledger) ItemsAssignedTo(ctx context.Context, userID uint) ([]AssignedItem, error) {
	var items []AssignedItem
	err := l.db.WithContext(ctx).
		Table("item_assignments AS ia").
		Select("ci.item_id, ci.paired_mode, ci.primary_path, ci.secondary_path, " +
			"COALESCE(a.primary_text, '') AS primary_text, " +
			"COALESCE(a.secondary_text, '') AS secondary_text, " +
			"COALESCE(a.completed, 0) AS completed").
		Joins("JOIN catalog_items ci ON ci.item_id = ia.item_id AND ci.active = ?", true).
		Joins("LEFT JOIN annotations a ON a.user_id = ia.user_id AND a.item_id = ia.item_id").
		Where("ia.user_id = ?", userID).
		Order("ci.item_id ASC").
		Scan(&items).Error
	if err != nil {
		l.logError(opItemsAssignedTo, "query_failed", err, zap.Uint("user_id", userID))
		return nil, newServiceError(opItemsAssignedTo, "query_failed", err)
	}
	return items, nil
}

// IsAssigned reports whether the (user, item) pair exists in the ledger.
// Every annotation write must pass this gate first.
func (l *Ledger) IsAssigned(ctx context.Context, userID uint, itemID int) (bool, error) {
	var count int64
	err := l.db.WithContext(ctx).
		Model(&Assignment{}).
		Where("user_id = ? AND item_id = ?", userID, itemID).
		Count(&count).Error
	if err != nil {
		l.logError(opIsAssigned, "query_failed", err, zap.Uint("user_id", userID), zap.Int("item_id", itemID))
		return false, newServiceError(opIsAssigned, "query_failed", err)
	}
	return count > 0, nil
}

// UserLoad summarizes how many items one user holds.
type UserLoad struct {
	UserID        uint   `gorm:"column:user_id"`
	Email         string `gorm:"column:email"`
	AssignedCount int64  `gorm:"column:assigned_count"`
}

// ItemLoad summarizes how many assignment rows one item carries.
type ItemLoad struct {
	ItemID int   `gorm:"column:item_id"`
	Count  int64 `gorm:"column:assignment_count"`
}

// Stats reports per-user load and the items whose count deviates from the
// replication target. A monitoring view, not part of the allocation path.
type Stats struct {
	UserLoads      []UserLoad
	OffTargetItems []ItemLoad
}

// Stats computes the monitoring view across the whole ledger.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	var loads []UserLoad
	err := l.db.WithContext(ctx).
		Table("users AS u").
		Select("u.id AS user_id, u.email, COUNT(ia.item_id) AS assigned_count").
		Joins("LEFT JOIN item_assignments ia ON ia.user_id = u.id").
		Group("u.id, u.email").
		Order("u.id ASC").
		Scan(&loads).Error
	if err != nil {
		l.logError(opAssignmentStats, "user_load_query_failed", err)
		return Stats{}, newServiceError(opAssignmentStats, "user_load_query_failed", err)
	}

	var offTarget []ItemLoad
	err = l.db.WithContext(ctx).
		Model(&Assignment{}).
		Select("item_id, COUNT(*) AS assignment_count").
		Group("item_id").
		Having("COUNT(*) <> ?", l.replication).
		Order("item_id ASC").
		Scan(&offTarget).Error
	if err != nil {
		l.logError(opAssignmentStats, "off_target_query_failed", err)
		return Stats{}, newServiceError(opAssignmentStats, "off_target_query_failed", err)
	}

	return Stats{UserLoads: loads, OffTargetItems: offTarget}, nil
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("assignment ledger error", attrs...)
}
