package assignment

import "time"

// Assignment records that a user is responsible for annotating an item.
// Rows are created exclusively by the Allocator; the composite unique index
// makes repeated allocation runs idempotent per (user, item) pair.
type Assignment struct {
	UserID     uint      `gorm:"column:user_id;not null;uniqueIndex:idx_assignment_user_item,priority:1"`
	ItemID     int       `gorm:"column:item_id;not null;uniqueIndex:idx_assignment_user_item,priority:2;index"`
	AssignedAt time.Time `gorm:"column:assigned_at;not null"`
}

// TableName exposes the table backing the assignment ledger.
func (Assignment) TableName() string {
	return "item_assignments"
}
