package annotation

import "time"

// Annotation holds the free-text submission for one (user, item) pair.
// Completed is derived from the current text state on every write, never
// carried forward: clearing a required field flips it back to false.
type Annotation struct {
	UserID        uint      `gorm:"column:user_id;primaryKey"`
	ItemID        int       `gorm:"column:item_id;primaryKey;index"`
	PrimaryText   string    `gorm:"column:primary_text;type:text;not null;default:''"`
	SecondaryText string    `gorm:"column:secondary_text;type:text;not null;default:''"`
	Completed     bool      `gorm:"column:completed;not null;default:false"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

// TableName exposes the table backing annotations.
func (Annotation) TableName() string {
	return "annotations"
}
