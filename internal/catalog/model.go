package catalog

import "time"

// Item is one annotatable unit of work: a single image, or a paired
// before/after image set requiring two descriptions. Items are created at
// catalog load time and immutable afterwards.
type Item struct {
	ItemID        int       `gorm:"column:item_id;primaryKey"`
	PairedMode    bool      `gorm:"column:paired_mode;not null;default:false"`
	PrimaryPath   string    `gorm:"column:primary_path;size:255;not null"`
	SecondaryPath string    `gorm:"column:secondary_path;size:255"`
	Active        bool      `gorm:"column:active;not null;default:true"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing catalog items.
func (Item) TableName() string {
	return "catalog_items"
}
