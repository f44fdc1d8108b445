package catalog

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrItemNotFound indicates the item does not exist or is inactive.
var ErrItemNotFound = errors.New("catalog: item not found")

// ServiceConfig describes the dependencies required for catalog access.
type ServiceConfig struct {
	Database *gorm.DB
}

// Service exposes read access to the item catalog. Inactive items are
// invisible through every method.
type Service struct {
	db *gorm.DB
}

// NewService constructs the catalog service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("catalog: database connection required")
	}
	return &Service{db: cfg.Database}, nil
}

// ActiveItems returns all active items ordered by item id.
func (s *Service) ActiveItems(ctx context.Context) ([]Item, error) {
	var items []Item
	if err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Order("item_id ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// Get loads a single active item by id.
func (s *Service) Get(ctx context.Context, itemID int) (Item, error) {
	var item Item
	err := s.db.WithContext(ctx).
		Where("item_id = ? AND active = ?", itemID, true).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Item{}, ErrItemNotFound
	}
	if err != nil {
		return Item{}, err
	}
	return item, nil
}
