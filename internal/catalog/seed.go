package catalog

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ManifestEntry describes one item to load into the catalog.
type ManifestEntry struct {
	ItemID        int
	PairedMode    bool
	PrimaryPath   string
	SecondaryPath string
}

// Seed loads the manifest into the catalog. It is a no-op when the catalog
// already holds items, and ignores conflicts on item id, so repeated startup
// runs are safe.
func Seed(ctx context.Context, db *gorm.DB, manifest []ManifestEntry, logger *zap.Logger) error {
	if db == nil {
		return fmt.Errorf("catalog: database connection required")
	}

	var existing int64
	if err := db.WithContext(ctx).Model(&Item{}).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		if logger != nil {
			logger.Info("catalog already populated", zap.Int64("items", existing))
		}
		return nil
	}

	items := make([]Item, 0, len(manifest))
	for _, entry := range manifest {
		items = append(items, Item{
			ItemID:        entry.ItemID,
			PairedMode:    entry.PairedMode,
			PrimaryPath:   entry.PrimaryPath,
			SecondaryPath: entry.SecondaryPath,
			Active:        true,
		})
	}
	if len(items) == 0 {
		return nil
	}

	if err := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&items).Error; err != nil {
		return err
	}

	if logger != nil {
		logger.Info("catalog seeded", zap.Int("items", len(items)))
	}
	return nil
}

// ScanImageDir builds a manifest from an image directory. A file named N.png
// yields a single-image item N; a Ny.png/Nn.png pair yields a paired item N.
// A lone Ny.png without its Nn.png counterpart is skipped.
func ScanImageDir(dir string) ([]ManifestEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	singles := map[int]string{}
	primaries := map[int]string{}
	secondaries := map[int]string{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := path.Ext(name)
		if !strings.EqualFold(ext, ".png") {
			continue
		}
		stem := strings.TrimSuffix(name, ext)
		if stem == "" {
			continue
		}

		if id, err := strconv.Atoi(stem); err == nil {
			singles[id] = "/images/" + name
			continue
		}
		suffix := stem[len(stem)-1:]
		id, err := strconv.Atoi(stem[:len(stem)-1])
		if err != nil {
			continue
		}
		switch suffix {
		case "y":
			primaries[id] = "/images/" + name
		case "n":
			secondaries[id] = "/images/" + name
		}
	}

	manifest := make([]ManifestEntry, 0, len(singles)+len(primaries))
	for id, primary := range singles {
		manifest = append(manifest, ManifestEntry{ItemID: id, PrimaryPath: primary})
	}
	for id, primary := range primaries {
		secondary, ok := secondaries[id]
		if !ok {
			continue
		}
		manifest = append(manifest, ManifestEntry{
			ItemID:        id,
			PairedMode:    true,
			PrimaryPath:   primary,
			SecondaryPath: secondary,
		})
	}

	sort.Slice(manifest, func(i, j int) bool {
		return manifest[i].ItemID < manifest[j].ItemID
	})
	return manifest, nil
}
