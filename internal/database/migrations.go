package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillCompletionFlags = "2026-08-12_backfill_completion_flags"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillCompletionFlags, apply: backfillCompletionFlags},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillCompletionFlags recomputes the derived completed flag from stored
// text, repairing rows written before completion became a pure function of
// the current text state.
func backfillCompletionFlags(db *gorm.DB) error {
	const statement = `
UPDATE annotations SET completed = (
	primary_text <> '' AND (
		secondary_text <> '' OR NOT EXISTS (
			SELECT 1 FROM catalog_items ci
			WHERE ci.item_id = annotations.item_id AND ci.paired_mode
		)
	)
);`
	return db.Exec(statement).Error
}
