package annotation

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

// ExportRow is one flattened annotation for tabular export: every annotation
// ever saved produces exactly one row, completed or not.
type ExportRow struct {
	UserEmail     string    `gorm:"column:email"`
	ItemID        int       `gorm:"column:item_id"`
	PrimaryText   string    `gorm:"column:primary_text"`
	SecondaryText string    `gorm:"column:secondary_text"`
	Completed     bool      `gorm:"column:completed"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

var exportHeader = []string{
	"user_email",
	"item_id",
	"primary_text",
	"secondary_text",
	"completed",
	"created_at",
	"updated_at",
}

// ExportRows loads every annotation joined with its owner, sorted by item id
// then user email.
func (s *Service) ExportRows(ctx context.Context) ([]ExportRow, error) {
	var rows []ExportRow
	err := s.db.WithContext(ctx).
		Table("annotations AS a").
		Select("u.email, a.item_id, a.primary_text, a.secondary_text, a.completed, a.created_at, a.updated_at").
		Joins("JOIN users u ON u.id = a.user_id").
		Order("a.item_id ASC, u.email ASC").
		Scan(&rows).Error
	if err != nil {
		s.logError(opExportRows, "query_failed", err)
		return nil, newServiceError(opExportRows, "query_failed", err)
	}
	return rows, nil
}

// WriteCSV renders export rows as CSV with a fixed header.
func WriteCSV(w io.Writer, rows []ExportRow) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(exportHeader); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			row.UserEmail,
			strconv.Itoa(row.ItemID),
			row.PrimaryText,
			row.SecondaryText,
			strconv.FormatBool(row.Completed),
			row.CreatedAt.UTC().Format(time.RFC3339),
			row.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
