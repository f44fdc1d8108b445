package annotation_test

import (
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/annolab/picturedesk/internal/annotation"
	"github.com/annolab/picturedesk/internal/users"
)

func TestExportRowsOneRowPerAnnotationSorted(t *testing.T) {
	service, db := newTestService(t)

	for _, account := range []users.User{
		{Email: "zoe@example.com", PasswordHash: "x", CreatedAt: time.Unix(1, 0)},
		{Email: "amy@example.com", PasswordHash: "x", CreatedAt: time.Unix(1, 0)},
	} {
		if err := db.Create(&account).Error; err != nil {
			t.Fatalf("failed to seed user: %v", err)
		}
	}
	seedAssignedItem(t, db, 1, 4, false)
	seedAssignedItem(t, db, 1, 2, false)

	// user 2 shares item 2 with user 1.
	if err := db.Exec("INSERT INTO item_assignments (user_id, item_id, assigned_at) VALUES (2, 2, ?)", time.Unix(1, 0)).Error; err != nil {
		t.Fatalf("failed to seed assignment: %v", err)
	}

	// Drafts and completed annotations both export.
	if _, err := service.Save(context.Background(), 1, 4, "complete text", ""); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := service.Save(context.Background(), 1, 2, "", ""); err != nil {
		t.Fatalf("draft save failed: %v", err)
	}
	if _, err := service.Save(context.Background(), 2, 2, "another view", ""); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	rows, err := service.ExportRows(context.Background())
	if err != nil {
		t.Fatalf("export query failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected one export row per annotation, got %d", len(rows))
	}

	// Sorted by item id, then user email.
	if rows[0].ItemID != 2 || rows[0].UserEmail != "amy@example.com" {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}
	if rows[1].ItemID != 2 || rows[1].UserEmail != "zoe@example.com" {
		t.Fatalf("unexpected second row: %+v", rows[1])
	}
	if rows[2].ItemID != 4 || rows[2].UserEmail != "zoe@example.com" {
		t.Fatalf("unexpected third row: %+v", rows[2])
	}
}

func TestWriteCSVRendersHeaderAndEmptyFields(t *testing.T) {
	rows := []annotation.ExportRow{
		{
			UserEmail: "amy@example.com",
			ItemID:    2,
			Completed: false,
			CreatedAt: time.Unix(1700000000, 0).UTC(),
			UpdatedAt: time.Unix(1700000600, 0).UTC(),
		},
		{
			UserEmail:     "zoe@example.com",
			ItemID:        3,
			PrimaryText:   "contains, a comma",
			SecondaryText: "plain",
			Completed:     true,
			CreatedAt:     time.Unix(1700000000, 0).UTC(),
			UpdatedAt:     time.Unix(1700000600, 0).UTC(),
		},
	}

	var sink strings.Builder
	if err := annotation.WriteCSV(&sink, rows); err != nil {
		t.Fatalf("csv write failed: %v", err)
	}

	parsed, err := csv.NewReader(strings.NewReader(sink.String())).ReadAll()
	if err != nil {
		t.Fatalf("csv parse failed: %v", err)
	}
	if len(parsed) != 3 {
		t.Fatalf("expected header plus 2 records, got %d lines", len(parsed))
	}
	if parsed[0][0] != "user_email" || parsed[0][2] != "primary_text" {
		t.Fatalf("unexpected header: %v", parsed[0])
	}
	if parsed[1][2] != "" || parsed[1][3] != "" {
		t.Fatalf("absent text must render as empty fields: %v", parsed[1])
	}
	if parsed[2][2] != "contains, a comma" {
		t.Fatalf("expected comma-bearing field to round-trip, got %q", parsed[2][2])
	}
	if parsed[2][4] != "true" || parsed[1][4] != "false" {
		t.Fatalf("unexpected completed rendering: %v / %v", parsed[1], parsed[2])
	}
}
