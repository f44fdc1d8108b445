package annotation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/annolab/picturedesk/internal/assignment"
	"github.com/annolab/picturedesk/internal/catalog"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingLedger   = errors.New("assignment ledger is required")
	errMissingCatalog  = errors.New("catalog service is required")
	noOpLogger         = zap.NewNop()

	// ErrNotAssigned indicates a write was attempted on an item the user does
	// not hold an assignment for.
	ErrNotAssigned = errors.New("annotation: item not assigned to user")
)

// ServiceError carries a stable dotted code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "annotation.service.new"
	opSave        = "annotation.save"
	opForUserItem = "annotation.for_user_item"
	opExportRows  = "annotation.export_rows"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies for the annotation store.
type ServiceConfig struct {
	Database *gorm.DB
	Ledger   *assignment.Ledger
	Catalog  *catalog.Service
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns the annotation submission path: assignment-gated upserts with
// completion recomputation.
type Service struct {
	db      *gorm.DB
	ledger  *assignment.Ledger
	catalog *catalog.Service
	clock   func() time.Time
	logger  *zap.Logger
}

// NewService constructs the annotation service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Ledger == nil {
		return nil, newServiceError(opServiceNew, "missing_ledger", errMissingLedger)
	}
	if cfg.Catalog == nil {
		return nil, newServiceError(opServiceNew, "missing_catalog", errMissingCatalog)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:      cfg.Database,
		ledger:  cfg.Ledger,
		catalog: cfg.Catalog,
		clock:   clock,
		logger:  logger,
	}, nil
}

// SaveResult reports the completion state after a save.
type SaveResult struct {
	Completed bool
}

// Save upserts the user's annotation for the item and recomputes completion.
//
// Partial saves are allowed: an annotation with missing required text is
// stored as a draft. The annotation is complete iff the primary text is
// non-empty and, for paired items, the secondary text is non-empty too.
// Secondary text supplied for a non-paired item is discarded. Writes on
// unassigned items fail with ErrNotAssigned; unknown or inactive items fail
// with catalog.ErrItemNotFound.
func (s *Service) Save(ctx context.Context, userID uint, itemID int, primaryText, secondaryText string) (SaveResult, error) {
	assigned, err := s.ledger.IsAssigned(ctx, userID, itemID)
	if err != nil {
		s.logError(opSave, "assignment_check_failed", err, zap.Uint("user_id", userID), zap.Int("item_id", itemID))
		return SaveResult{}, newServiceError(opSave, "assignment_check_failed", err)
	}
	if !assigned {
		return SaveResult{}, newServiceError(opSave, "not_assigned", ErrNotAssigned)
	}

	item, err := s.catalog.Get(ctx, itemID)
	if errors.Is(err, catalog.ErrItemNotFound) {
		return SaveResult{}, newServiceError(opSave, "item_not_found", err)
	}
	if err != nil {
		s.logError(opSave, "item_lookup_failed", err, zap.Int("item_id", itemID))
		return SaveResult{}, newServiceError(opSave, "item_lookup_failed", err)
	}

	primary := strings.TrimSpace(primaryText)
	secondary := strings.TrimSpace(secondaryText)
	if !item.PairedMode {
		secondary = ""
	}

	completed := primary != "" && (!item.PairedMode || secondary != "")

	now := s.clock().UTC()
	row := Annotation{
		UserID:        userID,
		ItemID:        itemID,
		PrimaryText:   primary,
		SecondaryText: secondary,
		Completed:     completed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "item_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"primary_text", "secondary_text", "completed", "updated_at",
			}),
		}).
		Create(&row).Error
	if err != nil {
		s.logError(opSave, "upsert_failed", err, zap.Uint("user_id", userID), zap.Int("item_id", itemID))
		return SaveResult{}, newServiceError(opSave, "upsert_failed", err)
	}

	return SaveResult{Completed: completed}, nil
}

// Detail is the item-detail view: catalog metadata joined with the user's
// current annotation, if any.
type Detail struct {
	Item          catalog.Item
	PrimaryText   string
	SecondaryText string
	Completed     bool
}

// ForUserItem loads the detail view for an assigned item. The same gates as
// Save apply: unassigned pairs and unknown items are rejected.
func (s *Service) ForUserItem(ctx context.Context, userID uint, itemID int) (Detail, error) {
	assigned, err := s.ledger.IsAssigned(ctx, userID, itemID)
	if err != nil {
		s.logError(opForUserItem, "assignment_check_failed", err, zap.Uint("user_id", userID), zap.Int("item_id", itemID))
		return Detail{}, newServiceError(opForUserItem, "assignment_check_failed", err)
	}
	if !assigned {
		return Detail{}, newServiceError(opForUserItem, "not_assigned", ErrNotAssigned)
	}

	item, err := s.catalog.Get(ctx, itemID)
	if errors.Is(err, catalog.ErrItemNotFound) {
		return Detail{}, newServiceError(opForUserItem, "item_not_found", err)
	}
	if err != nil {
		s.logError(opForUserItem, "item_lookup_failed", err, zap.Int("item_id", itemID))
		return Detail{}, newServiceError(opForUserItem, "item_lookup_failed", err)
	}

	detail := Detail{Item: item}

	var stored Annotation
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND item_id = ?", userID, itemID).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return detail, nil
	}
	if err != nil {
		s.logError(opForUserItem, "annotation_lookup_failed", err, zap.Uint("user_id", userID), zap.Int("item_id", itemID))
		return Detail{}, newServiceError(opForUserItem, "annotation_lookup_failed", err)
	}

	detail.PrimaryText = stored.PrimaryText
	detail.SecondaryText = stored.SecondaryText
	detail.Completed = stored.Completed
	return detail, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("annotation service error", attrs...)
}
