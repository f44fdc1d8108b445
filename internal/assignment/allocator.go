package assignment

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingLedger       = errors.New("ledger is required")
	errInvalidPopulation   = errors.New("expected user population must be at least 1")
	errMissingUserIdentity = errors.New("user identifier is required")
)

// ShuffleFunc permutes n elements via the provided swap callback. Production
// wiring uses rand.Shuffle; tests inject a seeded source for exact-output
// assertions.
type ShuffleFunc func(n int, swap func(i, j int))

// AllocatorConfig describes the dependencies and balance targets for the
// allocator. Targets are explicit per-instance configuration, never globals.
type AllocatorConfig struct {
	Database          *gorm.DB
	Ledger            *Ledger
	ReplicationFactor int
	ExpectedUsers     int
	Shuffle           ShuffleFunc
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Allocator distributes under-served catalog items to newly created users so
// that every item eventually reaches the replication target while per-user
// load stays roughly even.
type Allocator struct {
	db          *gorm.DB
	ledger      *Ledger
	replication int
	population  int
	shuffle     ShuffleFunc
	clock       func() time.Time
	logger      *zap.Logger
}

// Batch reports the outcome of one allocation run.
type Batch struct {
	AssignedCount int
	ItemIDs       []int
}

// NewAllocator constructs an allocator.
func NewAllocator(cfg AllocatorConfig) (*Allocator, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opAllocatorNew, "missing_database", errMissingDatabase)
	}
	if cfg.Ledger == nil {
		return nil, newServiceError(opAllocatorNew, "missing_ledger", errMissingLedger)
	}
	if cfg.ReplicationFactor < 1 {
		return nil, newServiceError(opAllocatorNew, "invalid_replication_factor", errInvalidReplication)
	}
	if cfg.ExpectedUsers < 1 {
		return nil, newServiceError(opAllocatorNew, "invalid_expected_users", errInvalidPopulation)
	}
	shuffle := cfg.Shuffle
	if shuffle == nil {
		shuffle = rand.Shuffle
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Allocator{
		db:          cfg.Database,
		ledger:      cfg.Ledger,
		replication: cfg.ReplicationFactor,
		population:  cfg.ExpectedUsers,
		shuffle:     shuffle,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Allocate assigns a balanced batch of under-served items to the user.
//
// The user's quota is ceil(totalActiveItems * R / expectedUsers): an even
// split of the total annotation workload, rounded up so late arrivals cover
// the remainder. The under-served set is shuffled before taking the quota,
// so every signup produces a different split. An empty batch is legal when
// the ledger is already saturated.
//
// The whole batch commits in one transaction with conflict-ignore per row, so
// a mid-batch failure leaves no partial assignment and re-invocation for the
// same user cannot duplicate pairs.
func (a *Allocator) Allocate(ctx context.Context, userID uint) (Batch, error) {
	if userID == 0 {
		a.logError(opAllocate, "missing_user_id", errMissingUserIdentity)
		return Batch{}, newServiceError(opAllocate, "missing_user_id", errMissingUserIdentity)
	}

	active, err := a.ledger.activeItemIDs(ctx)
	if err != nil {
		a.logError(opAllocate, "active_items_query_failed", err, zap.Uint("user_id", userID))
		return Batch{}, newServiceError(opAllocate, "active_items_query_failed", err)
	}
	counts, err := a.ledger.assignmentCounts(ctx)
	if err != nil {
		a.logError(opAllocate, "count_query_failed", err, zap.Uint("user_id", userID))
		return Batch{}, newServiceError(opAllocate, "count_query_failed", err)
	}

	underServed := make([]int, 0, len(active))
	for _, itemID := range active {
		if counts[itemID] < int64(a.replication) {
			underServed = append(underServed, itemID)
		}
	}
	if len(underServed) == 0 {
		return Batch{ItemIDs: []int{}}, nil
	}

	quota := ceilDiv(len(active)*a.replication, a.population)

	a.shuffle(len(underServed), func(i, j int) {
		underServed[i], underServed[j] = underServed[j], underServed[i]
	})

	take := quota
	if take > len(underServed) {
		take = len(underServed)
	}
	selected := underServed[:take]

	assignedAt := a.clock().UTC()
	rows := make([]Assignment, 0, len(selected))
	for _, itemID := range selected {
		rows = append(rows, Assignment{UserID: userID, ItemID: itemID, AssignedAt: assignedAt})
	}

	txErr := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if txErr != nil {
		a.logError(opAllocate, "insert_failed", txErr, zap.Uint("user_id", userID))
		return Batch{}, newServiceError(opAllocate, "insert_failed", txErr)
	}

	a.logger.Info("assignment batch allocated",
		zap.Uint("user_id", userID),
		zap.Int("assigned", len(selected)),
		zap.Int("under_served", len(underServed)),
		zap.Int("quota", quota))

	return Batch{AssignedCount: len(selected), ItemIDs: selected}, nil
}

func ceilDiv(numerator, denominator int) int {
	return (numerator + denominator - 1) / denominator
}

func (a *Allocator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Error("allocator error", attrs...)
}
