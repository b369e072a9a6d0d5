package nodeevent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/doorsync/internal/changetrack"
	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"github.com/MarcoPoloResearchLab/doorsync/internal/txn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultInvalidationBatch = 500

// ErrMissingDatabase indicates an adapter built without a database handle.
var ErrMissingDatabase = errors.New("nodeevent: database handle is required")

// InvalidationConfig wires an InvalidationAdapter.
type InvalidationConfig struct {
	Database *gorm.DB
	// Tracker must track door_outgoing_replication so its invalidation is observed.
	Tracker   changetrack.ChangeTracker
	Publisher OutgoingPublisher
	BatchSize int
	Logger    *zap.Logger
}

// InvalidationAdapter publishes outgoing events whenever door_outgoing_replication is invalidated,
// reading rows newer than the highest uid it already emitted.
type InvalidationAdapter struct {
	db        *gorm.DB
	tracker   changetrack.ChangeTracker
	publisher OutgoingPublisher
	batchSize int
	logger    *zap.Logger

	mu          sync.Mutex
	highestUID  int64
	invalidated sync.Map
}

// NewInvalidationAdapter validates cfg.
func NewInvalidationAdapter(cfg InvalidationConfig) (*InvalidationAdapter, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	if cfg.Tracker == nil {
		return nil, ErrMissingTracker
	}
	if cfg.Publisher == nil {
		return nil, ErrMissingPublisher
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultInvalidationBatch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvalidationAdapter{
		db:        cfg.Database,
		tracker:   cfg.Tracker,
		publisher: cfg.Publisher,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// HighestEmitted returns the highest uid published so far.
func (a *InvalidationAdapter) HighestEmitted() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.highestUID
}

// OnTablesChanged publishes new rows when tables includes door_outgoing_replication.
func (a *InvalidationAdapter) OnTablesChanged(ctx context.Context, tables changetrack.TableSet) error {
	if !tables.Contains(database.OutgoingReplicationTable) {
		return nil
	}
	return a.Poll(ctx)
}

// Poll publishes every row above the highest emitted uid, in uid order.
func (a *InvalidationAdapter) Poll(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		var rows []database.OutgoingReplication
		if err := a.db.WithContext(ctx).
			Where("uid > ?", a.highestUID).
			Order("uid ASC").
			Limit(a.batchSize).
			Find(&rows).Error; err != nil {
			return fmt.Errorf("nodeevent: poll outgoing replications: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		events := make([]NodeEvent, 0, len(rows))
		for _, row := range rows {
			events = append(events, EventFromOutgoing(row))
		}
		a.highestUID = rows[len(rows)-1].UID
		a.publisher.PublishOutgoing(events)
		if len(rows) < a.batchSize {
			return nil
		}
	}
}

// OnBeforeTransaction arms the tracker for write transactions.
func (a *InvalidationAdapter) OnBeforeTransaction(ctx context.Context, tx *txn.Tx) error {
	if tx.Mode == txn.ReadOnly {
		return nil
	}
	return a.tracker.Arm(ctx, tx.DB)
}

// OnAfterTransaction remembers which tables the transaction invalidated.
func (a *InvalidationAdapter) OnAfterTransaction(ctx context.Context, tx *txn.Tx) error {
	if tx.Mode == txn.ReadOnly {
		return nil
	}
	changed, err := a.tracker.DetectChangedTables(ctx, tx.DB)
	if err != nil {
		return err
	}
	if len(changed) > 0 {
		a.invalidated.Store(tx.ID, changed)
	}
	return nil
}

// OnTransactionCommitted polls once the invalidation is visible to other connections.
func (a *InvalidationAdapter) OnTransactionCommitted(ctx context.Context, tx *txn.Tx) {
	value, ok := a.invalidated.LoadAndDelete(tx.ID)
	if !ok {
		return
	}
	if err := a.OnTablesChanged(ctx, value.(changetrack.TableSet)); err != nil {
		a.logger.Warn("outgoing invalidation poll failed",
			zap.String("operation", "nodeevent.invalidation"),
			zap.String("transaction_id", tx.ID),
			zap.Error(err))
	}
}

// OnTransactionRolledBack forgets the invalidation.
func (a *InvalidationAdapter) OnTransactionRolledBack(_ context.Context, tx *txn.Tx, _ error) {
	a.invalidated.Delete(tx.ID)
}
