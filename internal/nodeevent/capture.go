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
)

var (
	// ErrMissingTracker indicates a capture listener built without a change tracker.
	ErrMissingTracker = errors.New("nodeevent: change tracker is required")
	// ErrMissingPublisher indicates a capture listener built without a publisher.
	ErrMissingPublisher = errors.New("nodeevent: publisher is required")
)

// CaptureConfig wires an OutgoingEventCapture.
type CaptureConfig struct {
	Tracker   changetrack.ChangeTracker
	Tables    []database.TrackedTable
	Publisher OutgoingPublisher
	Logger    *zap.Logger
}

// OutgoingEventCapture stages outgoing replication rows written by a transaction and publishes
// them only after the transaction commits.
type OutgoingEventCapture struct {
	tracker    changetrack.ChangeTracker
	replicable map[string]int32
	publisher  OutgoingPublisher
	logger     *zap.Logger

	staged sync.Map
}

type stagedCapture struct {
	startUID int64
	events   []NodeEvent
}

// NewOutgoingEventCapture validates cfg.
func NewOutgoingEventCapture(cfg CaptureConfig) (*OutgoingEventCapture, error) {
	if cfg.Tracker == nil {
		return nil, ErrMissingTracker
	}
	if cfg.Publisher == nil {
		return nil, ErrMissingPublisher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	replicable := make(map[string]int32)
	for _, table := range cfg.Tables {
		if table.Replicable {
			replicable[table.Name] = table.ID
		}
	}
	return &OutgoingEventCapture{
		tracker:    cfg.Tracker,
		replicable: replicable,
		publisher:  cfg.Publisher,
		logger:     logger,
	}, nil
}

// OnBeforeTransaction arms the tracker and remembers the newest uid already present.
func (c *OutgoingEventCapture) OnBeforeTransaction(ctx context.Context, tx *txn.Tx) error {
	if tx.Mode == txn.ReadOnly {
		return nil
	}
	if err := c.tracker.Arm(ctx, tx.DB); err != nil {
		return err
	}
	var startUID int64
	if err := tx.DB.WithContext(ctx).
		Model(&database.OutgoingReplication{}).
		Select("COALESCE(MAX(uid), 0)").
		Scan(&startUID).Error; err != nil {
		return fmt.Errorf("nodeevent: read outgoing watermark: %w", err)
	}
	c.staged.Store(tx.ID, &stagedCapture{startUID: startUID})
	return nil
}

// OnAfterTransaction converts rows written by this transaction for changed replicable tables into events.
func (c *OutgoingEventCapture) OnAfterTransaction(ctx context.Context, tx *txn.Tx) error {
	value, ok := c.staged.Load(tx.ID)
	if !ok {
		return nil
	}
	staged := value.(*stagedCapture)

	changed, err := c.tracker.DetectChangedTables(ctx, tx.DB)
	if err != nil {
		return err
	}
	tableIDs := make([]int32, 0, len(changed))
	for name := range changed {
		if tableID, ok := c.replicable[name]; ok {
			tableIDs = append(tableIDs, tableID)
		}
	}
	if len(tableIDs) == 0 {
		return nil
	}

	var rows []database.OutgoingReplication
	if err := tx.DB.WithContext(ctx).
		Where("uid > ? AND table_id IN ?", staged.startUID, tableIDs).
		Order("uid ASC").
		Find(&rows).Error; err != nil {
		return fmt.Errorf("nodeevent: read outgoing replications: %w", err)
	}
	staged.events = make([]NodeEvent, 0, len(rows))
	for _, row := range rows {
		staged.events = append(staged.events, EventFromOutgoing(row))
	}
	return nil
}

// OnTransactionCommitted publishes the staged events.
func (c *OutgoingEventCapture) OnTransactionCommitted(_ context.Context, tx *txn.Tx) {
	value, ok := c.staged.LoadAndDelete(tx.ID)
	if !ok {
		return
	}
	staged := value.(*stagedCapture)
	if len(staged.events) == 0 {
		return
	}
	c.logger.Debug("captured outgoing events",
		zap.String("transaction_id", tx.ID),
		zap.Int("events", len(staged.events)))
	c.publisher.PublishOutgoing(staged.events)
}

// OnTransactionRolledBack discards the staged events.
func (c *OutgoingEventCapture) OnTransactionRolledBack(_ context.Context, tx *txn.Tx, _ error) {
	c.staged.Delete(tx.ID)
}

// Pending reports how many transactions currently hold staged events.
func (c *OutgoingEventCapture) Pending() int {
	count := 0
	c.staged.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
