package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"github.com/MarcoPoloResearchLab/doorsync/internal/txn"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	reasonForeignMessage  = "foreign_message"
	reasonUnknownTable    = "unknown_table"
	reasonApplyFailed     = "apply_failed"
	reasonFetchMarkFailed = "fetch_watermark_failed"
)

// IncomingPublisher receives messages once they are durably applied.
type IncomingPublisher interface {
	OnIncomingMessageReceived(message DoorMessage)
}

// ApplierConfig wires the receiving side of a replication exchange.
type ApplierConfig struct {
	Transactor Transactor
	Entities   *EntityRegistry
	NodeID     int64
	Incoming   IncomingPublisher
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Applier applies DoorMessages in one transaction and reports the uids that may be acknowledged.
type Applier struct {
	transactor Transactor
	entities   *EntityRegistry
	nodeID     int64
	incoming   IncomingPublisher
	clock      func() time.Time
	logger     *zap.Logger
}

// ApplyResult summarises one applied message.
type ApplyResult struct {
	Acknowledged []int64
	Written      int
	Skipped      int
}

// NewApplier validates cfg.
func NewApplier(cfg ApplierConfig) (*Applier, error) {
	if cfg.Transactor == nil {
		return nil, newServiceError(opApplierNew, "missing_transactor", errMissingTransactor)
	}
	if cfg.Entities == nil {
		return nil, newServiceError(opApplierNew, "missing_entities", errMissingEntities)
	}
	if cfg.NodeID <= 0 {
		return nil, newServiceError(opApplierNew, "missing_node_id", errMissingNodeID)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{
		transactor: cfg.Transactor,
		entities:   cfg.Entities,
		nodeID:     cfg.NodeID,
		incoming:   cfg.Incoming,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Apply writes every entity of message and commits. On error nothing is acknowledged.
func (a *Applier) Apply(ctx context.Context, message DoorMessage) (ApplyResult, error) {
	if len(message.Replications) == 0 {
		return ApplyResult{}, nil
	}
	if message.ToNode != 0 && message.ToNode != a.nodeID {
		err := fmt.Errorf("%w: to=%d local=%d", errForeignMessage, message.ToNode, a.nodeID)
		logError(a.logger, opApplyMessage, reasonForeignMessage, err)
		return ApplyResult{}, newServiceError(opApplyMessage, reasonForeignMessage, err)
	}

	result := ApplyResult{}
	err := a.transactor.WithTransaction(ctx, txn.ReadWrite, func(ctx context.Context, tx *txn.Tx) error {
		tables := make(map[int32]struct{})
		for _, replication := range message.Replications {
			adapter, ok := a.entities.Lookup(replication.TableID)
			if !ok {
				err := fmt.Errorf("%w: %d", errUnknownTable, replication.TableID)
				logError(a.logger, opApplyMessage, reasonUnknownTable, err, zap.Int64("or_uid", replication.ORUID))
				return newServiceError(opApplyMessage, reasonUnknownTable, err)
			}
			written, err := adapter.Apply(ctx, tx.DB, replication.Entity)
			if err != nil {
				logError(a.logger, opApplyMessage, reasonApplyFailed, err,
					zap.Int32(fieldTableID, replication.TableID),
					zap.Int64("or_uid", replication.ORUID))
				return newServiceError(opApplyMessage, reasonApplyFailed, err)
			}
			if written {
				result.Written++
			} else {
				result.Skipped++
			}
			tables[replication.TableID] = struct{}{}
		}
		return a.stampFetch(ctx, tx.DB, message.FromNode, tables)
	})
	if err != nil {
		return ApplyResult{}, err
	}

	result.Acknowledged = message.UIDs()
	if a.incoming != nil {
		a.incoming.OnIncomingMessageReceived(message)
	}
	a.logger.Debug("replication message applied",
		zap.Int64("from_node", message.FromNode),
		zap.Int("written", result.Written),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

func (a *Applier) stampFetch(ctx context.Context, tx *gorm.DB, peer int64, tables map[int32]struct{}) error {
	now := a.clock().UTC().UnixMilli()
	for tableID := range tables {
		status := database.ReplicationStatus{
			TableID:               tableID,
			NodeID:                peer,
			LastRemoteChangeTime:  now,
			LastFetchCompleteTime: now,
		}
		if err := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "table_id"}, {Name: "node_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"last_remote_change_time", "last_fetch_complete_time"}),
			}).
			Create(&status).Error; err != nil {
			logError(a.logger, opApplyMessage, reasonFetchMarkFailed, err, zap.Int32(fieldTableID, tableID))
			return newServiceError(opApplyMessage, reasonFetchMarkFailed, err)
		}
		syncStatus := database.TableSyncStatus{TableID: tableID, LastSynced: now}
		if err := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "table_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"last_synced"}),
			}).
			Create(&syncStatus).Error; err != nil {
			logError(a.logger, opApplyMessage, reasonFetchMarkFailed, err, zap.Int32(fieldTableID, tableID))
			return newServiceError(opApplyMessage, reasonFetchMarkFailed, err)
		}
	}
	return nil
}
