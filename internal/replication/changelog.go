package replication

import (
	"context"
	"fmt"
	"math"

	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"github.com/MarcoPoloResearchLab/doorsync/internal/txn"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	reasonChangeLogQuery    = "change_log_query_failed"
	reasonChangeLogDispatch = "change_log_dispatch_failed"
	reasonDerivationFailed  = "derivation_failed"
	reasonChangeLogDelete   = "change_log_delete_failed"
)

// ChangeDerivation consumes captured change log entries inside the writing transaction.
type ChangeDerivation interface {
	Name() string
	Derive(ctx context.Context, tx *gorm.DB, entries []database.ChangeLog) error
}

// ChangeLogProcessor turns door_change_log rows into derived notifications before commit.
// Rows are deleted only after every derivation has consumed them.
type ChangeLogProcessor struct {
	derivations []ChangeDerivation
	logger      *zap.Logger
}

// NewChangeLogProcessor requires at least one derivation.
func NewChangeLogProcessor(logger *zap.Logger, derivations ...ChangeDerivation) (*ChangeLogProcessor, error) {
	if len(derivations) == 0 {
		return nil, newServiceError(opChangeLogNew, "missing_derivations", fmt.Errorf("at least one derivation is required"))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeLogProcessor{derivations: derivations, logger: logger}, nil
}

// Process dispatches every undispatched entry visible to tx.
func (p *ChangeLogProcessor) Process(ctx context.Context, tx *gorm.DB) (int, error) {
	var entries []database.ChangeLog
	if err := tx.WithContext(ctx).
		Where("dispatched = ?", false).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		logError(p.logger, opDeriveChanges, reasonChangeLogQuery, err)
		return 0, newServiceError(opDeriveChanges, reasonChangeLogQuery, err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}

	if err := tx.WithContext(ctx).
		Model(&database.ChangeLog{}).
		Where("id IN ?", ids).
		Update("dispatched", true).Error; err != nil {
		logError(p.logger, opDeriveChanges, reasonChangeLogDispatch, err)
		return 0, newServiceError(opDeriveChanges, reasonChangeLogDispatch, err)
	}
	for _, derivation := range p.derivations {
		if err := derivation.Derive(ctx, tx, entries); err != nil {
			logError(p.logger, opDeriveChanges, reasonDerivationFailed, err, zap.String("derivation", derivation.Name()))
			return 0, newServiceError(opDeriveChanges, reasonDerivationFailed, err)
		}
	}
	if err := tx.WithContext(ctx).Where("id IN ?", ids).Delete(&database.ChangeLog{}).Error; err != nil {
		logError(p.logger, opDeriveChanges, reasonChangeLogDelete, err)
		return 0, newServiceError(opDeriveChanges, reasonChangeLogDelete, err)
	}
	return len(entries), nil
}

// OnBeforeTransaction implements txn.Listener.
func (p *ChangeLogProcessor) OnBeforeTransaction(context.Context, *txn.Tx) error {
	return nil
}

// OnAfterTransaction processes the change log on the transaction's own connection.
func (p *ChangeLogProcessor) OnAfterTransaction(ctx context.Context, tx *txn.Tx) error {
	if tx.Mode == txn.ReadOnly {
		return nil
	}
	_, err := p.Process(ctx, tx.DB)
	return err
}

// OnTransactionCommitted implements txn.Listener.
func (p *ChangeLogProcessor) OnTransactionCommitted(context.Context, *txn.Tx) {}

// OnTransactionRolledBack implements txn.Listener.
func (p *ChangeLogProcessor) OnTransactionRolledBack(context.Context, *txn.Tx, error) {}

func latestChangePerTable(entries []database.ChangeLog) map[int32]int64 {
	latest := make(map[int32]int64)
	for _, entry := range entries {
		if entry.ChangeTime > latest[entry.TableID] {
			latest[entry.TableID] = entry.ChangeTime
		}
	}
	return latest
}

// TableSyncDerivation advances TableSyncStatus.lastChanged.
type TableSyncDerivation struct{}

// Name implements ChangeDerivation.
func (TableSyncDerivation) Name() string {
	return "table_sync_status"
}

// Derive implements ChangeDerivation.
func (TableSyncDerivation) Derive(ctx context.Context, tx *gorm.DB, entries []database.ChangeLog) error {
	for tableID, changed := range latestChangePerTable(entries) {
		var status database.TableSyncStatus
		err := tx.WithContext(ctx).
			Where("table_id = ?", tableID).
			Limit(1).
			Find(&status).Error
		if err != nil {
			return err
		}
		if status.TableID == tableID && status.LastChanged >= changed {
			continue
		}
		status.TableID = tableID
		status.LastChanged = changed
		if err := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "table_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"last_changed"}),
			}).
			Create(&status).Error; err != nil {
			return err
		}
	}
	return nil
}

// UpdateNotificationDerivation upserts one UpdateNotification per known peer and changed table.
type UpdateNotificationDerivation struct {
	LocalNodeID int64
}

// Name implements ChangeDerivation.
func (UpdateNotificationDerivation) Name() string {
	return "update_notification"
}

// Derive implements ChangeDerivation.
func (d UpdateNotificationDerivation) Derive(ctx context.Context, tx *gorm.DB, entries []database.ChangeLog) error {
	var peers []int64
	if err := tx.WithContext(ctx).
		Model(&database.DoorNode{}).
		Where("node_id <> ?", d.LocalNodeID).
		Pluck("node_id", &peers).Error; err != nil {
		return err
	}
	latest := latestChangePerTable(entries)
	for _, peer := range peers {
		if peer > math.MaxInt32 {
			continue
		}
		for tableID, changed := range latest {
			notification := database.UpdateNotification{DeviceID: int32(peer), TableID: tableID, Timestamp: changed}
			if err := tx.WithContext(ctx).
				Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "device_id"}, {Name: "table_id"}},
					DoUpdates: clause.AssignmentColumns([]string{"timestamp"}),
				}).
				Create(&notification).Error; err != nil {
				return err
			}
		}
	}
	return nil
}
