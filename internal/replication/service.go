package replication

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"github.com/MarcoPoloResearchLab/doorsync/internal/txn"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultBatchSize bounds how many outgoing rows one ack/get response carries.
	DefaultBatchSize = 100

	fieldPeerNode             = "peer_node_id"
	fieldTableID              = "table_id"
	reasonInvalidPeer         = "invalid_peer"
	reasonAckLookupFailed     = "ack_lookup_failed"
	reasonAckDeleteFailed     = "ack_delete_failed"
	reasonWatermarkFailed     = "watermark_failed"
	reasonPendingQueryFailed  = "pending_query_failed"
	reasonEntityLoadFailed    = "entity_load_failed"
	reasonUndeliverableFailed = "undeliverable_cleanup_failed"
	reasonTransactionFailed   = "transaction_failed"
	queryDestination          = "dest_node_id = ?"
	queryDestinationUIDs      = "dest_node_id = ? AND uid IN ?"
	orderUIDAsc               = "uid ASC"
)

// Transactor runs bodies inside coordinated transactions; txn.Coordinator implements it.
type Transactor interface {
	WithTransaction(ctx context.Context, mode txn.Mode, body func(ctx context.Context, tx *txn.Tx) error) error
}

// ServiceConfig wires the server side of the ack/get exchange.
type ServiceConfig struct {
	Transactor Transactor
	Entities   *EntityRegistry
	NodeID     int64
	BatchSize  int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service answers ackAndGetPendingReplications for authenticated peers.
type Service struct {
	transactor Transactor
	entities   *EntityRegistry
	nodeID     int64
	batchSize  int
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService validates cfg.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Transactor == nil {
		return nil, newServiceError(opServiceNew, "missing_transactor", errMissingTransactor)
	}
	if cfg.Entities == nil {
		return nil, newServiceError(opServiceNew, "missing_entities", errMissingEntities)
	}
	if cfg.NodeID <= 0 {
		return nil, newServiceError(opServiceNew, "missing_node_id", errMissingNodeID)
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		transactor: cfg.Transactor,
		entities:   cfg.Entities,
		nodeID:     cfg.NodeID,
		batchSize:  batchSize,
		clock:      clock,
		logger:     logger,
	}, nil
}

// NodeID returns the local node id stamped on outgoing messages.
func (s *Service) NodeID() int64 {
	return s.nodeID
}

// AckAndGetPending deletes the acknowledged rows of peer and returns the next pending batch.
// A nil message means peer is caught up.
func (s *Service) AckAndGetPending(ctx context.Context, peer int64, ack ReplicationReceivedAck) (*DoorMessage, error) {
	if peer <= 0 {
		s.logError(reasonInvalidPeer, errInvalidPeer)
		return nil, newServiceError(opAckAndGet, reasonInvalidPeer, errInvalidPeer)
	}

	var message *DoorMessage
	err := s.transactor.WithTransaction(ctx, txn.ReadWrite, func(ctx context.Context, tx *txn.Tx) error {
		if err := s.acknowledge(ctx, tx.DB, peer, ack.ReplicationUIDs); err != nil {
			return err
		}
		pending, err := s.pendingBatch(ctx, tx.DB, peer)
		if err != nil {
			return err
		}
		message = pending
		return nil
	})
	if err != nil {
		if _, ok := err.(*ServiceError); ok {
			return nil, err
		}
		s.logError(reasonTransactionFailed, err, zap.Int64(fieldPeerNode, peer))
		return nil, newServiceError(opAckAndGet, reasonTransactionFailed, err)
	}
	return message, nil
}

func (s *Service) acknowledge(ctx context.Context, tx *gorm.DB, peer int64, uids []int64) error {
	if len(uids) == 0 {
		return nil
	}
	var tableIDs []int32
	if err := tx.WithContext(ctx).
		Model(&database.OutgoingReplication{}).
		Distinct("table_id").
		Where(queryDestinationUIDs, peer, uids).
		Pluck("table_id", &tableIDs).Error; err != nil {
		s.logError(reasonAckLookupFailed, err, zap.Int64(fieldPeerNode, peer))
		return newServiceError(opAckAndGet, reasonAckLookupFailed, err)
	}

	result := tx.WithContext(ctx).
		Where(queryDestinationUIDs, peer, uids).
		Delete(&database.OutgoingReplication{})
	if result.Error != nil {
		s.logError(reasonAckDeleteFailed, result.Error, zap.Int64(fieldPeerNode, peer))
		return newServiceError(opAckAndGet, reasonAckDeleteFailed, result.Error)
	}

	now := s.clock().UTC().UnixMilli()
	for _, tableID := range tableIDs {
		status := database.ReplicationStatus{TableID: tableID, NodeID: peer, LastSendCompleteTime: now}
		if err := tx.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "table_id"}, {Name: "node_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"last_send_complete_time"}),
			}).
			Create(&status).Error; err != nil {
			s.logError(reasonWatermarkFailed, err, zap.Int64(fieldPeerNode, peer), zap.Int32(fieldTableID, tableID))
			return newServiceError(opAckAndGet, reasonWatermarkFailed, err)
		}
	}
	s.logger.Debug("replications acknowledged",
		zap.Int64(fieldPeerNode, peer),
		zap.Int("acked", len(uids)),
		zap.Int64("deleted", result.RowsAffected))
	return nil
}

func (s *Service) pendingBatch(ctx context.Context, tx *gorm.DB, peer int64) (*DoorMessage, error) {
	var rows []database.OutgoingReplication
	if err := tx.WithContext(ctx).
		Where(queryDestination, peer).
		Order(orderUIDAsc).
		Limit(s.batchSize).
		Find(&rows).Error; err != nil {
		s.logError(reasonPendingQueryFailed, err, zap.Int64(fieldPeerNode, peer))
		return nil, newServiceError(opAckAndGet, reasonPendingQueryFailed, err)
	}

	replications := make([]DoorReplicationEntity, 0, len(rows))
	undeliverable := make([]int64, 0)
	for _, row := range rows {
		adapter, ok := s.entities.Lookup(row.TableID)
		if !ok {
			s.logger.Warn("dropping replication for unknown table",
				zap.Int64(fieldPeerNode, peer),
				zap.Int32(fieldTableID, row.TableID),
				zap.Int64("or_uid", row.UID))
			undeliverable = append(undeliverable, row.UID)
			continue
		}
		entity, err := adapter.Load(ctx, tx, row)
		if err != nil {
			s.logError(reasonEntityLoadFailed, err, zap.Int64(fieldPeerNode, peer), zap.Int32(fieldTableID, row.TableID))
			return nil, newServiceError(opAckAndGet, reasonEntityLoadFailed, err)
		}
		replications = append(replications, DoorReplicationEntity{TableID: row.TableID, ORUID: row.UID, Entity: entity})
	}
	if len(undeliverable) > 0 {
		if err := tx.WithContext(ctx).
			Where(queryDestinationUIDs, peer, undeliverable).
			Delete(&database.OutgoingReplication{}).Error; err != nil {
			s.logError(reasonUndeliverableFailed, err, zap.Int64(fieldPeerNode, peer))
			return nil, newServiceError(opAckAndGet, reasonUndeliverableFailed, err)
		}
	}
	if len(replications) == 0 {
		if len(undeliverable) == s.batchSize {
			return s.pendingBatch(ctx, tx, peer)
		}
		return nil, nil
	}
	return &DoorMessage{
		What:         WhatReplication,
		FromNode:     s.nodeID,
		ToNode:       peer,
		Replications: replications,
	}, nil
}

func (s *Service) logError(reason string, err error, fields ...zap.Field) {
	logError(s.logger, opAckAndGet, reason, err, fields...)
}
