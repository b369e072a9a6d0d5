package replication

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
)

func TestAckAndGetDeliversThenReportsCaughtUp(t *testing.T) {
	nodeA := openTestNode(t, 1, 2)
	nodeB := openTestNode(t, 2, 1)
	nodeA.exec(t, "INSERT INTO widgets (id, name, version) VALUES (100, 'gear', 1)")
	service := nodeA.service(t, 0)
	ctx := context.Background()

	message, err := service.AckAndGetPending(ctx, 2, ReplicationReceivedAck{})
	if err != nil {
		t.Fatalf("ack/get failed: %v", err)
	}
	if message == nil || len(message.Replications) != 1 {
		t.Fatalf("expected one pending replication, got %+v", message)
	}
	if message.What != WhatReplication || message.FromNode != 1 || message.ToNode != 2 {
		t.Fatalf("unexpected envelope %+v", message)
	}
	entity := message.Replications[0]
	if entity.TableID != widgetsTableID || entity.ORUID == 0 {
		t.Fatalf("unexpected replication %+v", entity)
	}

	applier, err := NewApplier(ApplierConfig{Transactor: nodeB.coordinator, Entities: nodeB.entities, NodeID: 2})
	if err != nil {
		t.Fatalf("failed to build applier: %v", err)
	}
	result, err := applier.Apply(ctx, *message)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	next, err := service.AckAndGetPending(ctx, 2, ReplicationReceivedAck{ReplicationUIDs: result.Acknowledged})
	if err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	if next != nil {
		t.Fatalf("expected caught-up (nil) response, got %+v", next)
	}
	if nodeA.outgoingCount(t) != 0 {
		t.Fatalf("expected acknowledged row to be deleted")
	}

	var status database.ReplicationStatus
	if err := nodeA.db.Where("table_id = ? AND node_id = ?", widgetsTableID, 2).First(&status).Error; err != nil {
		t.Fatalf("expected send watermark: %v", err)
	}
	if status.LastSendCompleteTime != 1_700_000_000_000 {
		t.Fatalf("unexpected send watermark %d", status.LastSendCompleteTime)
	}

	again, err := service.AckAndGetPending(ctx, 2, ReplicationReceivedAck{ReplicationUIDs: result.Acknowledged})
	if err != nil {
		t.Fatalf("duplicate ack must not fail: %v", err)
	}
	if again != nil {
		t.Fatalf("duplicate ack must leave the same end state")
	}
}

func TestAckAndGetBatchesInUIDOrder(t *testing.T) {
	node := openTestNode(t, 1, 2, 3)
	for _, id := range []int{101, 102, 103} {
		node.exec(t, "INSERT INTO widgets (id, name) VALUES (?, 'gear')", id)
	}
	service := node.service(t, 2)
	ctx := context.Background()

	first, err := service.AckAndGetPending(ctx, 2, ReplicationReceivedAck{})
	if err != nil {
		t.Fatalf("ack/get failed: %v", err)
	}
	if first == nil || len(first.Replications) != 2 {
		t.Fatalf("expected a bounded batch of 2, got %+v", first)
	}
	if first.Replications[0].ORUID >= first.Replications[1].ORUID {
		t.Fatalf("expected ascending orUid order")
	}

	second, err := service.AckAndGetPending(ctx, 2, ReplicationReceivedAck{ReplicationUIDs: first.UIDs()})
	if err != nil {
		t.Fatalf("ack/get failed: %v", err)
	}
	if second == nil || len(second.Replications) != 1 {
		t.Fatalf("expected the remaining replication, got %+v", second)
	}
	if second.Replications[0].ORUID <= first.Replications[1].ORUID {
		t.Fatalf("expected later batch to continue after the acknowledged uids")
	}
	var decoded map[string]any
	if err := json.Unmarshal(second.Replications[0].Entity, &decoded); err != nil || decoded["id"].(float64) != 103 {
		t.Fatalf("unexpected entity %s (%v)", second.Replications[0].Entity, err)
	}

	var remainingForNode3 int64
	if err := node.db.Model(&database.OutgoingReplication{}).Where("dest_node_id = ?", 3).Count(&remainingForNode3).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if remainingForNode3 != 3 {
		t.Fatalf("acks from node 2 must not touch node 3 rows, got %d", remainingForNode3)
	}
}

func TestAckAndGetDropsRowsWithoutAdapter(t *testing.T) {
	node := openTestNode(t, 1, 2)
	if err := node.db.Create(&database.OutgoingReplication{DestNodeID: 2, TableID: 99, PK1: 5}).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	message, err := node.service(t, 0).AckAndGetPending(context.Background(), 2, ReplicationReceivedAck{})
	if err != nil {
		t.Fatalf("ack/get failed: %v", err)
	}
	if message != nil {
		t.Fatalf("expected no deliverable replications, got %+v", message)
	}
	if node.outgoingCount(t) != 0 {
		t.Fatalf("expected undeliverable row to be removed")
	}
}

func TestAckAndGetRejectsInvalidPeer(t *testing.T) {
	node := openTestNode(t, 1)
	_, err := node.service(t, 0).AckAndGetPending(context.Background(), 0, ReplicationReceivedAck{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "replication.ack_and_get.invalid_peer" {
		t.Fatalf("expected invalid_peer service error, got %v", err)
	}
}
