package replication

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"github.com/MarcoPoloResearchLab/doorsync/internal/txn"
	"gorm.io/gorm"
)

const widgetsTableID int32 = 7

type testNode struct {
	id          int64
	db          *gorm.DB
	coordinator *txn.Coordinator
	entities    *EntityRegistry
}

func widgetAdapter(t *testing.T) *JSONTableAdapter {
	t.Helper()
	adapter, err := NewJSONTableAdapter(JSONTableConfig{
		Table:         "widgets",
		TableID:       widgetsTableID,
		PKColumns:     []string{"id"},
		Columns:       []string{"id", "name", "version"},
		VersionColumn: "version",
	})
	if err != nil {
		t.Fatalf("failed to build widget adapter: %v", err)
	}
	return adapter
}

func openTestNode(t *testing.T, nodeID int64, peers ...int64) *testNode {
	t.Helper()
	name := strings.NewReplacer("/", "_").Replace(t.Name())
	db, err := database.OpenSQLite(fmt.Sprintf("file:%s_node%d?mode=memory&cache=shared", name, nodeID), nil)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	runner := &database.MigrationRunner{
		Migrations: database.DefaultMigrations(),
		Triggers: database.TriggerSet{
			Engine: database.EngineSQLite,
			Tables: []database.TrackedTable{{Name: "widgets", ID: widgetsTableID, Replicable: true, LogChanges: true}},
			Replication: []database.ReplicationTrigger{{
				Table:          "widgets",
				TableID:        widgetsTableID,
				PKColumns:      []string{"id"},
				DestinationSQL: database.DestinationsExcept(nodeID),
			}},
		},
		CreateSchema: func(_ context.Context, tx *gorm.DB) error {
			return tx.Exec("CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL DEFAULT '', version INTEGER NOT NULL DEFAULT 0)").Error
		},
	}
	if _, err := runner.Run(context.Background(), db); err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	nodes := []database.DoorNode{{NodeID: nodeID, AuthSecret: "self"}}
	for _, peer := range peers {
		nodes = append(nodes, database.DoorNode{NodeID: peer, AuthSecret: fmt.Sprintf("peer-%d", peer)})
	}
	if err := db.Create(&nodes).Error; err != nil {
		t.Fatalf("failed to seed nodes: %v", err)
	}

	coordinator, err := txn.NewCoordinator(txn.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to build coordinator: %v", err)
	}
	entities, err := NewEntityRegistry(widgetAdapter(t))
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return &testNode{id: nodeID, db: db, coordinator: coordinator, entities: entities}
}

func (n *testNode) exec(t *testing.T, statement string, args ...any) {
	t.Helper()
	err := n.coordinator.WithTransaction(context.Background(), txn.ReadWrite, func(_ context.Context, tx *txn.Tx) error {
		return tx.DB.Exec(statement, args...).Error
	})
	if err != nil {
		t.Fatalf("statement %q failed: %v", statement, err)
	}
}

func (n *testNode) outgoingCount(t *testing.T) int64 {
	t.Helper()
	var count int64
	if err := n.db.Model(&database.OutgoingReplication{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return count
}

func (n *testNode) service(t *testing.T, batchSize int) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Transactor: n.coordinator,
		Entities:   n.entities,
		NodeID:     n.id,
		BatchSize:  batchSize,
		Clock:      func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

type recordingIncoming struct {
	mu       sync.Mutex
	messages []DoorMessage
}

func (r *recordingIncoming) OnIncomingMessageReceived(message DoorMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
}

func (r *recordingIncoming) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}
