package nodeevent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	localNode  int64 = 1
	remoteNode int64 = 2
	widgetsID  int32 = 7
)

func widgetTables() []database.TrackedTable {
	return []database.TrackedTable{{Name: "widgets", ID: widgetsID, Replicable: true}}
}

func openReplicatedDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_").Replace(t.Name())
	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	runner := &database.MigrationRunner{
		Migrations: database.DefaultMigrations(),
		Triggers: database.TriggerSet{
			Engine: database.EngineSQLite,
			Tables: widgetTables(),
			Replication: []database.ReplicationTrigger{{
				Table:          "widgets",
				TableID:        widgetsID,
				PKColumns:      []string{"id"},
				DestinationSQL: database.DestinationsExcept(localNode),
			}},
		},
		CreateSchema: func(_ context.Context, tx *gorm.DB) error {
			return tx.Exec("CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL DEFAULT '')").Error
		},
	}
	_, err = runner.Run(context.Background(), db)
	require.NoError(t, err)
	require.NoError(t, db.Create(&[]database.DoorNode{
		{NodeID: localNode, AuthSecret: "local"},
		{NodeID: remoteNode, AuthSecret: "remote"},
	}).Error)
	return db
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]NodeEvent
}

func (p *recordingPublisher) PublishOutgoing(events []NodeEvent) {
	if len(events) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]NodeEvent(nil), events...))
}

func (p *recordingPublisher) all() [][]NodeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]NodeEvent(nil), p.batches...)
}
