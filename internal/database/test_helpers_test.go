package database

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"gorm.io/gorm"
)

const createWidgetsSQL = "CREATE TABLE IF NOT EXISTS widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL DEFAULT '')"

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), nil)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func createWidgets(_ context.Context, tx *gorm.DB) error {
	return tx.Exec(createWidgetsSQL).Error
}

func widgetTriggers() TriggerSet {
	return TriggerSet{
		Engine: EngineSQLite,
		Tables: []TrackedTable{{Name: "widgets", ID: 7, Replicable: true, LogChanges: true}},
		Replication: []ReplicationTrigger{{
			Table:          "widgets",
			TableID:        7,
			PKColumns:      []string{"id"},
			DestinationSQL: DestinationsExcept(1),
		}},
	}
}

func triggerExists(t *testing.T, db *gorm.DB, name string) bool {
	t.Helper()
	var count int64
	if err := db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger' AND name = ?", name).Scan(&count).Error; err != nil {
		t.Fatalf("failed to query sqlite_master: %v", err)
	}
	return count == 1
}
