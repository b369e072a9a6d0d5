package database

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
)

func TestChangeLogAndReplicationTriggersCaptureWrites(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()
	runner := &MigrationRunner{Triggers: widgetTriggers(), CreateSchema: createWidgets}
	if _, err := runner.Run(ctx, db); err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
	nodes := []DoorNode{{NodeID: 1, AuthSecret: "self"}, {NodeID: 2, AuthSecret: "b"}, {NodeID: 3, AuthSecret: "c"}}
	if err := db.Create(&nodes).Error; err != nil {
		t.Fatalf("failed to seed nodes: %v", err)
	}

	if err := db.Exec("INSERT INTO widgets(id, name) VALUES (100, 'bolt')").Error; err != nil {
		t.Fatalf("failed to insert widget: %v", err)
	}
	if err := db.Exec("DELETE FROM widgets WHERE id = 100").Error; err != nil {
		t.Fatalf("failed to delete widget: %v", err)
	}

	var logs []ChangeLog
	if err := db.Order("id ASC").Find(&logs).Error; err != nil {
		t.Fatalf("failed to load change log: %v", err)
	}
	if len(logs) != 2 || logs[0].EntityPK != 100 || logs[0].TableID != 7 || logs[0].ChangeTime <= 0 {
		t.Fatalf("unexpected change log rows %+v", logs)
	}

	var outgoing []OutgoingReplication
	if err := db.Order("uid ASC").Find(&outgoing).Error; err != nil {
		t.Fatalf("failed to load outgoing replication: %v", err)
	}
	if len(outgoing) != 4 {
		t.Fatalf("expected one row per destination per change, got %d", len(outgoing))
	}
	for _, row := range outgoing {
		if row.DestNodeID == 1 {
			t.Fatalf("local node must not be a destination")
		}
		if row.TableID != 7 || row.PK1 != 100 || row.PK2 != 0 {
			t.Fatalf("unexpected outgoing row %+v", row)
		}
	}
}

func TestPostgresStatementsUseFunctionsAndNotify(t *testing.T) {
	set := widgetTriggers()
	set.Engine = EnginePostgres
	statements, err := set.Statements()
	if err != nil {
		t.Fatalf("unexpected render error: %v", err)
	}
	joined := strings.Join(statements, "\n")
	expectations := []string{
		"CREATE OR REPLACE FUNCTION door_mod_trigger_widgets_fn()",
		"DROP TRIGGER IF EXISTS door_mod_trigger_widgets_del ON widgets",
		"CREATE TRIGGER door_rep_widgets_upd AFTER UPDATE ON widgets FOR EACH ROW",
		"pg_notify('door_table_changes', 'widgets')",
		"FOR EACH STATEMENT",
		"pg_notify('door_outgoing_replication', NEW.dest_node_id::text",
	}
	for _, expected := range expectations {
		if !strings.Contains(joined, expected) {
			t.Fatalf("expected statements to contain %q", expected)
		}
	}
}

func TestStatementsRejectUnsafeDefinitions(t *testing.T) {
	tests := []struct {
		name string
		set  TriggerSet
		want error
	}{
		{
			name: "table-name",
			set:  TriggerSet{Tables: []TrackedTable{{Name: "widgets; DROP TABLE x", ID: 1}}},
			want: ErrInvalidIdentifier,
		},
		{
			name: "too-many-keys",
			set: TriggerSet{Replication: []ReplicationTrigger{{
				Table: "widgets", TableID: 1, PKColumns: []string{"a", "b", "c", "d", "e"}, DestinationSQL: "SELECT 1 AS node_id",
			}}},
			want: ErrInvalidReplicationTrigger,
		},
		{
			name: "missing-destinations",
			set:  TriggerSet{Replication: []ReplicationTrigger{{Table: "widgets", TableID: 1, PKColumns: []string{"id"}}}},
			want: ErrInvalidReplicationTrigger,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.set.Statements(); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNextChangeSeqIsMonotonicPerTable(t *testing.T) {
	db := openTestDatabase(t)
	if err := db.AutoMigrate(&SqliteChangeSeqNums{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	previous := int32(0)
	for attempt := 0; attempt < 3; attempt++ {
		value, err := NextChangeSeq(db, 7, false)
		if err != nil {
			t.Fatalf("unexpected sequence error: %v", err)
		}
		if value <= previous {
			t.Fatalf("sequence went backwards: %d after %d", value, previous)
		}
		previous = value
	}
	primary, err := NextChangeSeq(db, 7, true)
	if err != nil {
		t.Fatalf("unexpected primary sequence error: %v", err)
	}
	if primary != 1 {
		t.Fatalf("primary sequence is independent of the local one, got %d", primary)
	}
	other, err := NextChangeSeq(db, 8, false)
	if err != nil {
		t.Fatalf("unexpected sequence error: %v", err)
	}
	if other != 1 {
		t.Fatalf("expected a fresh counter for another table, got %d", other)
	}
}

func TestObserveChangeSeqOnlyMovesForward(t *testing.T) {
	db := openTestDatabase(t)
	if err := db.AutoMigrate(&SqliteChangeSeqNums{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	if err := ObserveChangeSeq(db, 7, 41); err != nil {
		t.Fatalf("observe failed: %v", err)
	}
	next, err := NextChangeSeq(db, 7, false)
	if err != nil {
		t.Fatalf("unexpected sequence error: %v", err)
	}
	if next != 42 {
		t.Fatalf("expected the sequence to pass the observed version, got %d", next)
	}

	if err := ObserveChangeSeq(db, 7, 5); err != nil {
		t.Fatalf("observe failed: %v", err)
	}
	next, err = NextChangeSeq(db, 7, false)
	if err != nil {
		t.Fatalf("unexpected sequence error: %v", err)
	}
	if next != 43 {
		t.Fatalf("an older observed version must not rewind the sequence, got %d", next)
	}

	if err := ObserveChangeSeq(db, 7, math.MaxInt32); err == nil {
		t.Fatalf("expected an error for a version outside the sequence range")
	}
}
