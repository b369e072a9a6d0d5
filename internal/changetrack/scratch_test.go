package changetrack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"gorm.io/gorm"
)

func openScratchDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_").Replace(t.Name())
	db, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), nil)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	for _, statement := range []string{
		"CREATE TABLE Foo (id INTEGER PRIMARY KEY, label TEXT)",
		"CREATE TABLE Bar (id INTEGER PRIMARY KEY, label TEXT)",
		"INSERT INTO Foo (id, label) VALUES (1, 'first')",
	} {
		if err := db.Exec(statement).Error; err != nil {
			t.Fatalf("failed to prepare schema: %v", err)
		}
	}
	return db
}

func newScratchTracker(t *testing.T) *ScratchTableTracker {
	t.Helper()
	tracker, err := NewScratchTableTracker([]database.TrackedTable{
		{Name: "Foo", ID: 1, Replicable: true},
		{Name: "Bar", ID: 2},
	}, nil)
	if err != nil {
		t.Fatalf("failed to build tracker: %v", err)
	}
	return tracker
}

func TestScratchTrackerReportsChangedTableOnce(t *testing.T) {
	db := openScratchDatabase(t)
	tracker := newScratchTracker(t)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tracker.Arm(ctx, tx); err != nil {
			return err
		}
		if err := tx.Exec("UPDATE Foo SET label = 'changed' WHERE id = 1").Error; err != nil {
			return err
		}
		changed, err := tracker.DetectChangedTables(ctx, tx)
		if err != nil {
			return err
		}
		if names := changed.Names(); len(names) != 1 || names[0] != "Foo" {
			t.Fatalf("expected {Foo}, got %v", names)
		}
		again, err := tracker.DetectChangedTables(ctx, tx)
		if err != nil {
			return err
		}
		if len(again) != 0 {
			t.Fatalf("expected empty set on repeat detection, got %v", again.Names())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected transaction error: %v", err)
	}
}

func TestScratchTrackerReusesArmedConnection(t *testing.T) {
	db := openScratchDatabase(t)
	tracker := newScratchTracker(t)
	ctx := context.Background()

	for round, statement := range []string{
		"INSERT INTO Bar (id, label) VALUES (10, 'bar')",
		"DELETE FROM Foo WHERE id = 1",
	} {
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := tracker.Arm(ctx, tx); err != nil {
				return err
			}
			if err := tx.Exec(statement).Error; err != nil {
				return err
			}
			changed, err := tracker.DetectChangedTables(ctx, tx)
			if err != nil {
				return err
			}
			if len(changed) != 1 {
				t.Fatalf("round %d: expected exactly one changed table, got %v", round, changed.Names())
			}
			return nil
		})
		if err != nil {
			t.Fatalf("round %d: unexpected transaction error: %v", round, err)
		}
	}

	var triggers int64
	if err := db.Raw("SELECT COUNT(*) FROM sqlite_temp_master WHERE type = 'trigger'").Scan(&triggers).Error; err != nil {
		t.Fatalf("failed to count temp triggers: %v", err)
	}
	if triggers != 6 {
		t.Fatalf("expected one trigger per table per event, got %d", triggers)
	}
}

func TestScratchTrackerFlagsRollBackWithTransaction(t *testing.T) {
	db := openScratchDatabase(t)
	tracker := newScratchTracker(t)
	ctx := context.Background()
	abort := errors.New("abort")

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tracker.Arm(ctx, tx); err != nil {
			return err
		}
		if err := tx.Exec("UPDATE Foo SET label = 'discarded' WHERE id = 1").Error; err != nil {
			return err
		}
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort, got %v", err)
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tracker.Arm(ctx, tx); err != nil {
			return err
		}
		changed, err := tracker.DetectChangedTables(ctx, tx)
		if err != nil {
			return err
		}
		if len(changed) != 0 {
			t.Fatalf("expected no changes after rollback, got %v", changed.Names())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected transaction error: %v", err)
	}
}

func TestScratchTrackerRejectsInvalidConfiguration(t *testing.T) {
	if _, err := NewScratchTableTracker(nil, nil); !errors.Is(err, ErrNoTrackedTables) {
		t.Fatalf("expected ErrNoTrackedTables, got %v", err)
	}
	_, err := NewScratchTableTracker([]database.TrackedTable{{Name: "Foo", ID: 1}, {Name: "Bar", ID: 1}}, nil)
	if !errors.Is(err, ErrDuplicateTableID) {
		t.Fatalf("expected ErrDuplicateTableID, got %v", err)
	}
	_, err = NewScratchTableTracker([]database.TrackedTable{{Name: "Foo; DROP", ID: 1}}, nil)
	if !errors.Is(err, database.ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}
}
