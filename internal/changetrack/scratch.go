package changetrack

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// ScratchTableName is the session-local table holding one invalidation flag per tracked table.
	ScratchTableName = "door_invalidations"

	scratchTriggerPrefix = "door_inv"
)

var scratchEvents = []struct {
	keyword   string
	shorthand string
}{
	{keyword: "INSERT", shorthand: "ins"},
	{keyword: "UPDATE", shorthand: "upd"},
	{keyword: "DELETE", shorthand: "del"},
}

// ScratchTableTracker records changes through TEMP triggers flipping a flag in a TEMP table.
// TEMP objects live on the connection, so Arm re-creates them whenever a fresh connection is used.
type ScratchTableTracker struct {
	tables  []database.TrackedTable
	names   map[int32]string
	logger  *zap.Logger
	prepare []string
}

// NewScratchTableTracker validates tables and renders the per-connection setup statements.
func NewScratchTableTracker(tables []database.TrackedTable, logger *zap.Logger) (*ScratchTableTracker, error) {
	if len(tables) == 0 {
		return nil, ErrNoTrackedTables
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	names := make(map[int32]string, len(tables))
	for _, table := range tables {
		if err := database.ValidateIdentifier(table.Name); err != nil {
			return nil, err
		}
		if _, exists := names[table.ID]; exists {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateTableID, table.ID)
		}
		names[table.ID] = table.Name
	}

	tracker := &ScratchTableTracker{
		tables: append([]database.TrackedTable(nil), tables...),
		names:  names,
		logger: logger,
	}
	tracker.prepare = tracker.setupStatements()
	return tracker, nil
}

func (t *ScratchTableTracker) setupStatements() []string {
	statements := []string{
		fmt.Sprintf("CREATE TEMP TABLE IF NOT EXISTS %s (table_id INTEGER PRIMARY KEY, invalidated INTEGER NOT NULL DEFAULT 0)", ScratchTableName),
	}
	for _, table := range t.tables {
		statements = append(statements,
			fmt.Sprintf("INSERT OR IGNORE INTO %s (table_id, invalidated) VALUES (%d, 0)", ScratchTableName, table.ID))
		for _, event := range scratchEvents {
			statements = append(statements, fmt.Sprintf(`CREATE TEMP TRIGGER IF NOT EXISTS %s AFTER %s ON %s
BEGIN
    UPDATE %s SET invalidated = 1 WHERE table_id = %d AND invalidated = 0;
END`, database.TriggerName(scratchTriggerPrefix, table.Name, event.shorthand), event.keyword, table.Name, ScratchTableName, table.ID))
		}
	}
	return statements
}

// Tables returns the tracked tables.
func (t *ScratchTableTracker) Tables() []database.TrackedTable {
	return append([]database.TrackedTable(nil), t.tables...)
}

// Arm ensures the scratch table and its triggers exist on the connection bound to tx.
func (t *ScratchTableTracker) Arm(ctx context.Context, tx *gorm.DB) error {
	var existing int64
	if err := tx.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM sqlite_temp_master WHERE type = 'table' AND name = ?", ScratchTableName).
		Scan(&existing).Error; err != nil {
		return fmt.Errorf("changetrack: inspect scratch table: %w", err)
	}
	if existing > 0 {
		return nil
	}
	for _, statement := range t.prepare {
		if err := tx.WithContext(ctx).Exec(statement).Error; err != nil {
			return fmt.Errorf("changetrack: prepare scratch table: %w", err)
		}
	}
	t.logger.Debug("scratch table armed", zap.Int("tracked_tables", len(t.tables)))
	return nil
}

// DetectChangedTables returns every table flagged since the last call and resets the flags.
func (t *ScratchTableTracker) DetectChangedTables(ctx context.Context, tx *gorm.DB) (TableSet, error) {
	var flagged []int32
	if err := tx.WithContext(ctx).
		Raw(fmt.Sprintf("SELECT table_id FROM %s WHERE invalidated = 1", ScratchTableName)).
		Scan(&flagged).Error; err != nil {
		return nil, fmt.Errorf("changetrack: read scratch table: %w", err)
	}
	changed := NewTableSet()
	if len(flagged) == 0 {
		return changed, nil
	}
	if err := tx.WithContext(ctx).
		Exec(fmt.Sprintf("UPDATE %s SET invalidated = 0 WHERE invalidated = 1", ScratchTableName)).Error; err != nil {
		return nil, fmt.Errorf("changetrack: reset scratch table: %w", err)
	}
	for _, tableID := range flagged {
		if name, ok := t.names[tableID]; ok {
			changed.Add(name)
		}
	}
	return changed, nil
}
