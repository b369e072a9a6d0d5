package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CurrentSchemaVersion is the bookkeeping layout produced by a fresh install.
const CurrentSchemaVersion = 2

var (
	// ErrMissingMigration is fatal: no migration starts at the stored schema version.
	ErrMissingMigration = errors.New("database: no migration from current schema version")
	// ErrSchemaTooNew indicates the stored schema is ahead of the running code.
	ErrSchemaTooNew = errors.New("database: stored schema version is newer than target")
)

// MigrationAction is a procedural migration step executed inside the migration transaction.
type MigrationAction func(ctx context.Context, tx *gorm.DB) error

// Migration upgrades the schema from StartVersion to EndVersion.
// Statements run first, then Apply when set.
type Migration struct {
	StartVersion int
	EndVersion   int
	Statements   []string
	Apply        MigrationAction
}

// SQLMigration builds a migration made of plain SQL statements.
func SQLMigration(startVersion, endVersion int, statements ...string) Migration {
	return Migration{StartVersion: startVersion, EndVersion: endVersion, Statements: statements}
}

// StepMigration builds a migration made of one procedural step.
func StepMigration(startVersion, endVersion int, apply MigrationAction) Migration {
	return Migration{StartVersion: startVersion, EndVersion: endVersion, Apply: apply}
}

func (m Migration) String() string {
	return fmt.Sprintf("%d->%d", m.StartVersion, m.EndVersion)
}

// MigrationRunner brings a database to TargetVersion and keeps the change-tracking triggers installed.
type MigrationRunner struct {
	TargetVersion int
	Migrations    []Migration
	Triggers      TriggerSet
	// CreateSchema creates entity tables on a fresh database before triggers are installed.
	CreateSchema MigrationAction
	Logger       *zap.Logger
	Clock        func() time.Time
}

// MigrationResult reports what Run did.
type MigrationResult struct {
	FreshlyCreated    bool
	StartVersion      int
	EndVersion        int
	Applied           []Migration
	TriggersInstalled bool
}

// DefaultMigrations returns the built-in bookkeeping migrations.
func DefaultMigrations() []Migration {
	return []Migration{LegacyTrackingMigration()}
}

// Run reads the stored schema version and upgrades, or creates everything when the version table is absent.
func (r *MigrationRunner) Run(ctx context.Context, db *gorm.DB) (MigrationResult, error) {
	target := r.TargetVersion
	if target <= 0 {
		target = CurrentSchemaVersion
	}
	checksum, err := r.Triggers.Checksum()
	if err != nil {
		return MigrationResult{}, err
	}

	if !db.WithContext(ctx).Migrator().HasTable(&schemaVersion{}) {
		return r.createFresh(ctx, db, target, checksum)
	}

	var stored schemaVersion
	if err := db.WithContext(ctx).Where("id = ?", schemaVersionRowID).Take(&stored).Error; err != nil {
		return MigrationResult{}, fmt.Errorf("read schema version: %w", err)
	}

	result := MigrationResult{StartVersion: stored.Version, EndVersion: stored.Version}
	if stored.Version > target {
		return result, fmt.Errorf("%w: stored %d, target %d", ErrSchemaTooNew, stored.Version, target)
	}

	current := stored.Version
	for current < target {
		migration, ok := r.nextMigration(current)
		if !ok {
			return result, fmt.Errorf("%w: %d (target %d)", ErrMissingMigration, current, target)
		}
		if err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := migration.run(ctx, tx); err != nil {
				return err
			}
			return tx.Model(&schemaVersion{}).
				Where("id = ?", schemaVersionRowID).
				Updates(map[string]any{"version": migration.EndVersion, "updated_at_s": r.now().Unix()}).Error
		}); err != nil {
			return result, fmt.Errorf("migration %s: %w", migration, err)
		}
		current = migration.EndVersion
		result.Applied = append(result.Applied, migration)
		result.EndVersion = current
		r.logger().Info("database migration applied", zap.String("migration", migration.String()))
	}

	if err := db.WithContext(ctx).AutoMigrate(BookkeepingModels()...); err != nil {
		return result, err
	}

	if len(result.Applied) > 0 || stored.TriggerChecksum != checksum {
		if err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := InstallTriggers(ctx, tx, r.Triggers); err != nil {
				return err
			}
			return tx.Model(&schemaVersion{}).
				Where("id = ?", schemaVersionRowID).
				Update("trigger_checksum", checksum).Error
		}); err != nil {
			return result, err
		}
		result.TriggersInstalled = true
		r.logger().Info("change tracking triggers installed", zap.Int("schema_version", current))
	}

	return result, nil
}

// nextMigration picks the migration starting at version with the highest end version.
func (r *MigrationRunner) nextMigration(version int) (Migration, bool) {
	var best Migration
	found := false
	for _, migration := range r.Migrations {
		if migration.StartVersion != version || migration.EndVersion <= migration.StartVersion {
			continue
		}
		if !found || migration.EndVersion > best.EndVersion {
			best = migration
			found = true
		}
	}
	return best, found
}

func (r *MigrationRunner) createFresh(ctx context.Context, db *gorm.DB, target int, checksum string) (MigrationResult, error) {
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(BookkeepingModels()...); err != nil {
			return err
		}
		if err := tx.AutoMigrate(&schemaVersion{}); err != nil {
			return err
		}
		if r.CreateSchema != nil {
			if err := r.CreateSchema(ctx, tx); err != nil {
				return err
			}
		}
		if err := InstallTriggers(ctx, tx, r.Triggers); err != nil {
			return err
		}
		return tx.Create(&schemaVersion{
			ID:               schemaVersionRowID,
			Version:          target,
			TriggerChecksum:  checksum,
			UpdatedAtSeconds: r.now().Unix(),
		}).Error
	})
	if err != nil {
		return MigrationResult{}, fmt.Errorf("create schema: %w", err)
	}
	r.logger().Info("database created", zap.Int("schema_version", target))
	return MigrationResult{
		FreshlyCreated:    true,
		EndVersion:        target,
		TriggersInstalled: true,
	}, nil
}

func (m Migration) run(ctx context.Context, tx *gorm.DB) error {
	for _, statement := range m.Statements {
		if err := tx.Exec(statement).Error; err != nil {
			return err
		}
	}
	if m.Apply != nil {
		return m.Apply(ctx, tx)
	}
	return nil
}

func (r *MigrationRunner) now() time.Time {
	if r.Clock == nil {
		return time.Now().UTC()
	}
	return r.Clock().UTC()
}

func (r *MigrationRunner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// LegacyTrackingMigration deduplicates door_replication_status rows written before the
// (table_id, node_id) uniqueness constraint existed, then adds the constraint.
func LegacyTrackingMigration() Migration {
	return StepMigration(1, 2, func(ctx context.Context, tx *gorm.DB) error {
		statements := sqliteDedupeStatements
		if EngineOf(tx) == EnginePostgres {
			statements = postgresDedupeStatements
		}
		for _, statement := range statements {
			if err := tx.WithContext(ctx).Exec(statement).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SQLite cannot rebuild a unique index over duplicates, so the temporary index only speeds up the delete.
var sqliteDedupeStatements = []string{
	"CREATE INDEX IF NOT EXISTS tmp_replication_status_table_node ON door_replication_status(table_id, node_id)",
	"DELETE FROM door_replication_status WHERE id NOT IN (SELECT MAX(id) FROM door_replication_status GROUP BY table_id, node_id)",
	"DROP INDEX IF EXISTS tmp_replication_status_table_node",
	"CREATE UNIQUE INDEX IF NOT EXISTS idx_replication_status_table_node ON door_replication_status(table_id, node_id)",
}

var postgresDedupeStatements = []string{
	"DELETE FROM door_replication_status a USING door_replication_status b WHERE a.table_id = b.table_id AND a.node_id = b.node_id AND a.id < b.id",
	"CREATE UNIQUE INDEX IF NOT EXISTS idx_replication_status_table_node ON door_replication_status(table_id, node_id)",
}
