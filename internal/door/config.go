// Package door opens a replicating database: it migrates the schema, installs change tracking
// and wires the transaction coordinator, event capture, event manager and replication services.
package door

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"github.com/MarcoPoloResearchLab/doorsync/internal/nodes"
	"github.com/MarcoPoloResearchLab/doorsync/internal/replication"
	"go.uber.org/zap"
)

// CaptureMode selects how committed outgoing replication rows become NodeEvents.
type CaptureMode string

const (
	// CaptureHooks stages rows in the transaction hooks and publishes them on commit.
	CaptureHooks CaptureMode = "hooks"
	// CaptureInvalidation tracks door_outgoing_replication itself and polls it after commit.
	CaptureInvalidation CaptureMode = "invalidation"
)

var (
	// ErrMissingNodeID indicates a configuration without a positive local node id.
	ErrMissingNodeID = errors.New("door: node id must be positive")
	// ErrNoTables indicates a configuration without any replicated table.
	ErrNoTables = errors.New("door: at least one table is required")
	// ErrUnknownEngine indicates an unsupported database engine.
	ErrUnknownEngine = errors.New("door: unknown database engine")
	// ErrUnknownCaptureMode indicates an unsupported capture mode.
	ErrUnknownCaptureMode = errors.New("door: unknown capture mode")
	// ErrMissingVersionColumn indicates a replicated table without a version to order writes by.
	ErrMissingVersionColumn = errors.New("door: replicated table needs a version column")
)

// Table describes one entity table kept in sync.
type Table struct {
	Name string
	ID   int32
	// PKColumns are the integer key columns (1 to 4) recorded in outgoing replication rows.
	PKColumns []string
	// Columns lists every replicated column including the keys.
	Columns []string
	// VersionColumn orders writes for last-writer-wins. Every replicated table without a custom
	// entity adapter needs one; local writes stamp it with Database.NextChangeSeq.
	VersionColumn string
	// LogChanges appends every change to door_change_log for the registered derivations.
	LogChanges bool
	// LocalOnly tables are tracked but never replicated.
	LocalOnly bool
}

// Config wires Open.
type Config struct {
	Engine database.Engine
	// Path is the sqlite database path.
	Path string
	// DSN addresses postgres; the LISTEN connection uses it too.
	DSN string

	NodeID int64
	// Peers are pre-provisioned remote nodes.
	Peers             []nodes.Credentials
	AllowRegistration bool

	Tables []Table
	// Entities adds adapters for tables whose apply logic is not a plain column copy.
	Entities     []replication.EntityAdapter
	CreateSchema database.MigrationAction
	Migrations   []database.Migration
	// TargetVersion defaults to database.CurrentSchemaVersion.
	TargetVersion int

	CaptureMode  CaptureMode
	BatchSize    int
	EventBuffer  int
	PollInterval time.Duration
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	Clock  func() time.Time
	Logger *zap.Logger
}

func (cfg Config) validate() error {
	if cfg.NodeID <= 0 {
		return ErrMissingNodeID
	}
	if len(cfg.Tables) == 0 {
		return ErrNoTables
	}
	switch cfg.Engine {
	case database.EngineSQLite, database.EnginePostgres:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
	}
	switch cfg.CaptureMode {
	case CaptureHooks, CaptureInvalidation:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCaptureMode, cfg.CaptureMode)
	}
	custom := make(map[int32]struct{}, len(cfg.Entities))
	for _, entity := range cfg.Entities {
		if entity != nil {
			custom[entity.TableID()] = struct{}{}
		}
	}
	seen := make(map[int32]string, len(cfg.Tables))
	for _, table := range cfg.Tables {
		if err := database.ValidateIdentifier(table.Name); err != nil {
			return err
		}
		if table.ID <= 0 {
			return fmt.Errorf("door: table %s needs a positive id", table.Name)
		}
		if other, ok := seen[table.ID]; ok {
			return fmt.Errorf("door: tables %s and %s share id %d", other, table.Name, table.ID)
		}
		seen[table.ID] = table.Name
		if !table.LocalOnly && (len(table.PKColumns) == 0 || len(table.PKColumns) > 4) {
			return fmt.Errorf("door: table %s needs between 1 and 4 key columns", table.Name)
		}
		if _, ok := custom[table.ID]; !ok && !table.LocalOnly && strings.TrimSpace(table.VersionColumn) == "" {
			return fmt.Errorf("%w: %s", ErrMissingVersionColumn, table.Name)
		}
	}
	return nil
}

func (cfg Config) withDefaults() Config {
	if strings.TrimSpace(string(cfg.Engine)) == "" {
		cfg.Engine = database.EngineSQLite
	}
	if cfg.CaptureMode == "" {
		cfg.CaptureMode = CaptureHooks
	}
	if len(cfg.Migrations) == 0 {
		cfg.Migrations = database.DefaultMigrations()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

func (cfg Config) trackedTables() []database.TrackedTable {
	tracked := make([]database.TrackedTable, 0, len(cfg.Tables)+1)
	for _, table := range cfg.Tables {
		pk := ""
		if len(table.PKColumns) > 0 {
			pk = table.PKColumns[0]
		}
		tracked = append(tracked, database.TrackedTable{
			Name:       table.Name,
			ID:         table.ID,
			Replicable: !table.LocalOnly,
			LogChanges: table.LogChanges,
			PKColumn:   pk,
		})
	}
	if cfg.CaptureMode == CaptureInvalidation {
		tracked = append(tracked, database.TrackedTable{
			Name: database.OutgoingReplicationTable,
			ID:   database.OutgoingReplicationTableID,
		})
	}
	return tracked
}

func (cfg Config) triggerSet() database.TriggerSet {
	set := database.TriggerSet{Engine: cfg.Engine, Tables: cfg.trackedTables()}
	for _, table := range cfg.Tables {
		if table.LocalOnly {
			continue
		}
		set.Replication = append(set.Replication, database.ReplicationTrigger{
			Table:          table.Name,
			TableID:        table.ID,
			PKColumns:      table.PKColumns,
			DestinationSQL: database.DestinationsExcept(cfg.NodeID),
		})
	}
	return set
}

func (cfg Config) logsChanges() bool {
	for _, table := range cfg.Tables {
		if table.LogChanges {
			return true
		}
	}
	return false
}
