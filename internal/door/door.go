package door

import (
	"context"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/doorsync/internal/changetrack"
	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"github.com/MarcoPoloResearchLab/doorsync/internal/nodeevent"
	"github.com/MarcoPoloResearchLab/doorsync/internal/nodes"
	"github.com/MarcoPoloResearchLab/doorsync/internal/remotesql"
	"github.com/MarcoPoloResearchLab/doorsync/internal/replication"
	"github.com/MarcoPoloResearchLab/doorsync/internal/txn"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Database is one open replicating database and everything that observes it.
type Database struct {
	cfg    Config
	db     *gorm.DB
	engine database.Engine
	logger *zap.Logger

	migration   database.MigrationResult
	coordinator *txn.Coordinator
	tracker     changetrack.ChangeTracker
	notify      *changetrack.NotifyChannelTracker
	events      *nodeevent.Manager
	entities    *replication.EntityRegistry
	service     *replication.Service
	applier     *replication.Applier
	registry    *nodes.Registry

	remoteSQL *remotesql.Manager

	lifetime  context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Open connects to the configured engine, runs migrations and starts change tracking.
// A missing migration is fatal and aborts the open.
func Open(ctx context.Context, cfg Config) (*Database, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var (
		db  *gorm.DB
		err error
	)
	if cfg.Engine == database.EnginePostgres {
		db, err = database.OpenPostgres(cfg.DSN, cfg.Logger)
	} else {
		db, err = database.OpenSQLite(cfg.Path, cfg.Logger)
	}
	if err != nil {
		return nil, err
	}

	d, err := open(ctx, cfg, db)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return d, nil
}

func open(ctx context.Context, cfg Config, db *gorm.DB) (*Database, error) {
	triggers := cfg.triggerSet()
	runner := &database.MigrationRunner{
		TargetVersion: cfg.TargetVersion,
		Migrations:    cfg.Migrations,
		Triggers:      triggers,
		CreateSchema:  cfg.CreateSchema,
		Logger:        cfg.Logger,
		Clock:         cfg.Clock,
	}
	migration, err := runner.Run(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("door: migrate: %w", err)
	}

	registry, err := nodes.NewRegistry(nodes.RegistryConfig{
		Database:          db,
		AllowRegistration: cfg.AllowRegistration,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	for _, peer := range cfg.Peers {
		if _, err := registry.Register(ctx, peer); err != nil {
			return nil, fmt.Errorf("door: register peer %d: %w", peer.NodeID, err)
		}
	}

	// The database lifetime is bounded by Close, not by the ctx of the open call.
	lifetime, cancel := context.WithCancel(context.Background())
	d := &Database{
		cfg:       cfg,
		db:        db,
		engine:    database.EngineOf(db),
		logger:    cfg.Logger,
		migration: migration,
		registry:  registry,
		lifetime:  lifetime,
		cancel:    cancel,
	}

	d.events = nodeevent.NewManager(nodeevent.ManagerConfig{BufferSize: cfg.EventBuffer, Logger: cfg.Logger})
	d.events.Start(lifetime)

	coordinator, err := txn.NewCoordinator(txn.Config{Database: db, Logger: cfg.Logger})
	if err != nil {
		cancel()
		return nil, err
	}
	d.coordinator = coordinator

	if err := d.wireChangeTracking(lifetime, triggers); err != nil {
		d.stop()
		return nil, err
	}
	if err := d.wireReplication(); err != nil {
		d.stop()
		return nil, err
	}

	d.logger.Info("door database opened",
		zap.String("engine", string(d.engine)),
		zap.Int64("node_id", cfg.NodeID),
		zap.String("capture_mode", string(cfg.CaptureMode)),
		zap.Int("schema_version", migration.EndVersion),
		zap.Bool("freshly_created", migration.FreshlyCreated))
	return d, nil
}

func (d *Database) wireChangeTracking(lifetime context.Context, triggers database.TriggerSet) error {
	tables := d.cfg.trackedTables()
	if d.engine == database.EnginePostgres {
		return d.wireNotifyTracking(lifetime, tables, triggers)
	}

	tracker, err := changetrack.NewScratchTableTracker(tables, d.logger)
	if err != nil {
		return err
	}
	d.tracker = tracker
	if d.cfg.CaptureMode == CaptureInvalidation {
		adapter, err := nodeevent.NewInvalidationAdapter(nodeevent.InvalidationConfig{
			Database:  d.db,
			Tracker:   tracker,
			Publisher: d.events,
			Logger:    d.logger,
		})
		if err != nil {
			return err
		}
		d.coordinator.AddListener(adapter)
	} else {
		capture, err := nodeevent.NewOutgoingEventCapture(nodeevent.CaptureConfig{
			Tracker:   tracker,
			Tables:    tables,
			Publisher: d.events,
			Logger:    d.logger,
		})
		if err != nil {
			return err
		}
		d.coordinator.AddListener(capture)
	}
	return d.wireChangeLog()
}

// wireNotifyTracking observes commits of every writer through LISTEN/NOTIFY. Outgoing rows are
// announced by the engine at commit, so no transaction hook stages them.
func (d *Database) wireNotifyTracking(lifetime context.Context, tables []database.TrackedTable, triggers database.TriggerSet) error {
	tracker, err := changetrack.NewNotifyChannelTracker(changetrack.NotifyConfig{
		DSN:    d.cfg.DSN,
		Tables: tables,
		InstallTriggers: func(ctx context.Context) error {
			return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				return database.InstallTriggers(ctx, tx, triggers)
			})
		},
		PollInterval: d.cfg.PollInterval,
		RetryBackoff: d.cfg.RetryBackoff,
		MaxBackoff:   d.cfg.MaxBackoff,
		Logger:       d.logger,
	})
	if err != nil {
		return err
	}
	d.tracker = tracker
	d.notify = tracker

	if d.cfg.CaptureMode == CaptureInvalidation {
		adapter, err := nodeevent.NewInvalidationAdapter(nodeevent.InvalidationConfig{
			Database:  d.db,
			Tracker:   tracker,
			Publisher: d.events,
			Logger:    d.logger,
		})
		if err != nil {
			return err
		}
		tracker.OnTablesChanged(func(changed changetrack.TableSet) {
			if err := adapter.OnTablesChanged(lifetime, changed); err != nil {
				d.logger.Warn("outgoing invalidation poll failed", zap.String("operation", "door.invalidation"), zap.Error(err))
			}
		})
	} else {
		adapter, err := nodeevent.NewNotifyAdapter(d.events, d.logger)
		if err != nil {
			return err
		}
		tracker.Handle(database.OutgoingReplicationChannel, adapter.HandlePayloads)
	}

	if err := d.wireChangeLog(); err != nil {
		return err
	}
	return tracker.Start(lifetime)
}

func (d *Database) wireChangeLog() error {
	if !d.cfg.logsChanges() {
		return nil
	}
	processor, err := replication.NewChangeLogProcessor(d.logger,
		replication.TableSyncDerivation{},
		replication.UpdateNotificationDerivation{LocalNodeID: d.cfg.NodeID},
	)
	if err != nil {
		return err
	}
	d.coordinator.AddListener(processor)
	return nil
}

func (d *Database) wireReplication() error {
	entities, err := replication.NewEntityRegistry(d.cfg.Entities...)
	if err != nil {
		return err
	}
	for _, table := range d.cfg.Tables {
		if table.LocalOnly {
			continue
		}
		if _, ok := entities.Lookup(table.ID); ok {
			continue
		}
		adapter, err := replication.NewJSONTableAdapter(replication.JSONTableConfig{
			Table:         table.Name,
			TableID:       table.ID,
			PKColumns:     table.PKColumns,
			Columns:       table.Columns,
			VersionColumn: table.VersionColumn,
		})
		if err != nil {
			return err
		}
		if err := entities.Register(adapter); err != nil {
			return err
		}
	}
	d.entities = entities

	d.service, err = replication.NewService(replication.ServiceConfig{
		Transactor: d.coordinator,
		Entities:   entities,
		NodeID:     d.cfg.NodeID,
		BatchSize:  d.cfg.BatchSize,
		Clock:      d.cfg.Clock,
		Logger:     d.logger,
	})
	if err != nil {
		return err
	}
	d.applier, err = replication.NewApplier(replication.ApplierConfig{
		Transactor: d.coordinator,
		Entities:   entities,
		NodeID:     d.cfg.NodeID,
		Incoming:   d.events,
		Clock:      d.cfg.Clock,
		Logger:     d.logger,
	})
	return err
}

// NodeID returns the local node id.
func (d *Database) NodeID() int64 {
	return d.cfg.NodeID
}

// Engine reports the backing engine.
func (d *Database) Engine() database.Engine {
	return d.engine
}

// DB exposes the underlying handle for reads outside a logical transaction.
func (d *Database) DB() *gorm.DB {
	return d.db
}

// Migration reports what the open-time migration did.
func (d *Database) Migration() database.MigrationResult {
	return d.migration
}

// Coordinator returns the transaction coordinator.
func (d *Database) Coordinator() *txn.Coordinator {
	return d.coordinator
}

// Events returns the node event manager.
func (d *Database) Events() *nodeevent.Manager {
	return d.events
}

// Service returns the serving side of the replication protocol.
func (d *Database) Service() *replication.Service {
	return d.service
}

// Applier returns the receiving side of the replication protocol.
func (d *Database) Applier() *replication.Applier {
	return d.applier
}

// Registry returns the peer registry.
func (d *Database) Registry() *nodes.Registry {
	return d.registry
}

// WithTransaction runs body in a logical transaction; nested calls join the outer one.
func (d *Database) WithTransaction(ctx context.Context, mode txn.Mode, body func(ctx context.Context, tx *txn.Tx) error) error {
	return d.coordinator.WithTransaction(ctx, mode, body)
}

// NextChangeSeq advances the change sequence of tableID, joining the caller's transaction if any.
func (d *Database) NextChangeSeq(ctx context.Context, tableID int32, primary bool) (int32, error) {
	var seq int32
	err := d.coordinator.WithTransaction(ctx, txn.ReadWrite, func(_ context.Context, tx *txn.Tx) error {
		next, err := database.NextChangeSeq(tx.DB, tableID, primary)
		seq = next
		return err
	})
	return seq, err
}

// TablesNeedingSync lists tables changed locally since they were last synced.
func (d *Database) TablesNeedingSync(ctx context.Context) ([]database.TableSyncStatus, error) {
	var statuses []database.TableSyncStatus
	err := d.coordinator.WithTransaction(ctx, txn.ReadOnly, func(ctx context.Context, tx *txn.Tx) error {
		return tx.DB.WithContext(ctx).
			Where("last_changed > last_synced").
			Order("table_id ASC").
			Find(&statuses).Error
	})
	return statuses, err
}

// Close stops change tracking, waits for in-flight transactions, closes the event streams and
// releases the connection pool.
func (d *Database) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.shutdown()
	})
	return err
}

func (d *Database) stop() {
	if d.notify != nil {
		d.notify.Close()
	}
	if d.coordinator != nil {
		d.coordinator.Close()
	}
	if d.events != nil {
		d.events.Close()
	}
	if d.remoteSQL != nil {
		d.remoteSQL.CloseAll()
	}
	d.cancel()
}

func (d *Database) shutdown() error {
	d.stop()
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil {
		return err
	}
	d.logger.Info("door database closed", zap.Int64("node_id", d.cfg.NodeID))
	return nil
}
