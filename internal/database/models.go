package database

// DoorNode identifies a replication peer and the secret it authenticates with.
type DoorNode struct {
	NodeID     int64  `gorm:"column:node_id;primaryKey;autoIncrement:false"`
	AuthSecret string `gorm:"column:auth_secret;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DoorNode) TableName() string {
	return "door_node"
}

// ChangeLog holds one captured modification awaiting conversion into notifications.
type ChangeLog struct {
	ID         int64 `gorm:"column:id;primaryKey;autoIncrement"`
	TableID    int32 `gorm:"column:table_id;not null;index:idx_change_log_table_dispatched,priority:1"`
	EntityPK   int64 `gorm:"column:entity_pk;not null"`
	Dispatched bool  `gorm:"column:dispatched;not null;default:false;index:idx_change_log_table_dispatched,priority:2"`
	ChangeTime int64 `gorm:"column:change_time;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeLog) TableName() string {
	return "door_change_log"
}

// OutgoingReplication is one (entity, destination) pair pending delivery.
// Rows are only removed once the destination acknowledges the uid.
type OutgoingReplication struct {
	UID        int64 `gorm:"column:uid;primaryKey;autoIncrement"`
	DestNodeID int64 `gorm:"column:dest_node_id;not null;index:idx_outgoing_replication_dest,priority:1"`
	TableID    int32 `gorm:"column:table_id;not null"`
	PK1        int64 `gorm:"column:pk1;not null;default:0"`
	PK2        int64 `gorm:"column:pk2;not null;default:0"`
	PK3        int64 `gorm:"column:pk3;not null;default:0"`
	PK4        int64 `gorm:"column:pk4;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (OutgoingReplication) TableName() string {
	return OutgoingReplicationTable
}

// ReplicationStatus tracks per-table, per-peer sync watermarks.
type ReplicationStatus struct {
	ID                    int32 `gorm:"column:id;primaryKey;autoIncrement"`
	TableID               int32 `gorm:"column:table_id;not null;uniqueIndex:idx_replication_status_table_node,priority:1"`
	NodeID                int64 `gorm:"column:node_id;not null;uniqueIndex:idx_replication_status_table_node,priority:2"`
	Priority              int32 `gorm:"column:priority;not null;default:100"`
	LastRemoteChangeTime  int64 `gorm:"column:last_remote_change_time;not null;default:0"`
	LastLocalChangeTime   int64 `gorm:"column:last_local_change_time;not null;default:0"`
	LastFetchCompleteTime int64 `gorm:"column:last_fetch_complete_time;not null;default:0"`
	LastSendCompleteTime  int64 `gorm:"column:last_send_complete_time;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ReplicationStatus) TableName() string {
	return "door_replication_status"
}

// TableSyncStatus drives whether a table needs another sync pass.
type TableSyncStatus struct {
	TableID     int32 `gorm:"column:table_id;primaryKey;autoIncrement:false"`
	LastChanged int64 `gorm:"column:last_changed;not null;default:0"`
	LastSynced  int64 `gorm:"column:last_synced;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (TableSyncStatus) TableName() string {
	return "door_table_sync_status"
}

// NeedsSync reports whether local changes are newer than the last completed sync.
func (s TableSyncStatus) NeedsSync() bool {
	return s.LastChanged > s.LastSynced
}

// SqliteChangeSeqNums substitutes for a native sequence on the embedded engine.
type SqliteChangeSeqNums struct {
	TableID        int32 `gorm:"column:table_id;primaryKey;autoIncrement:false"`
	NextLocalSeq   int32 `gorm:"column:next_local_seq;not null;default:1"`
	NextPrimarySeq int32 `gorm:"column:next_primary_seq;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (SqliteChangeSeqNums) TableName() string {
	return "door_sqlite_change_seq_nums"
}

// UpdateNotification is the legacy notification-only channel, one row per device and table.
type UpdateNotification struct {
	UID       int64 `gorm:"column:uid;primaryKey;autoIncrement"`
	DeviceID  int32 `gorm:"column:device_id;not null;uniqueIndex:idx_update_notification_device_table,priority:1"`
	TableID   int32 `gorm:"column:table_id;not null;uniqueIndex:idx_update_notification_device_table,priority:2"`
	Timestamp int64 `gorm:"column:timestamp;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (UpdateNotification) TableName() string {
	return "door_update_notification"
}

type schemaVersion struct {
	ID               int    `gorm:"column:id;primaryKey;autoIncrement:false"`
	Version          int    `gorm:"column:version;not null"`
	TriggerChecksum  string `gorm:"column:trigger_checksum;size:64;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (schemaVersion) TableName() string {
	return "door_schema_version"
}

const schemaVersionRowID = 1

// BookkeepingModels lists every table the change tracker and replication protocol depend on.
func BookkeepingModels() []any {
	return []any{
		&DoorNode{},
		&ChangeLog{},
		&OutgoingReplication{},
		&ReplicationStatus{},
		&TableSyncStatus{},
		&SqliteChangeSeqNums{},
		&UpdateNotification{},
	}
}
