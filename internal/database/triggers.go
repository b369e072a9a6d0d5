package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gorm.io/gorm"
)

const (
	// OutgoingReplicationTable is the bookkeeping table read by the replication endpoints.
	OutgoingReplicationTable = "door_outgoing_replication"
	// ChangeLogTriggerPrefix names the triggers that append to door_change_log.
	ChangeLogTriggerPrefix = "door_mod_trigger"
	// ReplicationTriggerPrefix names the triggers that append to door_outgoing_replication.
	ReplicationTriggerPrefix = "door_rep"
	// NotifyTriggerPrefix names the statement-level notify triggers on the networked engine.
	NotifyTriggerPrefix = "door_notify"
	// TableChangeChannel carries changed table names on the networked engine.
	TableChangeChannel = "door_table_changes"
	// OutgoingReplicationChannel carries comma-joined outgoing replication rows.
	OutgoingReplicationChannel = "door_outgoing_replication"
	// OutgoingReplicationTableID identifies door_outgoing_replication when it is itself tracked.
	OutgoingReplicationTableID int32 = -1

	maxReplicationKeys = 4
)

var (
	// ErrInvalidIdentifier indicates a table or column name that cannot be embedded in trigger SQL.
	ErrInvalidIdentifier = errors.New("database: invalid sql identifier")
	// ErrInvalidReplicationTrigger indicates a replication trigger definition that cannot be generated.
	ErrInvalidReplicationTrigger = errors.New("database: invalid replication trigger")

	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// TrackedTable is a table whose changes are observed for replication.
type TrackedTable struct {
	Name string
	ID   int32
	// Replicable tables produce door_outgoing_replication rows through their replication trigger.
	Replicable bool
	// LogChanges installs door_mod_trigger_* triggers appending to door_change_log.
	LogChanges bool
	// PKColumn is the integer key recorded in door_change_log; defaults to "id".
	PKColumn string
}

func (t TrackedTable) pkColumn() string {
	if strings.TrimSpace(t.PKColumn) == "" {
		return "id"
	}
	return t.PKColumn
}

// ReplicationTrigger describes how rows of an entity table fan out into door_outgoing_replication.
type ReplicationTrigger struct {
	Table     string
	TableID   int32
	PKColumns []string
	// DestinationSQL selects a node_id column listing destination nodes.
	DestinationSQL string
}

// DestinationsExcept returns a DestinationSQL selecting every known node other than localNodeID.
func DestinationsExcept(localNodeID int64) string {
	return fmt.Sprintf("SELECT node_id FROM door_node WHERE node_id <> %d", localNodeID)
}

// TriggerSet is the complete set of generated triggers for one engine.
type TriggerSet struct {
	Engine      Engine
	Tables      []TrackedTable
	Replication []ReplicationTrigger
}

type triggerEvent struct {
	keyword   string
	shorthand string
	rowAlias  string
}

var triggerEvents = []triggerEvent{
	{keyword: "INSERT", shorthand: "ins", rowAlias: "NEW"},
	{keyword: "UPDATE", shorthand: "upd", rowAlias: "NEW"},
	{keyword: "DELETE", shorthand: "del", rowAlias: "OLD"},
}

// TriggerName composes <prefix>_<table>_<event-shorthand>.
func TriggerName(prefix, table, shorthand string) string {
	return prefix + "_" + table + "_" + shorthand
}

// Statements renders every DROP/CREATE pair in installation order.
func (s TriggerSet) Statements() ([]string, error) {
	statements := make([]string, 0)
	for _, table := range s.Tables {
		if err := ValidateIdentifier(table.Name); err != nil {
			return nil, err
		}
		if !table.LogChanges {
			continue
		}
		if err := ValidateIdentifier(table.pkColumn()); err != nil {
			return nil, err
		}
		if s.Engine == EnginePostgres {
			statements = append(statements, postgresChangeLogTriggers(table)...)
		} else {
			statements = append(statements, sqliteChangeLogTriggers(table)...)
		}
	}
	for _, trigger := range s.Replication {
		if err := trigger.validate(); err != nil {
			return nil, err
		}
		if s.Engine == EnginePostgres {
			statements = append(statements, postgresReplicationTriggers(trigger)...)
		} else {
			statements = append(statements, sqliteReplicationTriggers(trigger)...)
		}
	}
	if s.Engine == EnginePostgres {
		for _, table := range s.Tables {
			statements = append(statements, PostgresNotifyTriggers(table.Name)...)
		}
		statements = append(statements, postgresOutgoingNotifyTrigger()...)
	}
	return statements, nil
}

// Checksum fingerprints the rendered statements so changed definitions can be detected.
func (s TriggerSet) Checksum() (string, error) {
	statements, err := s.Statements()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(strings.Join(statements, "\n")))
	return hex.EncodeToString(sum[:]), nil
}

// InstallTriggers executes the trigger set against db; callers supply a transaction when atomicity matters.
func InstallTriggers(ctx context.Context, db *gorm.DB, set TriggerSet) error {
	statements, err := set.Statements()
	if err != nil {
		return err
	}
	for _, statement := range statements {
		if err := db.WithContext(ctx).Exec(statement).Error; err != nil {
			return fmt.Errorf("install trigger: %w", err)
		}
	}
	return nil
}

// PostgresNotifyTriggers renders the statement-level trigger publishing table on TableChangeChannel.
func PostgresNotifyTriggers(table string) []string {
	function := NotifyTriggerPrefix + "_" + table + "_fn"
	trigger := NotifyTriggerPrefix + "_" + table + "_trig"
	return []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS TRIGGER AS $$
BEGIN
    PERFORM pg_notify('%s', '%s');
    RETURN NULL;
END;
$$ LANGUAGE plpgsql`, function, TableChangeChannel, table),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trigger, table),
		fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH STATEMENT EXECUTE PROCEDURE %s()", trigger, table, function),
	}
}

func postgresOutgoingNotifyTrigger() []string {
	function := NotifyTriggerPrefix + "_outgoing_replication_fn"
	trigger := NotifyTriggerPrefix + "_outgoing_replication_trig"
	return []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS TRIGGER AS $$
BEGIN
    PERFORM pg_notify('%s', NEW.dest_node_id::text || ',' || NEW.table_id::text || ',' || NEW.pk1::text || ',' || NEW.pk2::text || ',' || NEW.pk3::text || ',' || NEW.pk4::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql`, function, OutgoingReplicationChannel),
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", trigger, OutgoingReplicationTable),
		fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT ON %s FOR EACH ROW EXECUTE PROCEDURE %s()", trigger, OutgoingReplicationTable, function),
	}
}

const (
	sqliteNowMillis   = "CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)"
	postgresNowMillis = "(EXTRACT(EPOCH FROM clock_timestamp()) * 1000)::bigint"
)

func sqliteChangeLogTriggers(table TrackedTable) []string {
	statements := make([]string, 0, len(triggerEvents)*2)
	for _, event := range triggerEvents {
		name := TriggerName(ChangeLogTriggerPrefix, table.Name, event.shorthand)
		statements = append(statements,
			"DROP TRIGGER IF EXISTS "+name,
			fmt.Sprintf(`CREATE TRIGGER %s AFTER %s ON %s
BEGIN
    INSERT INTO door_change_log(table_id, entity_pk, dispatched, change_time)
    VALUES (%d, %s.%s, 0, %s);
END`, name, event.keyword, table.Name, table.ID, event.rowAlias, table.pkColumn(), sqliteNowMillis),
		)
	}
	return statements
}

func postgresChangeLogTriggers(table TrackedTable) []string {
	function := ChangeLogTriggerPrefix + "_" + table.Name + "_fn"
	statements := []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %[1]s() RETURNS TRIGGER AS $$
BEGIN
    IF (TG_OP = 'DELETE') THEN
        INSERT INTO door_change_log(table_id, entity_pk, dispatched, change_time)
        VALUES (%[2]d, OLD.%[3]s, false, %[4]s);
        RETURN OLD;
    END IF;
    INSERT INTO door_change_log(table_id, entity_pk, dispatched, change_time)
    VALUES (%[2]d, NEW.%[3]s, false, %[4]s);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql`, function, table.ID, table.pkColumn(), postgresNowMillis),
	}
	for _, event := range triggerEvents {
		name := TriggerName(ChangeLogTriggerPrefix, table.Name, event.shorthand)
		statements = append(statements,
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", name, table.Name),
			fmt.Sprintf("CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW EXECUTE PROCEDURE %s()", name, event.keyword, table.Name, function),
		)
	}
	return statements
}

func (t ReplicationTrigger) validate() error {
	if err := ValidateIdentifier(t.Table); err != nil {
		return err
	}
	if len(t.PKColumns) == 0 || len(t.PKColumns) > maxReplicationKeys {
		return fmt.Errorf("%w: %s needs between 1 and %d key columns", ErrInvalidReplicationTrigger, t.Table, maxReplicationKeys)
	}
	for _, column := range t.PKColumns {
		if err := ValidateIdentifier(column); err != nil {
			return err
		}
	}
	if strings.TrimSpace(t.DestinationSQL) == "" {
		return fmt.Errorf("%w: %s has no destination query", ErrInvalidReplicationTrigger, t.Table)
	}
	return nil
}

func (t ReplicationTrigger) keyExpressions(alias string) string {
	keys := make([]string, maxReplicationKeys)
	for index := range keys {
		if index < len(t.PKColumns) {
			keys[index] = alias + "." + t.PKColumns[index]
		} else {
			keys[index] = "0"
		}
	}
	return strings.Join(keys, ", ")
}

func (t ReplicationTrigger) insertSelect(alias string) string {
	return fmt.Sprintf(`INSERT INTO %s(dest_node_id, table_id, pk1, pk2, pk3, pk4)
    SELECT dest.node_id, %d, %s FROM (%s) AS dest`, OutgoingReplicationTable, t.TableID, t.keyExpressions(alias), t.DestinationSQL)
}

func sqliteReplicationTriggers(trigger ReplicationTrigger) []string {
	statements := make([]string, 0, len(triggerEvents)*2)
	for _, event := range triggerEvents {
		name := TriggerName(ReplicationTriggerPrefix, trigger.Table, event.shorthand)
		statements = append(statements,
			"DROP TRIGGER IF EXISTS "+name,
			fmt.Sprintf(`CREATE TRIGGER %s AFTER %s ON %s
BEGIN
    %s;
END`, name, event.keyword, trigger.Table, trigger.insertSelect(event.rowAlias)),
		)
	}
	return statements
}

func postgresReplicationTriggers(trigger ReplicationTrigger) []string {
	function := ReplicationTriggerPrefix + "_" + trigger.Table + "_fn"
	statements := []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS TRIGGER AS $$
BEGIN
    IF (TG_OP = 'DELETE') THEN
        %s;
        RETURN OLD;
    END IF;
    %s;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql`, function, trigger.insertSelect("OLD"), trigger.insertSelect("NEW")),
	}
	for _, event := range triggerEvents {
		name := TriggerName(ReplicationTriggerPrefix, trigger.Table, event.shorthand)
		statements = append(statements,
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", name, trigger.Table),
			fmt.Sprintf("CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW EXECUTE PROCEDURE %s()", name, event.keyword, trigger.Table, function),
		)
	}
	return statements
}

// ValidateIdentifier rejects names that cannot be embedded verbatim in generated SQL.
func ValidateIdentifier(identifier string) error {
	if !identifierPattern.MatchString(identifier) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}
	return nil
}
