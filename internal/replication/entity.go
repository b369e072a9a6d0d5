package replication

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeletedMarker flags a tombstone entity: the row no longer exists on the sending node.
const DeletedMarker = "_deleted"

var (
	// ErrInvalidEntityAdapter indicates an adapter definition that cannot be used.
	ErrInvalidEntityAdapter = errors.New("replication: invalid entity adapter")
	// ErrInvalidEntity indicates a payload the adapter cannot apply.
	ErrInvalidEntity = errors.New("replication: invalid entity payload")
)

// EntityAdapter bridges replication to one entity table.
type EntityAdapter interface {
	TableID() int32
	// Load renders the current state for the keys of row; a missing row yields a tombstone.
	Load(ctx context.Context, tx *gorm.DB, row database.OutgoingReplication) (json.RawMessage, error)
	// Apply writes entity state. It must be idempotent: applying the same state twice changes nothing.
	Apply(ctx context.Context, tx *gorm.DB, entity json.RawMessage) (bool, error)
}

// EntityRegistry resolves adapters by table id.
type EntityRegistry struct {
	mu       sync.RWMutex
	adapters map[int32]EntityAdapter
}

// NewEntityRegistry registers adapters; duplicate table ids are rejected.
func NewEntityRegistry(adapters ...EntityAdapter) (*EntityRegistry, error) {
	registry := &EntityRegistry{adapters: make(map[int32]EntityAdapter, len(adapters))}
	for _, adapter := range adapters {
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Register adds adapter.
func (r *EntityRegistry) Register(adapter EntityAdapter) error {
	if adapter == nil {
		return fmt.Errorf("%w: nil adapter", ErrInvalidEntityAdapter)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[adapter.TableID()]; exists {
		return fmt.Errorf("%w: duplicate table id %d", ErrInvalidEntityAdapter, adapter.TableID())
	}
	r.adapters[adapter.TableID()] = adapter
	return nil
}

// Lookup returns the adapter for tableID.
func (r *EntityRegistry) Lookup(tableID int32) (EntityAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[tableID]
	return adapter, ok
}

// JSONTableConfig describes a table replicated as a flat JSON object of its columns.
type JSONTableConfig struct {
	Table     string
	TableID   int32
	PKColumns []string
	// Columns lists every replicated column including the keys.
	Columns []string
	// VersionColumn enables last-writer-wins: states with a version older than the stored one are skipped.
	VersionColumn string
}

// JSONTableAdapter is a generic EntityAdapter over a plain table.
type JSONTableAdapter struct {
	cfg     JSONTableConfig
	columns map[string]struct{}
}

// NewJSONTableAdapter validates cfg.
func NewJSONTableAdapter(cfg JSONTableConfig) (*JSONTableAdapter, error) {
	if err := database.ValidateIdentifier(cfg.Table); err != nil {
		return nil, err
	}
	if len(cfg.PKColumns) == 0 || len(cfg.PKColumns) > 4 {
		return nil, fmt.Errorf("%w: %s needs between 1 and 4 key columns", ErrInvalidEntityAdapter, cfg.Table)
	}
	columns := make(map[string]struct{}, len(cfg.Columns))
	for _, column := range cfg.Columns {
		if err := database.ValidateIdentifier(column); err != nil {
			return nil, err
		}
		columns[column] = struct{}{}
	}
	for _, column := range cfg.PKColumns {
		if _, ok := columns[column]; !ok {
			return nil, fmt.Errorf("%w: key column %s is not replicated", ErrInvalidEntityAdapter, column)
		}
	}
	if cfg.VersionColumn != "" {
		if _, ok := columns[cfg.VersionColumn]; !ok {
			return nil, fmt.Errorf("%w: version column %s is not replicated", ErrInvalidEntityAdapter, cfg.VersionColumn)
		}
	}
	return &JSONTableAdapter{cfg: cfg, columns: columns}, nil
}

// TableID implements EntityAdapter.
func (a *JSONTableAdapter) TableID() int32 {
	return a.cfg.TableID
}

func (a *JSONTableAdapter) keyQuery(tx *gorm.DB, keys []any) *gorm.DB {
	query := tx.Table(a.cfg.Table)
	for index, column := range a.cfg.PKColumns {
		query = query.Where(column+" = ?", keys[index])
	}
	return query
}

func (a *JSONTableAdapter) keyPredicate() string {
	predicates := make([]string, 0, len(a.cfg.PKColumns))
	for _, column := range a.cfg.PKColumns {
		predicates = append(predicates, column+" = ?")
	}
	return strings.Join(predicates, " AND ")
}

func (a *JSONTableAdapter) loadRow(ctx context.Context, tx *gorm.DB, keys []any) (map[string]any, error) {
	var rows []map[string]any
	if err := a.keyQuery(tx.WithContext(ctx), keys).Select(a.cfg.Columns).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	for column, value := range row {
		if raw, ok := value.([]byte); ok {
			row[column] = string(raw)
		}
	}
	return row, nil
}

// Load implements EntityAdapter.
func (a *JSONTableAdapter) Load(ctx context.Context, tx *gorm.DB, row database.OutgoingReplication) (json.RawMessage, error) {
	all := []any{row.PK1, row.PK2, row.PK3, row.PK4}
	keys := all[:len(a.cfg.PKColumns)]
	current, err := a.loadRow(ctx, tx, keys)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", a.cfg.Table, err)
	}
	if current == nil {
		tombstone := map[string]any{DeletedMarker: true}
		for index, column := range a.cfg.PKColumns {
			tombstone[column] = keys[index]
		}
		return json.Marshal(tombstone)
	}
	return json.Marshal(current)
}

// Apply implements EntityAdapter and reports whether anything was written.
func (a *JSONTableAdapter) Apply(ctx context.Context, tx *gorm.DB, entity json.RawMessage) (bool, error) {
	incoming, err := decodeEntity(entity)
	if err != nil {
		return false, err
	}
	keys := make([]any, len(a.cfg.PKColumns))
	for index, column := range a.cfg.PKColumns {
		value, ok := incoming[column]
		if !ok || value == nil {
			return false, fmt.Errorf("%w: %s missing key %s", ErrInvalidEntity, a.cfg.Table, column)
		}
		keys[index] = value
	}

	if deleted, _ := incoming[DeletedMarker].(bool); deleted {
		result := tx.WithContext(ctx).Exec("DELETE FROM "+a.cfg.Table+" WHERE "+a.keyPredicate(), keys...)
		if result.Error != nil {
			return false, fmt.Errorf("delete %s: %w", a.cfg.Table, result.Error)
		}
		return result.RowsAffected > 0, nil
	}

	values := make(map[string]any, len(a.cfg.Columns))
	for _, column := range a.cfg.Columns {
		if value, ok := incoming[column]; ok {
			values[column] = value
		}
	}

	if err := a.observeVersion(ctx, tx, values); err != nil {
		return false, err
	}
	current, err := a.loadRow(ctx, tx, keys)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", a.cfg.Table, err)
	}
	if current != nil && !a.newer(values, current) {
		return false, nil
	}

	updates := make([]string, 0, len(values))
	for column := range values {
		if !a.isKey(column) {
			updates = append(updates, column)
		}
	}
	conflict := clause.OnConflict{Columns: make([]clause.Column, 0, len(a.cfg.PKColumns))}
	for _, column := range a.cfg.PKColumns {
		conflict.Columns = append(conflict.Columns, clause.Column{Name: column})
	}
	if len(updates) == 0 {
		conflict.DoNothing = true
	} else {
		conflict.DoUpdates = clause.AssignmentColumns(updates)
	}
	if err := tx.WithContext(ctx).Table(a.cfg.Table).Clauses(conflict).Create(values).Error; err != nil {
		return false, fmt.Errorf("upsert %s: %w", a.cfg.Table, err)
	}
	return true, nil
}

func (a *JSONTableAdapter) isKey(column string) bool {
	for _, key := range a.cfg.PKColumns {
		if key == column {
			return true
		}
	}
	return false
}

// newer decides whether incoming replaces current. Versions order writes; concurrent writes
// with the same version settle on the larger payload so every node keeps the same row.
func (a *JSONTableAdapter) newer(incoming, current map[string]any) bool {
	differs := false
	for column, value := range incoming {
		if !sameValue(value, current[column]) {
			differs = true
			break
		}
	}
	if !differs {
		return false
	}
	if a.cfg.VersionColumn != "" {
		if order, ok := compareNumbers(incoming[a.cfg.VersionColumn], current[a.cfg.VersionColumn]); ok && order != 0 {
			return order > 0
		}
		return a.payloadKey(incoming, incoming) > a.payloadKey(incoming, current)
	}
	return true
}

// payloadKey renders the columns present in shape from values in a form that compares
// the same on every engine.
func (a *JSONTableAdapter) payloadKey(shape, values map[string]any) string {
	parts := make([]string, 0, len(a.cfg.Columns))
	for _, column := range a.cfg.Columns {
		if _, ok := shape[column]; !ok {
			continue
		}
		value := values[column]
		if number, ok := asFloat64(value); ok {
			parts = append(parts, strconv.FormatFloat(number, 'g', -1, 64))
			continue
		}
		if flag, ok := value.(bool); ok {
			if flag {
				parts = append(parts, "1")
			} else {
				parts = append(parts, "0")
			}
			continue
		}
		parts = append(parts, fmt.Sprint(value))
	}
	return strings.Join(parts, "\x1f")
}

// observeVersion keeps the local change sequence ahead of every version received, so a local
// write stamped with NextChangeSeq outranks the states this node has already applied.
func (a *JSONTableAdapter) observeVersion(ctx context.Context, tx *gorm.DB, incoming map[string]any) error {
	if a.cfg.VersionColumn == "" {
		return nil
	}
	version, ok := asInt64(incoming[a.cfg.VersionColumn])
	if !ok {
		return nil
	}
	if err := database.ObserveChangeSeq(tx.WithContext(ctx), a.cfg.TableID, version); err != nil {
		return fmt.Errorf("observe %s version: %w", a.cfg.Table, err)
	}
	return nil
}

func decodeEntity(entity json.RawMessage) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(entity))
	decoder.UseNumber()
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: entity must be an object", ErrInvalidEntity)
	}
	for key, value := range raw {
		if number, ok := value.(json.Number); ok {
			if integer, err := number.Int64(); err == nil {
				raw[key] = integer
			} else if float, err := number.Float64(); err == nil {
				raw[key] = float
			} else {
				raw[key] = number.String()
			}
		}
	}
	return raw, nil
}

func asInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case int64:
		return typed, true
	case int32:
		return int64(typed), true
	case int:
		return int64(typed), true
	case float64:
		if typed != math.Trunc(typed) || typed > math.MaxInt64 || typed < math.MinInt64 {
			return 0, false
		}
		return int64(typed), true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	default:
		if integer, ok := asInt64(value); ok {
			return float64(integer), true
		}
		return 0, false
	}
}

// compareNumbers orders two numeric values; ok is false when either is not a number.
func compareNumbers(left, right any) (int, bool) {
	leftInt, leftIsInt := asInt64(left)
	rightInt, rightIsInt := asInt64(right)
	if leftIsInt && rightIsInt {
		return cmp.Compare(leftInt, rightInt), true
	}
	leftFloat, leftOK := asFloat64(left)
	rightFloat, rightOK := asFloat64(right)
	if !leftOK || !rightOK {
		return 0, false
	}
	return cmp.Compare(leftFloat, rightFloat), true
}

func sameValue(left, right any) bool {
	if order, ok := compareNumbers(left, right); ok {
		return order == 0
	}
	if leftBool, ok := left.(bool); ok {
		if rightInt, ok := asInt64(right); ok {
			return (rightInt != 0) == leftBool
		}
	}
	return strings.TrimSpace(fmt.Sprint(left)) == strings.TrimSpace(fmt.Sprint(right))
}
