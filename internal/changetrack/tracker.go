// Package changetrack answers "which tracked tables changed in this transaction?" for both
// backing engines.
package changetrack

import (
	"context"
	"errors"
	"sort"

	"gorm.io/gorm"
)

var (
	// ErrNoTrackedTables indicates a tracker constructed without any table to observe.
	ErrNoTrackedTables = errors.New("changetrack: at least one tracked table is required")
	// ErrDuplicateTableID indicates two tracked tables sharing an identifier.
	ErrDuplicateTableID = errors.New("changetrack: duplicate table id")
)

// ChangeTracker is implemented once per engine and selected when the database opens.
type ChangeTracker interface {
	// Arm prepares tx so that writes to tracked tables are recorded.
	Arm(ctx context.Context, tx *gorm.DB) error
	// DetectChangedTables returns the tables changed since the previous call and clears them.
	DetectChangedTables(ctx context.Context, tx *gorm.DB) (TableSet, error)
}

// TableSet is a set of table names.
type TableSet map[string]struct{}

// NewTableSet builds a set holding names.
func NewTableSet(names ...string) TableSet {
	set := make(TableSet, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// Add inserts name.
func (s TableSet) Add(name string) {
	s[name] = struct{}{}
}

// Contains reports whether name is in the set.
func (s TableSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the members in sorted order.
func (s TableSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
