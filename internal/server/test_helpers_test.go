package server

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"github.com/MarcoPoloResearchLab/doorsync/internal/nodes"
	"github.com/MarcoPoloResearchLab/doorsync/internal/remotesql"
	"github.com/jmoiron/sqlx"
)

func openRemoteSQLDatabase(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "remote.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlxDB, err := remotesql.NewDatabase(db)
	if err != nil {
		t.Fatalf("failed to wrap database: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlxDB.Close()
	})
	return sqlxDB
}

func openRegistry(t *testing.T, allowRegistration bool) *nodes.Registry {
	t.Helper()
	name := strings.NewReplacer("/", "_").Replace(t.Name())
	db, err := database.OpenSQLite(fmt.Sprintf("file:%s_registry?mode=memory&cache=shared", name), nil)
	if err != nil {
		t.Fatalf("failed to open registry database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(&database.DoorNode{}); err != nil {
		t.Fatalf("failed to migrate node schema: %v", err)
	}
	registry, err := nodes.NewRegistry(nodes.RegistryConfig{Database: db, AllowRegistration: allowRegistration})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return registry
}
