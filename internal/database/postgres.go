package database

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Engine names a backing SQL engine.
type Engine string

const (
	// EngineSQLite is the embedded single-process engine.
	EngineSQLite Engine = "sqlite"
	// EnginePostgres is the networked multi-writer engine.
	EnginePostgres Engine = "postgres"
)

// EngineOf resolves the engine behind an open gorm handle.
func EngineOf(db *gorm.DB) Engine {
	if db != nil && db.Dialector != nil && db.Dialector.Name() == "postgres" {
		return EnginePostgres
	}
	return EngineSQLite
}

// OpenPostgres establishes a pooled connection to the networked engine.
func OpenPostgres(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database opened", zap.String("engine", string(EnginePostgres)))
	}

	return db, nil
}
