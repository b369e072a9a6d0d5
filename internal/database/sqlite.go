package database

import (
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a connection to the embedded single-writer engine.
// Schema work is left to MigrationRunner.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if !isMemoryPath(path) {
		if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil && logger != nil {
			logger.Warn("sqlite journal mode change failed", zap.Error(err))
		}
	}

	if logger != nil {
		logger.Info("database opened", zap.String("engine", string(EngineSQLite)), zap.String("path", path))
	}

	return db, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory") || strings.HasPrefix(path, "file::memory:")
}
