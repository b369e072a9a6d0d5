package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/MarcoPoloResearchLab/doorsync/internal/config"
	"github.com/MarcoPoloResearchLab/doorsync/internal/database"
	"github.com/MarcoPoloResearchLab/doorsync/internal/door"
	"github.com/MarcoPoloResearchLab/doorsync/internal/nodes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func doorConfigFrom(appConfig config.AppConfig, logger *zap.Logger) (door.Config, error) {
	cfg := door.Config{
		Engine:            database.Engine(appConfig.DatabaseEngine),
		Path:              appConfig.DatabasePath,
		DSN:               appConfig.DatabaseDSN,
		NodeID:            appConfig.NodeID,
		AllowRegistration: appConfig.AllowRegistration,
		CaptureMode:       door.CaptureMode(appConfig.CaptureMode),
		BatchSize:         appConfig.BatchSize,
		PollInterval:      appConfig.PollInterval,
		RetryBackoff:      appConfig.RetryBackoff,
		MaxBackoff:        appConfig.MaxBackoff,
		Logger:            logger,
	}
	for _, peer := range appConfig.Peers {
		cfg.Peers = append(cfg.Peers, nodes.Credentials{NodeID: peer.NodeID, AuthSecret: peer.AuthSecret})
	}
	for _, table := range appConfig.Tables {
		cfg.Tables = append(cfg.Tables, door.Table{
			Name:          table.Name,
			ID:            table.ID,
			PKColumns:     table.PKColumns,
			Columns:       table.Columns,
			VersionColumn: table.VersionColumn,
			LogChanges:    table.LogChanges,
			LocalOnly:     table.LocalOnly,
		})
	}
	if appConfig.SchemaFile != "" {
		createSchema, err := schemaFromFile(appConfig.SchemaFile)
		if err != nil {
			return door.Config{}, err
		}
		cfg.CreateSchema = createSchema
	}
	return cfg, nil
}

// schemaFromFile reads the application schema once so a fresh database is created from a fixed script.
func schemaFromFile(path string) (database.MigrationAction, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	script := strings.TrimSpace(string(contents))
	if script == "" {
		return nil, fmt.Errorf("schema file %s is empty", path)
	}
	return func(ctx context.Context, tx *gorm.DB) error {
		return tx.WithContext(ctx).Exec(script).Error
	}, nil
}
