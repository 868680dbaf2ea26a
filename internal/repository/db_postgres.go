// Package repository contains the repository layer for the Tradecore API
package repository

import (
	"fmt"

	"github.com/raghurammutya/tradecore/internal/config"
	"github.com/raghurammutya/tradecore/internal/models"
	"github.com/raghurammutya/tradecore/pkg/utils/zaplogger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ConnectPostgres connects to Postgres and returns a GORM database object
func ConnectPostgres(cfg *config.Config) (*gorm.DB, error) {
	zaplogger.Info("Initializing Postgres")

	var logLevel logger.LogLevel
	switch cfg.Postgres.LogLevel {
	case "silent":
		logLevel = logger.Silent
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	default:
		logLevel = logger.Warn
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	}

	schema := cfg.Postgres.Schema
	if schema == "" {
		schema = "api"
	}
	dsn := cfg.Postgres.DSN + " search_path=" + schema + ",public"
	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %v", err)
	}
	zaplogger.Info("  * connected")

	createSchemaSQL := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)
	if err := db.Exec(createSchemaSQL).Error; err != nil {
		return nil, fmt.Errorf("failed to create schema %s: %v", schema, err)
	}
	zaplogger.Info("  * migrating schema: \"" + schema + "\"")

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %v", err)
	}

	return db, nil
}

func autoMigrate(db *gorm.DB) error {
	tables := []struct {
		name  string
		model interface{}
	}{
		{models.InstrumentsTableName, &models.InstrumentModel{}},
		{models.AccountsTableName, &models.AccountModel{}},
		{models.OrderTasksTableName, &models.OrderTaskModel{}},
	}

	for _, table := range tables {
		if err := db.AutoMigrate(table.model); err != nil {
			return fmt.Errorf("failed to migrate %s: %v", table.name, err)
		}
		zaplogger.Info("  * table \"" + table.name + "\" migrated")
	}
	return nil
}
