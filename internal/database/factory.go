package database

import (
	"fmt"

	"harvest-go/internal/config"
	"harvest-go/internal/harvest"
)

// NewDatabaseFromConfig creates the run database based on the database config type.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, logger harvest.Logger) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("path required for sqlite database")
		}
		return NewSQLiteDatabase(cfg.Path, logger)
	case "memory":
		return NewSQLiteDatabase(":memory:", logger)
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
