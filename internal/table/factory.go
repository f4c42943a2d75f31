package table

import (
	"fmt"

	"harvest-go/internal/config"
	"harvest-go/internal/database"
	"harvest-go/internal/harvest"
)

// NewTableFromConfig creates a Table implementation based on the table config type.
// db is only used by the sqlite backend.
func NewTableFromConfig(cfg config.TableConfig, schema harvest.Schema, db *database.SQLiteDatabase) (harvest.Table, error) {
	switch cfg.Type {
	case "sqlite":
		if db == nil {
			return nil, fmt.Errorf("sqlite %s table requires the run database", schema.Name)
		}
		return db.Table(schema), nil
	case "csv":
		if cfg.Path == "" {
			return nil, fmt.Errorf("csv %s table requires path to be set", schema.Name)
		}
		return NewCSVTable(cfg.Path, schema), nil
	case "xlsx":
		if cfg.Path == "" {
			return nil, fmt.Errorf("xlsx %s table requires path to be set", schema.Name)
		}
		return NewXLSXTable(cfg.Path, cfg.Sheet, schema), nil
	case "memory":
		return NewMemoryTable(schema), nil
	default:
		return nil, fmt.Errorf("unknown table type: %s", cfg.Type)
	}
}
