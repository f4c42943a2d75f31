package database

import (
	"path/filepath"
	"testing"

	"harvest-go/internal/config"
)

func TestNewDatabaseFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.DatabaseConfig
		wantErr bool
	}{
		{name: "memory database", cfg: config.DatabaseConfig{Type: "memory"}},
		{name: "sqlite database", cfg: config.DatabaseConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "harvest.db")}},
		{name: "sqlite without path", cfg: config.DatabaseConfig{Type: "sqlite"}, wantErr: true},
		{name: "unknown type", cfg: config.DatabaseConfig{Type: "postgres"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewDatabaseFromConfig(tt.cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewDatabaseFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			defer got.Close()

			if err := got.CheckMigrations(); err != nil {
				t.Errorf("CheckMigrations() error = %v", err)
			}
		})
	}
}
