package vault

import (
	"context"
	"fmt"

	"harvest-go/internal/config"
	"harvest-go/internal/harvest"
)

// NewVaultFromConfig creates a Vault implementation based on the vault config type.
// Returns nil with no error when archiving is disabled.
func NewVaultFromConfig(ctx context.Context, cfg config.VaultConfig) (harvest.Vault, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryVault(cfg.Name), nil
	case "s3":
		return NewS3Vault(ctx, cfg)
	case "filesystem":
		if cfg.FSVaultRoot == "" {
			return nil, fmt.Errorf("filesystem vault requires fs_vault_root to be set")
		}
		return NewFileSystemVault(cfg.Name, cfg.FSVaultRoot)
	default:
		return nil, fmt.Errorf("unknown vault type: %s", cfg.Type)
	}
}
