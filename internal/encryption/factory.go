package encryption

import (
	"fmt"

	"harvest-go/internal/config"
	"harvest-go/internal/harvest"
)

// NewEncryptorFromConfig creates the configured Encryptor. It returns nil
// when encryption is disabled.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (harvest.Encryptor, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "age":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
