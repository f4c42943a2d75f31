package testutil

import (
	"harvest-go/internal/encryption"
	"harvest-go/internal/harvest"
)

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() harvest.Encryptor {
	return encryption.NewTestEncryptor()
}
