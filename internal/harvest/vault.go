package harvest

import "io"

// Vault is an off-host store for run artifacts (database copies and
// snapshot exports). Keys are slash-separated relative paths.
type Vault interface {
	// Put stores size bytes read from r under key, replacing any existing object.
	Put(key string, r io.Reader, size int64) error

	// Get writes the object stored under key to w.
	Get(key string, w io.Writer) error

	// Exists reports whether an object is stored under key.
	Exists(key string) (bool, error)

	// List returns the keys starting with prefix, sorted.
	List(prefix string) ([]string, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup() error
}

// Encryptor handles encryption of archived artifacts and unlocking for decryption.
// Encryption uses the public key only; decryption requires a passphrase to
// unlock the private key, producing a DecryptionContext for the session.
type Encryptor interface {
	// Setup performs one-time key generation.
	// Generates a key pair, stores the public key in plaintext, and encrypts
	// the private key with the provided passphrase.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key using the passphrase and returns a
	// DecryptionContext. Returns an error if the passphrase is incorrect.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if both key files exist at configured paths.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
