package harvest

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// EncryptedSuffix marks archived objects that were age-encrypted.
const EncryptedSuffix = ".age"

// Archiver uploads run artifacts to a vault, encrypting them when an
// encryptor is configured.
type Archiver struct {
	vault     Vault
	encryptor Encryptor
	logger    Logger
}

// NewArchiver creates an Archiver. encryptor may be nil.
func NewArchiver(vault Vault, encryptor Encryptor, logger Logger) *Archiver {
	return &Archiver{vault: vault, encryptor: encryptor, logger: logger}
}

// ArchiveKey returns the vault key for a file archived under runID.
func ArchiveKey(runID, name string, encrypted bool) string {
	key := path.Join("runs", runID, name)
	if encrypted {
		key += EncryptedSuffix
	}
	return key
}

// Archive uploads each file under runs/<runID>/ and returns the keys written.
// Missing files are skipped.
func (a *Archiver) Archive(runID string, paths []string) ([]string, error) {
	var keys []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if os.IsNotExist(err) {
			a.logger.Debug("archive source missing, skipping", "path", p)
			continue
		}
		if err != nil {
			return keys, fmt.Errorf("stat %s: %w", p, err)
		}

		key := ArchiveKey(runID, filepath.Base(p), a.encryptor != nil)
		if a.encryptor != nil {
			err = a.putEncrypted(key, p)
		} else {
			err = a.putPlain(key, p, info.Size())
		}
		if err != nil {
			return keys, err
		}
		a.logger.Info("archived", "path", p, "key", key)
		keys = append(keys, key)
	}
	return keys, nil
}

func (a *Archiver) putPlain(key, p string, size int64) error {
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("opening %s: %w", p, err)
	}
	defer f.Close()
	if err := a.vault.Put(key, f, size); err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

// putEncrypted encrypts p into a temp file first so the upload size is known.
func (a *Archiver) putEncrypted(key, p string) error {
	src, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("opening %s: %w", p, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "harvest-archive-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := a.encryptor.Encrypt(src, tmp); err != nil {
		return fmt.Errorf("encrypting %s: %w", p, err)
	}
	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("sizing encrypted %s: %w", p, err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding encrypted %s: %w", p, err)
	}
	if err := a.vault.Put(key, tmp, size); err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	return nil
}

// Retrieve writes the archived object at key to w, decrypting it when the
// key carries the encrypted suffix.
func (a *Archiver) Retrieve(key string, w io.Writer, dec DecryptionContext) error {
	if !strings.HasSuffix(key, EncryptedSuffix) {
		if err := a.vault.Get(key, w); err != nil {
			return fmt.Errorf("retrieving %s: %w", key, err)
		}
		return nil
	}
	if dec == nil {
		return fmt.Errorf("%s is encrypted but no passphrase was provided", key)
	}

	pr, pw := io.Pipe()
	vaultErrCh := make(chan error, 1)
	go func() {
		err := a.vault.Get(key, pw)
		pw.CloseWithError(err)
		vaultErrCh <- err
	}()

	decryptErr := dec.Decrypt(pr, w)
	pr.CloseWithError(decryptErr)
	vaultErr := <-vaultErrCh

	if decryptErr != nil {
		return fmt.Errorf("decrypting %s: %w", key, decryptErr)
	}
	if vaultErr != nil {
		return fmt.Errorf("retrieving %s: %w", key, vaultErr)
	}
	return nil
}
