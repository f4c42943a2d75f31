package vault

import (
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"

	"harvest-go/internal/fs"
	"harvest-go/internal/harvest"
)

// FileSystemVault is a filesystem-based implementation of the Vault interface.
// Objects are stored as files under the objects directory, mirroring their keys:
//
//	<root>/
//	  objects/
//	    runs/<runID>/harvest.db.age
//	    runs/<runID>/new_records_2024_01_15.csv.age
type FileSystemVault struct {
	name       string
	root       string
	objectsDir string
}

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	objectsDir := filepath.Join(root, "objects")
	if err := os.MkdirAll(objectsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create objects directory: %w", err)
	}

	return &FileSystemVault{
		name:       name,
		root:       root,
		objectsDir: objectsDir,
	}, nil
}

func (v *FileSystemVault) objectPath(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return filepath.Join(v.objectsDir, filepath.FromSlash(key)), nil
}

// Put stores an object, replacing any previous one atomically.
func (v *FileSystemVault) Put(key string, r io.Reader, size int64) error {
	destPath, err := v.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	// Verify size before the object becomes visible
	sized := &sizeCheckReader{r: r, expected: size}
	if _, err := fs.WriteFileAtomic(destPath, sized); err != nil {
		return err
	}
	return nil
}

// Get writes the object to w.
func (v *FileSystemVault) Get(key string, w io.Writer) error {
	srcPath, err := v.objectPath(key)
	if err != nil {
		return err
	}
	f, err := os.Open(srcPath)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("failed to open object: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read object: %w", err)
	}
	return nil
}

func (v *FileSystemVault) Exists(key string) (bool, error) {
	p, err := v.objectPath(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat object: %w", err)
	}
	return info.Mode().IsRegular(), nil
}

// ValidateSetup verifies that the vault directories are accessible.
func (v *FileSystemVault) ValidateSetup() error {
	for _, dir := range []string{v.root, v.objectsDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}

	// Check that the objects directory is writable
	tmp, err := os.CreateTemp(v.objectsDir, ".writecheck-*")
	if err != nil {
		return fmt.Errorf("vault not writable: %w", err)
	}
	tmp.Close()
	return os.Remove(tmp.Name())
}

// List returns every stored key with the given prefix, sorted.
func (v *FileSystemVault) List(prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(v.objectsDir, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(v.objectsDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking vault: %w", err)
	}
	return keys, nil
}

// sizeCheckReader fails at EOF when the stream length differs from expected.
type sizeCheckReader struct {
	r        io.Reader
	expected int64
	read     int64
}

func (s *sizeCheckReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.read += int64(n)
	if err == io.EOF && s.read != s.expected {
		return n, fmt.Errorf("size mismatch: expected %d bytes, got %d", s.expected, s.read)
	}
	return n, err
}

// Compile-time check that FileSystemVault implements harvest.Vault interface
var _ harvest.Vault = (*FileSystemVault)(nil)
