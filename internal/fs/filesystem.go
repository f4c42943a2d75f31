// Package fs provides the local filesystem used for downloaded media and
// the atomic write helper shared by the file-backed stores.
package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"harvest-go/internal/harvest"
)

// OSFilesystem is the real filesystem implementation of harvest.Filesystem.
type OSFilesystem struct{}

// NewOSFilesystem creates a filesystem that operates on the real filesystem.
func NewOSFilesystem() *OSFilesystem {
	return &OSFilesystem{}
}

// Size returns the size of the regular file at path.
func (m *OSFilesystem) Size(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return 0, false, fmt.Errorf("not a regular file: %s", path)
	}
	return info.Size(), true, nil
}

// WriteFile writes r to path atomically, creating parent directories.
func (m *OSFilesystem) WriteFile(path string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("creating directory: %w", err)
	}
	return WriteFileAtomic(path, r)
}

// Remove deletes the file at path. A missing file is not an error.
func (m *OSFilesystem) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// WriteFileAtomic copies r into a temp file next to path and renames it
// into place. The temp file is removed on any failure, so path either keeps
// its previous content or holds everything r produced.
func WriteFileAtomic(path string, r io.Reader) (int64, error) {
	// Create temp file in the same directory to ensure atomic rename works
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return written, fmt.Errorf("writing data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return written, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return written, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return written, fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return written, fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return written, nil
}

var _ harvest.Filesystem = (*OSFilesystem)(nil)
