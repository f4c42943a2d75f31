package harvest

import "io"

// Filesystem is the local file store used for downloaded media.
type Filesystem interface {
	// Size returns the size of the file at path, and false if it does not exist.
	Size(path string) (int64, bool, error)

	// WriteFile writes r to path atomically, creating parent directories.
	// The final path never holds a partially written file.
	WriteFile(path string, r io.Reader) (int64, error)

	// Remove deletes the file at path. Removing a missing file is not an error.
	Remove(path string) error
}
