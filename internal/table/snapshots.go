package table

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"harvest-go/internal/harvest"
)

// DatedSnapshots appends records to per-day CSV files named
// <dir>/<kind>_records_YYYY_MM_DD.csv. A file gets its header when it is
// created; later appends on the same day add rows only.
type DatedSnapshots struct {
	dir    string
	schema harvest.Schema
	clock  harvest.Clock

	mu    sync.Mutex
	paths []string
}

var _ harvest.SnapshotWriter = (*DatedSnapshots)(nil)

func NewDatedSnapshots(dir string, schema harvest.Schema, clock harvest.Clock) *DatedSnapshots {
	return &DatedSnapshots{dir: dir, schema: schema, clock: clock}
}

// SnapshotPath returns the file today's snapshot of kind is written to.
func (d *DatedSnapshots) SnapshotPath(kind harvest.SnapshotKind) string {
	name := fmt.Sprintf("%s_records_%s.csv", kind, d.clock.Now().Format("2006_01_02"))
	return filepath.Join(d.dir, name)
}

func (d *DatedSnapshots) Append(kind harvest.SnapshotKind, rows []harvest.Row) error {
	if len(rows) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.SnapshotPath(kind)
	exists, err := fileExists(path)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, d.schema, rows, !exists); err != nil {
		return fmt.Errorf("encoding %s snapshot: %w", kind, err)
	}

	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}

	if !slices.Contains(d.paths, path) {
		d.paths = append(d.paths, path)
	}
	return nil
}

// Paths returns the snapshot files written through d, in first-write order.
func (d *DatedSnapshots) Paths() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.paths)
}
