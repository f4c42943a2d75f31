package testutil

import (
	"errors"
	"sync"

	"harvest-go/internal/harvest"
	"harvest-go/internal/table"
)

// ErrInjected is returned by FailingTable operations.
var ErrInjected = errors.New("injected failure")

// NewMemoryTable creates an in-memory table for the given schema.
func NewMemoryTable(schema harvest.Schema) *table.MemoryTable {
	return table.NewMemoryTable(schema)
}

// FailingTable is a harvest.Table whose loads fail. Exists reports
// Present, so it models both a corrupt store and a first run whose
// backing file is missing.
type FailingTable struct {
	mu       sync.Mutex
	schema   harvest.Schema
	Present  bool
	FailLoad bool
	appended []harvest.Row
}

var _ harvest.Table = (*FailingTable)(nil)

func NewFailingTable(schema harvest.Schema, present bool) *FailingTable {
	return &FailingTable{schema: schema, Present: present, FailLoad: true}
}

func (f *FailingTable) Schema() harvest.Schema { return f.schema }

func (f *FailingTable) Exists() (bool, error) { return f.Present, nil }

func (f *FailingTable) LoadAll() ([]harvest.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailLoad {
		return nil, ErrInjected
	}
	return append([]harvest.Row(nil), f.appended...), nil
}

func (f *FailingTable) AppendRows(rows []harvest.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, rows...)
	return nil
}

func (f *FailingTable) UpsertRow(string, harvest.Row) error {
	return ErrInjected
}

// Appended returns every row passed to AppendRows.
func (f *FailingTable) Appended() []harvest.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]harvest.Row(nil), f.appended...)
}

// SnapshotRecorder is an in-memory harvest.SnapshotWriter.
type SnapshotRecorder struct {
	mu   sync.Mutex
	rows map[harvest.SnapshotKind][]harvest.Row
}

var _ harvest.SnapshotWriter = (*SnapshotRecorder)(nil)

func NewSnapshotRecorder() *SnapshotRecorder {
	return &SnapshotRecorder{rows: make(map[harvest.SnapshotKind][]harvest.Row)}
}

func (s *SnapshotRecorder) Append(kind harvest.SnapshotKind, rows []harvest.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[kind] = append(s.rows[kind], rows...)
	return nil
}

func (s *SnapshotRecorder) Paths() []string { return nil }

// Rows returns the rows appended for kind.
func (s *SnapshotRecorder) Rows(kind harvest.SnapshotKind) []harvest.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]harvest.Row(nil), s.rows[kind]...)
}
