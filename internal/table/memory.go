// Package table implements the file-backed and in-memory record tables.
package table

import (
	"fmt"
	"sync"

	"harvest-go/internal/harvest"
)

// MemoryTable is an in-memory harvest.Table. It does not exist until the
// first write. Safe for concurrent use.
type MemoryTable struct {
	mu     sync.Mutex
	schema harvest.Schema
	rows   []harvest.Row
	index  map[string]int
	exists bool
}

var _ harvest.Table = (*MemoryTable)(nil)

func NewMemoryTable(schema harvest.Schema) *MemoryTable {
	return &MemoryTable{schema: schema, index: make(map[string]int)}
}

func (m *MemoryTable) Schema() harvest.Schema { return m.schema }

func (m *MemoryTable) Exists() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exists, nil
}

func (m *MemoryTable) LoadAll() ([]harvest.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]harvest.Row, len(m.rows))
	for i, r := range m.rows {
		out[i] = m.schema.Normalize(r)
	}
	return out, nil
}

func (m *MemoryTable) AppendRows(rows []harvest.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		key := r[m.schema.Key]
		if _, dup := m.index[key]; dup {
			return fmt.Errorf("appending to %s: key %q already present", m.schema.Name, key)
		}
	}
	for _, r := range rows {
		m.index[r[m.schema.Key]] = len(m.rows)
		m.rows = append(m.rows, m.schema.Normalize(r))
	}
	m.exists = true
	return nil
}

func (m *MemoryTable) UpsertRow(key string, row harvest.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row = m.schema.Normalize(row)
	row[m.schema.Key] = key
	if i, ok := m.index[key]; ok {
		m.rows[i] = row
	} else {
		m.index[key] = len(m.rows)
		m.rows = append(m.rows, row)
	}
	m.exists = true
	return nil
}

// Len returns the number of stored rows.
func (m *MemoryTable) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
