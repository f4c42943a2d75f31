package testutil

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	"harvest-go/internal/harvest"
)

// MockFilesystem is an in-memory harvest.Filesystem. Safe for concurrent use.
type MockFilesystem struct {
	mu     sync.Mutex
	files  map[string][]byte
	writes map[string]int
}

var _ harvest.Filesystem = (*MockFilesystem)(nil)

// NewMockFilesystem creates an empty mock filesystem.
func NewMockFilesystem() *MockFilesystem {
	return &MockFilesystem{
		files:  make(map[string][]byte),
		writes: make(map[string]int),
	}
}

// AddFile adds a file to the mock filesystem.
func (m *MockFilesystem) AddFile(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append([]byte(nil), content...)
}

// Content returns the content at path and whether it exists.
func (m *MockFilesystem) Content(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	return data, ok
}

// Writes returns how many times WriteFile targeted path.
func (m *MockFilesystem) Writes(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[path]
}

// Paths returns every stored path, sorted.
func (m *MockFilesystem) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (m *MockFilesystem) Size(path string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return 0, false, nil
	}
	return int64(len(data)), true, nil
}

// WriteFile buffers r fully before storing, so a failed read never leaves
// partial content at path.
func (m *MockFilesystem) WriteFile(path string, r io.Reader) (int64, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, r)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes[path]++
	if err != nil {
		return n, fmt.Errorf("writing %s: %w", path, err)
	}
	m.files[path] = buf.Bytes()
	return n, nil
}

func (m *MockFilesystem) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
	return nil
}
