package table

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"harvest-go/internal/fs"
	"harvest-go/internal/harvest"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// CSVTable stores a table as a CSV file with a header row. Files are read
// as UTF-8, falling back to Windows-1252 and then ISO-8859-1 for files
// written by other tools, and always written back as UTF-8. Every write
// rewrites the whole file atomically.
type CSVTable struct {
	path   string
	schema harvest.Schema
}

var _ harvest.Table = (*CSVTable)(nil)

func NewCSVTable(path string, schema harvest.Schema) *CSVTable {
	return &CSVTable{path: path, schema: schema}
}

func (t *CSVTable) Schema() harvest.Schema { return t.schema }

// Path returns the backing file path.
func (t *CSVTable) Path() string { return t.path }

func (t *CSVTable) Exists() (bool, error) {
	return fileExists(t.path)
}

// LoadAll reads every row. A missing file loads as an empty table.
func (t *CSVTable) LoadAll() ([]harvest.Row, error) {
	data, err := os.ReadFile(t.path)
	if errors.Is(err, iofs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", t.path, err)
	}

	text, err := DecodeText(data)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", t.path, err)
	}
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", t.path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	if err := checkHeader(t.path, t.schema, records); err != nil {
		return nil, err
	}
	rows := make([]harvest.Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		rows = append(rows, t.schema.RowFromValues(header, rec))
	}
	return rows, nil
}

func (t *CSVTable) AppendRows(rows []harvest.Row) error {
	if len(rows) == 0 {
		return nil
	}
	existing, err := t.LoadAll()
	if err != nil {
		return err
	}
	return t.write(append(existing, rows...))
}

func (t *CSVTable) UpsertRow(key string, row harvest.Row) error {
	rows, err := t.LoadAll()
	if err != nil {
		return err
	}
	return t.write(upsert(t.schema, rows, key, row))
}

func (t *CSVTable) write(rows []harvest.Row) error {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, t.schema, rows, true); err != nil {
		return fmt.Errorf("encoding %s: %w", t.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if _, err := fs.WriteFileAtomic(t.path, &buf); err != nil {
		return fmt.Errorf("writing %s: %w", t.path, err)
	}
	return nil
}

// WriteCSV encodes rows in schema column order, optionally preceded by a
// header row.
func WriteCSV(buf *bytes.Buffer, schema harvest.Schema, rows []harvest.Row, header bool) error {
	w := csv.NewWriter(buf)
	if header {
		if err := w.Write(schema.Columns); err != nil {
			return err
		}
	}
	for _, row := range rows {
		if err := w.Write(schema.Values(row)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// DecodeText converts file content to a string: UTF-8 (with an optional
// BOM) when valid, otherwise Windows-1252, otherwise ISO-8859-1.
func DecodeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data), nil
	}
	if s, err := charmap.Windows1252.NewDecoder().Bytes(data); err == nil && !bytes.ContainsRune(s, utf8.RuneError) {
		return string(s), nil
	}
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}
	return string(s), nil
}

// upsert replaces the row with key in place, or appends it.
func upsert(schema harvest.Schema, rows []harvest.Row, key string, row harvest.Row) []harvest.Row {
	row = schema.Normalize(row)
	row[schema.Key] = key
	for i, r := range rows {
		if r[schema.Key] == key {
			rows[i] = row
			return rows
		}
	}
	return append(rows, row)
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, iofs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return false, fmt.Errorf("%s is a directory", path)
	}
	return true, nil
}
