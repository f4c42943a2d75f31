package table

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"harvest-go/internal/fs"
	"harvest-go/internal/harvest"
)

// DefaultSheet is the worksheet used when none is configured.
const DefaultSheet = "Sheet1"

// XLSXTable stores a table in one worksheet of an Excel workbook, header
// in row 1. Every write rebuilds the workbook and replaces the file
// atomically.
type XLSXTable struct {
	path   string
	sheet  string
	schema harvest.Schema
}

var _ harvest.Table = (*XLSXTable)(nil)

func NewXLSXTable(path, sheet string, schema harvest.Schema) *XLSXTable {
	if sheet == "" {
		sheet = DefaultSheet
	}
	return &XLSXTable{path: path, sheet: sheet, schema: schema}
}

func (t *XLSXTable) Schema() harvest.Schema { return t.schema }

// Path returns the backing file path.
func (t *XLSXTable) Path() string { return t.path }

func (t *XLSXTable) Exists() (bool, error) {
	return fileExists(t.path)
}

// LoadAll reads every row. A missing file loads as an empty table.
func (t *XLSXTable) LoadAll() ([]harvest.Row, error) {
	ok, err := fileExists(t.path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	f, err := excelize.OpenFile(t.path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", t.path, err)
	}
	defer f.Close()

	records, err := f.GetRows(t.sheet)
	if err != nil {
		return nil, fmt.Errorf("reading sheet %s of %s: %w", t.sheet, t.path, err)
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
		if isBlank(rec) {
			continue
		}
		rows = append(rows, t.schema.RowFromValues(header, rec))
	}
	return rows, nil
}

func (t *XLSXTable) AppendRows(rows []harvest.Row) error {
	if len(rows) == 0 {
		return nil
	}
	existing, err := t.LoadAll()
	if err != nil {
		return err
	}
	return t.write(append(existing, rows...))
}

func (t *XLSXTable) UpsertRow(key string, row harvest.Row) error {
	rows, err := t.LoadAll()
	if err != nil {
		return err
	}
	return t.write(upsert(t.schema, rows, key, row))
}

func (t *XLSXTable) write(rows []harvest.Row) error {
	f := excelize.NewFile()
	defer f.Close()

	if t.sheet != DefaultSheet {
		if err := f.SetSheetName(DefaultSheet, t.sheet); err != nil {
			return fmt.Errorf("naming sheet: %w", err)
		}
	}

	header := t.schema.Columns
	if err := f.SetSheetRow(t.sheet, "A1", &header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := t.schema.Values(row)
		if err := f.SetSheetRow(t.sheet, cell, &values); err != nil {
			return fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
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

// checkHeader rejects a file with content whose header has no key column,
// directly or through a legacy alias. Rewriting such a file would blank
// every key.
func checkHeader(path string, schema harvest.Schema, records [][]string) error {
	if schema.HasKey(records[0]) {
		return nil
	}
	for _, rec := range records {
		if !isBlank(rec) {
			return fmt.Errorf("%w: %s has no %s column in header %q",
				harvest.ErrStoreUnreadable, path, schema.Key, records[0])
		}
	}
	return nil
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if v != "" {
			return false
		}
	}
	return true
}
