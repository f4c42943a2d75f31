// Package database implements the SQLite run database and the
// index-backed record tables stored in it.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"harvest-go/internal/database/migrations"
	"harvest-go/internal/harvest"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase holds the links, details and runs tables in one SQLite file.
type SQLiteDatabase struct {
	db     *sql.DB
	path   string
	logger harvest.Logger
}

// NewSQLiteDatabase opens the database at path, creating it if needed, and
// applies pending migrations. path can be ":memory:".
func NewSQLiteDatabase(path string, logger harvest.Logger) (*SQLiteDatabase, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	s := NewSQLiteDatabaseFromDB(db, logger)
	s.path = path
	return s, nil
}

// NewSQLiteDatabaseFromDB wraps an existing database connection.
// The caller is responsible for ensuring the schema is in place.
func NewSQLiteDatabaseFromDB(db *sql.DB, logger harvest.Logger) *SQLiteDatabase {
	if logger == nil {
		logger = harvest.NewNopLogger()
	}
	return &SQLiteDatabase{db: db, logger: logger}
}

// OpenConnection opens and configures a SQLite connection.
// Exported for tools and tests that need a properly configured connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every pooled connection to ":memory:" would be a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return db, nil
}

// Table returns the SQLite-backed table for schema. The schema's name must
// be one of the migrated tables.
func (s *SQLiteDatabase) Table(schema harvest.Schema) *SQLiteTable {
	return &SQLiteTable{db: s.db, schema: schema}
}

// Run history

func (s *SQLiteDatabase) CreateRun(runID string, startedAt time.Time) (int64, error) {
	res, err := s.db.Exec(
		"INSERT INTO runs (run_id, started_at, status) VALUES (?, ?, 'running')",
		runID, startedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("creating run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("creating run: %w", err)
	}
	return id, nil
}

func (s *SQLiteDatabase) FinishRun(id int64, status string, finishedAt time.Time, summary *harvest.RunSummary) error {
	if summary == nil {
		summary = &harvest.RunSummary{}
	}
	res, err := s.db.Exec(`
		UPDATE runs SET
			finished_at = ?, status = ?,
			pages = ?, links_found = ?, links_new = ?, abandoned = ?, details = ?,
			records_new = ?, records_changed = ?, records_unchanged = ?,
			skipped = ?, downgraded = ?,
			media_ok = ?, media_skipped = ?, media_failed = ?, media_timed_out = ?
		WHERE id = ?`,
		finishedAt.UTC(), status,
		summary.Pages, summary.LinksFound, summary.LinksNew, summary.Abandoned, summary.Details,
		summary.New, summary.Changed, summary.Unchanged,
		summary.Skipped, summary.Downgraded,
		summary.Media.Succeeded, summary.Media.Skipped, summary.Media.Failed, summary.Media.TimedOut,
		id)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing run: no run with id %d", id)
	}
	return nil
}

func (s *SQLiteDatabase) ListRuns(limit int) ([]*harvest.RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, started_at, finished_at, status,
			pages, links_found, links_new, abandoned, details,
			records_new, records_changed, records_unchanged, skipped, downgraded,
			media_ok, media_skipped, media_failed, media_timed_out
		FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*harvest.RunRecord
	for rows.Next() {
		var (
			r        harvest.RunRecord
			finished sql.NullTime
			sum      = &r.Summary
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.StartedAt, &finished, &r.Status,
			&sum.Pages, &sum.LinksFound, &sum.LinksNew, &sum.Abandoned, &sum.Details,
			&sum.New, &sum.Changed, &sum.Unchanged, &sum.Skipped, &sum.Downgraded,
			&sum.Media.Succeeded, &sum.Media.Skipped, &sum.Media.Failed, &sum.Media.TimedOut,
		); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		sum.RunID = r.RunID
		runs = append(runs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.Status(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
// destPath must not exist.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteDatabase implements harvest.RunDatabase interface
var _ harvest.RunDatabase = (*SQLiteDatabase)(nil)

// SQLiteTable is a harvest.Table stored in a migrated SQLite table whose
// primary key is the schema's key column.
type SQLiteTable struct {
	db     *sql.DB
	schema harvest.Schema
}

var (
	_ harvest.Table     = (*SQLiteTable)(nil)
	_ harvest.KeyLookup = (*SQLiteTable)(nil)
)

func (t *SQLiteTable) Schema() harvest.Schema { return t.schema }

func (t *SQLiteTable) Exists() (bool, error) {
	var name string
	err := t.db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", t.schema.Name).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking table %s: %w", t.schema.Name, err)
	}
	return true, nil
}

func (t *SQLiteTable) columnList() string {
	return strings.Join(t.schema.Columns, ", ")
}

func (t *SQLiteTable) LoadAll() ([]harvest.Row, error) {
	rows, err := t.db.Query(fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid", t.columnList(), t.schema.Name))
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", t.schema.Name, err)
	}
	defer rows.Close()

	var out []harvest.Row
	for rows.Next() {
		row, err := t.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading %s: %w", t.schema.Name, err)
	}
	return out, nil
}

// Lookup returns the row with the given key, or nil when absent.
func (t *SQLiteTable) Lookup(key string) (harvest.Row, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", t.columnList(), t.schema.Name, t.schema.Key)
	rows, err := t.db.Query(query, key)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", t.schema.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("looking up %s: %w", t.schema.Name, err)
		}
		return nil, nil // Not found
	}
	return t.scan(rows)
}

func (t *SQLiteTable) scan(rows *sql.Rows) (harvest.Row, error) {
	values := make([]string, len(t.schema.Columns))
	ptrs := make([]any, len(values))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scanning %s row: %w", t.schema.Name, err)
	}
	return t.schema.RowFromValues(t.schema.Columns, values), nil
}

func (t *SQLiteTable) placeholders() string {
	return strings.TrimSuffix(strings.Repeat("?, ", len(t.schema.Columns)), ", ")
}

func (t *SQLiteTable) args(row harvest.Row) []any {
	values := t.schema.Values(row)
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// AppendRows inserts rows in one transaction; either all are stored or none.
func (t *SQLiteTable) AppendRows(rows []harvest.Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := t.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("appending to %s: %w", t.schema.Name, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.schema.Name, t.columnList(), t.placeholders()))
	if err != nil {
		return fmt.Errorf("appending to %s: %w", t.schema.Name, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.Exec(t.args(row)...); err != nil {
			return fmt.Errorf("appending %s to %s: %w", row[t.schema.Key], t.schema.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("appending to %s: %w", t.schema.Name, err)
	}
	return nil
}

// UpsertRow replaces the row's columns in place, keeping its position.
func (t *SQLiteTable) UpsertRow(key string, row harvest.Row) error {
	row = t.schema.Normalize(row)
	row[t.schema.Key] = key

	var updates []string
	for _, col := range t.schema.Columns {
		if col != t.schema.Key {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
		}
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		t.schema.Name, t.columnList(), t.placeholders(), t.schema.Key, strings.Join(updates, ", "))
	if _, err := t.db.Exec(query, t.args(row)...); err != nil {
		return fmt.Errorf("upserting %s into %s: %w", key, t.schema.Name, err)
	}
	return nil
}
