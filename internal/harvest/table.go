package harvest

import "time"

// Table is a fixed-schema record store keyed by one column.
// Implementations are single-writer: callers must not invoke mutating
// methods concurrently.
type Table interface {
	// Schema returns the table's fixed column layout.
	Schema() Schema

	// Exists reports whether the table has ever been created.
	// A load failure on a table that does not exist yet is a first run;
	// a load failure on one that does must not be treated as empty.
	Exists() (bool, error)

	// LoadAll returns every row in insertion order, normalized to the schema.
	LoadAll() ([]Row, error)

	// AppendRows adds rows to the end of the table. Callers guarantee the
	// rows' keys are not already present.
	AppendRows(rows []Row) error

	// UpsertRow replaces the row with the given key in place, or appends it
	// when no such row exists.
	UpsertRow(key string, row Row) error
}

// KeyLookup is implemented by index-backed tables that can fetch a single
// row without scanning. Returns nil, nil when the key is absent.
type KeyLookup interface {
	Lookup(key string) (Row, error)
}

// SnapshotKind names a dated snapshot file.
type SnapshotKind string

const (
	SnapshotNew     SnapshotKind = "new"
	SnapshotChanged SnapshotKind = "changed"
)

// SnapshotWriter appends records to dated audit/export files.
type SnapshotWriter interface {
	// Append adds rows to the snapshot of the given kind for the current day.
	Append(kind SnapshotKind, rows []Row) error

	// Paths returns the snapshot files written through this writer.
	Paths() []string
}

// RunRecord is one recorded harvest run.
type RunRecord struct {
	ID         int64
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is in progress
	Status     string
	Summary    RunSummary
}

// RunDatabase records run history.
type RunDatabase interface {
	// CreateRun records the start of a run and returns its sequence number.
	CreateRun(runID string, startedAt time.Time) (int64, error)

	// FinishRun stores the final status and tally of a run.
	FinishRun(id int64, status string, finishedAt time.Time, summary *RunSummary) error

	// ListRuns returns the most recent runs, newest first.
	ListRuns(limit int) ([]*RunRecord, error)

	// BackupTo writes a consistent copy of the database to destPath.
	BackupTo(destPath string) error

	// Close closes the database connection.
	Close() error
}
