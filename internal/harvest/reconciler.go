package harvest

import (
	"errors"
	"fmt"
)

// Reconciler classifies freshly extracted detail records against the
// persisted details table and applies the resulting write.
type Reconciler struct {
	details   Table
	snapshots SnapshotWriter
	logger    Logger
}

func NewReconciler(details Table, snapshots SnapshotWriter, logger Logger) *Reconciler {
	return &Reconciler{details: details, snapshots: snapshots, logger: logger}
}

// Existing returns the persisted record for url, or nil if there is none.
func (r *Reconciler) Existing(url string) (*DetailRecord, error) {
	row, err := r.lookup(url)
	if err != nil || row == nil {
		return nil, err
	}
	rec, err := DetailFromRow(row)
	if err != nil {
		return nil, fmt.Errorf("decoding detail row for %s: %w", url, err)
	}
	return rec, nil
}

func (r *Reconciler) lookup(url string) (Row, error) {
	if kl, ok := r.details.(KeyLookup); ok {
		row, err := kl.Lookup(url)
		if err != nil {
			return nil, fmt.Errorf("%w: looking up %s: %w", ErrStoreUnreadable, url, err)
		}
		return row, nil
	}

	rows, err := r.loadAll()
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row[DetailSchema.Key] == url {
			return row, nil
		}
	}
	return nil, nil
}

func (r *Reconciler) loadAll() ([]Row, error) {
	rows, err := r.details.LoadAll()
	if err == nil {
		return rows, nil
	}
	if errors.Is(err, ErrStoreUnreadable) {
		return nil, fmt.Errorf("loading details: %w", err)
	}
	exists, existsErr := r.details.Exists()
	if existsErr != nil {
		return nil, fmt.Errorf("%w: checking details table: %w", ErrStoreUnreadable, existsErr)
	}
	if !exists {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: loading details: %w", ErrStoreUnreadable, err)
}

// Keys returns the set of URLs that already have a detail row.
func (r *Reconciler) Keys() (map[string]struct{}, error) {
	rows, err := r.loadAll()
	if err != nil {
		return nil, err
	}
	keys := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if u := row[DetailSchema.Key]; u != "" {
			keys[u] = struct{}{}
		}
	}
	return keys, nil
}

// Reconcile compares fresh against the persisted version. It also sets
// fresh.Fingerprint. No write happens here.
func (r *Reconciler) Reconcile(fresh *DetailRecord) (Outcome, error) {
	fresh.Fingerprint = Fingerprint(fresh)

	existing, err := r.Existing(fresh.URL)
	if err != nil {
		return 0, err
	}
	if existing == nil {
		return OutcomeNew, nil
	}
	if SameContent(existing, fresh) {
		return OutcomeUnchanged, nil
	}
	return OutcomeChanged, nil
}

// Persist writes fresh according to outcome. Unchanged records are not written.
func (r *Reconciler) Persist(fresh *DetailRecord, outcome Outcome) error {
	if fresh.Fingerprint == "" {
		fresh.Fingerprint = Fingerprint(fresh)
	}
	row := DetailSchema.Normalize(fresh.Row())

	switch outcome {
	case OutcomeNew:
		if err := r.details.AppendRows([]Row{row}); err != nil {
			return fmt.Errorf("appending detail %s: %w", fresh.URL, err)
		}
		return r.snapshot(SnapshotNew, row)
	case OutcomeChanged:
		if err := r.details.UpsertRow(fresh.URL, row); err != nil {
			return fmt.Errorf("replacing detail %s: %w", fresh.URL, err)
		}
		return r.snapshot(SnapshotChanged, row)
	default:
		return nil
	}
}

func (r *Reconciler) snapshot(kind SnapshotKind, row Row) error {
	if r.snapshots == nil {
		return nil
	}
	if err := r.snapshots.Append(kind, []Row{row}); err != nil {
		return fmt.Errorf("writing %s snapshot: %w", kind, err)
	}
	return nil
}

// Apply reconciles and persists fresh in one step.
func (r *Reconciler) Apply(fresh *DetailRecord) (Outcome, error) {
	outcome, err := r.Reconcile(fresh)
	if err != nil {
		return 0, err
	}
	if err := r.Persist(fresh, outcome); err != nil {
		return 0, err
	}
	r.logger.Debug("record reconciled", "url", fresh.URL, "outcome", outcome)
	return outcome, nil
}
