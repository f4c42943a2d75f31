package harvest

import (
	"errors"
	"fmt"
)

// LinkStore is the append-only record of every link ever discovered.
// It is not safe for concurrent writers; the crawler is its only writer.
type LinkStore struct {
	table  Table
	logger Logger
}

func NewLinkStore(table Table, logger Logger) *LinkStore {
	return &LinkStore{table: table, logger: logger}
}

// load returns the persisted rows. A store that has never been written is
// empty; any other load failure is ErrStoreUnreadable.
func (s *LinkStore) load() ([]Row, error) {
	rows, err := s.table.LoadAll()
	if err == nil {
		return rows, nil
	}
	if errors.Is(err, ErrStoreUnreadable) {
		return nil, fmt.Errorf("loading links: %w", err)
	}
	exists, existsErr := s.table.Exists()
	if existsErr != nil {
		return nil, fmt.Errorf("%w: checking links table: %w", ErrStoreUnreadable, existsErr)
	}
	if !exists {
		s.logger.Info("links table not found, starting empty")
		return nil, nil
	}
	return nil, fmt.Errorf("%w: loading links: %w", ErrStoreUnreadable, err)
}

// Keys returns the persisted link URLs in append order.
func (s *LinkStore) Keys() ([]string, error) {
	rows, err := s.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		if u := row[LinkSchema.Key]; u != "" {
			keys = append(keys, u)
		}
	}
	return keys, nil
}

// Records returns every persisted link in append order.
func (s *LinkStore) Records() ([]LinkRecord, error) {
	rows, err := s.load()
	if err != nil {
		return nil, err
	}
	records := make([]LinkRecord, 0, len(rows))
	for _, row := range rows {
		if row[LinkSchema.Key] == "" {
			continue
		}
		records = append(records, LinkFromRow(row))
	}
	return records, nil
}

// FilterNew returns the candidates that are not yet persisted, in candidate
// order and without repeats.
func (s *LinkStore) FilterNew(candidates []string) ([]string, error) {
	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		known[k] = struct{}{}
	}

	var fresh []string
	for _, c := range candidates {
		if _, ok := known[c]; ok {
			continue
		}
		known[c] = struct{}{}
		fresh = append(fresh, c)
	}
	return fresh, nil
}

// Append persists links that FilterNew reported as unseen. Callers must not
// submit links that are already stored.
func (s *LinkStore) Append(links []LinkRecord) error {
	if len(links) == 0 {
		return nil
	}
	rows := make([]Row, len(links))
	for i, l := range links {
		rows[i] = l.Row()
	}
	if err := s.table.AppendRows(rows); err != nil {
		return fmt.Errorf("appending %d links: %w", len(links), err)
	}
	return nil
}
