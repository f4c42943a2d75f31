package harvest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Row is one persisted table row, keyed by column name.
type Row map[string]string

// Schema describes a fixed-column table. Every row written to or loaded from
// a table carries exactly these columns; absent values are empty strings.
type Schema struct {
	Name    string
	Key     string
	Columns []string

	// Aliases maps legacy header names to schema columns. An alias is only
	// read when the header lacks the column itself.
	Aliases map[string]string
}

// Normalize returns a copy of row holding exactly the schema's columns.
func (s Schema) Normalize(row Row) Row {
	out := make(Row, len(s.Columns))
	for _, col := range s.Columns {
		out[col] = row[col]
	}
	return out
}

// Values returns row's values in column order.
func (s Schema) Values(row Row) []string {
	values := make([]string, len(s.Columns))
	for i, col := range s.Columns {
		values[i] = row[col]
	}
	return values
}

// columnIndex returns the header position of every schema column present in
// header, directly or through an alias.
func (s Schema) columnIndex(header []string) map[string]int {
	byName := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if _, dup := byName[h]; !dup {
			byName[h] = i
		}
	}
	index := make(map[string]int, len(s.Columns))
	for _, col := range s.Columns {
		if i, ok := byName[col]; ok {
			index[col] = i
		}
	}
	for alias, col := range s.Aliases {
		if _, ok := index[col]; ok {
			continue
		}
		if i, ok := byName[alias]; ok {
			index[col] = i
		}
	}
	return index
}

// HasKey reports whether header carries the key column, directly or
// through an alias.
func (s Schema) HasKey(header []string) bool {
	_, ok := s.columnIndex(header)[s.Key]
	return ok
}

// RowFromValues builds a row from a header and a matching record.
// Legacy header names are read through Aliases. Other header columns
// outside the schema are dropped; schema columns missing from the header
// are left empty.
func (s Schema) RowFromValues(header, values []string) Row {
	index := s.columnIndex(header)
	row := make(Row, len(s.Columns))
	for _, col := range s.Columns {
		row[col] = ""
		if i, ok := index[col]; ok && i < len(values) {
			row[col] = values[i]
		}
	}
	return row
}

// HasColumn reports whether col is part of the schema.
func (s Schema) HasColumn(col string) bool {
	for _, c := range s.Columns {
		if c == col {
			return true
		}
	}
	return false
}

// LinkSchema is the fixed layout of the links table.
var LinkSchema = Schema{
	Name:    "links",
	Key:     "url",
	Columns: []string{"url", "section", "page_number", "title", "first_seen_at"},
	Aliases: map[string]string{
		"profile_url": "url",
		"base_url":    "section",
		"scrape_date": "first_seen_at",
	},
}

// DetailSchema is the fixed layout of the details table and the dated snapshots.
var DetailSchema = Schema{
	Name: "details",
	Key:  "url",
	Columns: append(append([]string{"url", "section", "title"}, DetailFields...),
		"images", "image_count", "scraped_at", "fingerprint"),
	Aliases: map[string]string{
		"profile_url": "url",
		"scrape_date": "scraped_at",
	},
}

// mediaSeparator joins media URLs into a single column value.
const mediaSeparator = "|"

// Row converts the link to a LinkSchema row.
func (l LinkRecord) Row() Row {
	return Row{
		"url":           l.URL,
		"section":       l.Section,
		"page_number":   strconv.Itoa(l.PageNumber),
		"title":         l.Title,
		"first_seen_at": formatTime(l.FirstSeenAt),
	}
}

// LinkFromRow parses a LinkSchema row. Malformed page numbers or timestamps
// from historical files are tolerated and left zero.
func LinkFromRow(row Row) LinkRecord {
	page, _ := strconv.Atoi(strings.TrimSpace(row["page_number"]))
	return LinkRecord{
		URL:         row["url"],
		Section:     row["section"],
		PageNumber:  page,
		Title:       row["title"],
		FirstSeenAt: parseTime(row["first_seen_at"]),
	}
}

// Row converts the record to a DetailSchema row.
func (r *DetailRecord) Row() Row {
	row := Row{
		"url":         r.URL,
		"section":     r.Section,
		"title":       r.Title,
		"images":      strings.Join(r.MediaURLs, mediaSeparator),
		"image_count": strconv.Itoa(len(r.MediaURLs)),
		"scraped_at":  formatTime(r.ScrapedAt),
		"fingerprint": r.Fingerprint,
	}
	for _, f := range DetailFields {
		row[f] = r.Field(f)
	}
	return row
}

// DetailFromRow parses a DetailSchema row.
func DetailFromRow(row Row) (*DetailRecord, error) {
	if row["url"] == "" {
		return nil, fmt.Errorf("detail row has no url")
	}
	fields := make(map[string]string, len(DetailFields))
	for _, f := range DetailFields {
		fields[f] = row[f]
	}
	return &DetailRecord{
		URL:         row["url"],
		Section:     row["section"],
		Title:       row["title"],
		ScrapedAt:   parseTime(row["scraped_at"]),
		Fields:      fields,
		MediaURLs:   splitMedia(row["images"]),
		Fingerprint: row["fingerprint"],
	}, nil
}

// splitMedia parses an images column. Besides the joined form it accepts
// the list literal older files hold, e.g. ['https://a/1.jpg', 'https://a/2.jpg'].
func splitMedia(s string) []string {
	s = strings.TrimSpace(s)
	sep := mediaSeparator
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		s = s[1 : len(s)-1]
		sep = ","
	}
	var urls []string
	for _, part := range strings.Split(s, sep) {
		part = strings.Trim(strings.TrimSpace(part), `'"`)
		if part != "" {
			urls = append(urls, part)
		}
	}
	return urls
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TimeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(s), time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}
