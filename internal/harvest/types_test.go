package harvest_test

import (
	"testing"
	"time"

	"harvest-go/internal/harvest"
	"harvest-go/internal/testutil"
)

func TestProfileID(t *testing.T) {
	hashed := "https://example.com/ads/details/blue-sofa"
	tests := []struct {
		url  string
		want string
	}{
		{"https://example.com/ads/details/4711", "4711"},
		{"https://example.com/ads/details/4711/blue-sofa", "4711"},
		{"https://example.com/ads/details/4711/", "4711"},
		{hashed, testutil.SHA256Hex([]byte(hashed))[:16]},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got := harvest.ProfileID(tt.url)
			if got != tt.want {
				t.Errorf("ProfileID() = %q, want %q", got, tt.want)
			}
			if again := harvest.ProfileID(tt.url); again != got {
				t.Errorf("ProfileID() not deterministic: %q then %q", got, again)
			}
		})
	}
}

func TestDetailRecord_RowRoundTrip(t *testing.T) {
	scraped := time.Date(2024, 1, 15, 10, 30, 0, 0, time.Local)
	rec := &harvest.DetailRecord{
		URL:       "https://example.com/ads/details/1",
		Section:   "women",
		Title:     "Title",
		ScrapedAt: scraped,
		Fields:    map[string]string{harvest.FieldPrice: "100"},
		MediaURLs: []string{"https://example.com/uploads/1.jpg", "https://example.com/uploads/2.jpg"},
	}
	row := rec.Row()

	for _, col := range harvest.DetailSchema.Columns {
		if _, ok := row[col]; !ok {
			t.Errorf("row missing column %s", col)
		}
	}
	if row["image_count"] != "2" {
		t.Errorf("image_count = %q, want 2", row["image_count"])
	}

	back, err := harvest.DetailFromRow(row)
	if err != nil {
		t.Fatalf("DetailFromRow() error = %v", err)
	}
	if !harvest.SameContent(rec, back) {
		t.Errorf("round trip changed content: %+v", back)
	}
	if !back.ScrapedAt.Equal(scraped) {
		t.Errorf("ScrapedAt = %v, want %v", back.ScrapedAt, scraped)
	}

	if _, err := harvest.DetailFromRow(harvest.Row{"title": "x"}); err == nil {
		t.Error("DetailFromRow() without url should fail")
	}
}

func TestSchema_RowFromValues(t *testing.T) {
	header := []string{"title", "url", "legacy_column"}
	row := harvest.LinkSchema.RowFromValues(header, []string{"A", "https://x/1", "junk"})

	if len(row) != len(harvest.LinkSchema.Columns) {
		t.Errorf("row has %d columns, want %d", len(row), len(harvest.LinkSchema.Columns))
	}
	if row["url"] != "https://x/1" || row["title"] != "A" {
		t.Errorf("row = %v", row)
	}
	if v, ok := row["first_seen_at"]; !ok || v != "" {
		t.Errorf("first_seen_at = %q, %v; want present and empty", v, ok)
	}
	if _, ok := row["legacy_column"]; ok {
		t.Error("columns outside the schema must be dropped")
	}
}

func TestSchema_LegacyAliases(t *testing.T) {
	tests := []struct {
		name    string
		schema  harvest.Schema
		header  []string
		values  []string
		want    map[string]string
		wantKey bool
	}{
		{
			name:    "links file",
			schema:  harvest.LinkSchema,
			header:  []string{"profile_url", "base_url", "page_number", "scrape_date"},
			values:  []string{"https://x/1", "https://x/ads/3", "4", "2024-01-10 08:30:00"},
			want:    map[string]string{"url": "https://x/1", "section": "https://x/ads/3", "page_number": "4", "first_seen_at": "2024-01-10 08:30:00"},
			wantKey: true,
		},
		{
			name:    "details file",
			schema:  harvest.DetailSchema,
			header:  []string{"profile_url", "title", "scrape_date"},
			values:  []string{"https://x/1", "A", "2024-01-10 08:30:00"},
			want:    map[string]string{"url": "https://x/1", "title": "A", "scraped_at": "2024-01-10 08:30:00"},
			wantKey: true,
		},
		{
			name:    "current column wins over alias",
			schema:  harvest.LinkSchema,
			header:  []string{"profile_url", "url"},
			values:  []string{"https://old/1", "https://new/1"},
			want:    map[string]string{"url": "https://new/1"},
			wantKey: true,
		},
		{
			name:   "no key column",
			schema: harvest.DetailSchema,
			header: []string{"title", "base_url"},
			values: []string{"A", "https://x/ads/3"},
			want:   map[string]string{"url": "", "title": "A", "section": ""},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.schema.HasKey(tt.header); got != tt.wantKey {
				t.Errorf("HasKey() = %v, want %v", got, tt.wantKey)
			}
			row := tt.schema.RowFromValues(tt.header, tt.values)
			for col, want := range tt.want {
				if row[col] != want {
					t.Errorf("%s = %q, want %q", col, row[col], want)
				}
			}
			for _, alias := range tt.header {
				if _, ok := tt.schema.Aliases[alias]; ok {
					if _, kept := row[alias]; kept {
						t.Errorf("alias %s kept as a column", alias)
					}
				}
			}
		})
	}
}
