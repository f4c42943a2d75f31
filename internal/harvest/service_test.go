package harvest_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"harvest-go/internal/extract"
	"harvest-go/internal/harvest"
	"harvest-go/internal/testutil"
)

// recordingMedia is a MediaDownloader that records requests and reports
// every URL as downloaded.
type recordingMedia struct {
	mu    sync.Mutex
	calls map[string][]string
}

func (m *recordingMedia) DownloadAll(_ context.Context, profileID string, urls []string) harvest.DownloadSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string][]string)
	}
	m.calls[profileID] = urls
	return harvest.DownloadSummary{Succeeded: len(urls)}
}

type serviceFixture struct {
	fetcher  *testutil.StubFetcher
	links    *harvest.LinkStore
	details  harvest.Table
	snaps    *testutil.SnapshotRecorder
	media    *recordingMedia
	throttle *testutil.CountingThrottle
}

func newServiceFixture() *serviceFixture {
	return &serviceFixture{
		fetcher:  testutil.NewStubFetcher(),
		links:    harvest.NewLinkStore(testutil.NewMemoryTable(harvest.LinkSchema), harvest.NewNopLogger()),
		details:  testutil.NewMemoryTable(harvest.DetailSchema),
		snaps:    testutil.NewSnapshotRecorder(),
		media:    &recordingMedia{},
		throttle: &testutil.CountingThrottle{},
	}
}

func (f *serviceFixture) service(scope harvest.DetailScope) *harvest.HarvestService {
	logger := harvest.NewNopLogger()
	clock := testutil.FixedClock()
	crawler := harvest.NewCrawler(
		f.fetcher,
		extract.NewListingParser(extract.ListingSelectors{}),
		f.throttle,
		f.links,
		clock,
		logger,
		harvest.CrawlOptions{MaxEmptyPages: 3, MaxPageRetries: 1},
	)
	return harvest.NewHarvestService(
		crawler,
		f.fetcher,
		extract.NewDetailExtractor(extract.DetailSelectors{}),
		f.throttle,
		harvest.NewReconciler(f.details, f.snaps, logger),
		f.media,
		clock,
		logger,
		[]harvest.Section{{Name: "women", URL: sectionURL}},
		scope,
	)
}

// scriptSite serves one listing page with details 1 and 2. Detail 1 is a
// full page with two images; detail 2 lacks the content container.
func (f *serviceFixture) scriptSite(price string) {
	f.fetcher.SetBody(sectionURL, listingWith(1, 2))
	f.fetcher.SetBody(harvest.PageURL(sectionURL, 2), testutil.NoResultsHTML())
	f.fetcher.SetBody(detailURL(1), testutil.DetailHTML(testutil.DetailFixture{
		Title:       "Ad one",
		Description: "Bright room",
		Price:       price,
		Images:      []string{"/uploads/1a.jpg", "/uploads/1b.png"},
	}))
	f.fetcher.SetBody(detailURL(2), "<html><body>removed</body></html>")
}

func TestHarvestService_Run(t *testing.T) {
	t.Run("first run classifies, skips and downloads", func(t *testing.T) {
		f := newServiceFixture()
		f.scriptSite("100")

		summary, err := f.service(harvest.ScopeSeen).Run(context.Background(), "run-1")
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		if summary.RunID != "run-1" {
			t.Errorf("RunID = %q, want run-1", summary.RunID)
		}
		if summary.LinksNew != 2 || summary.New != 1 || summary.Skipped != 1 {
			t.Errorf("summary = %+v, want LinksNew 2, New 1, Skipped 1", summary)
		}
		if summary.Media.Succeeded != 2 {
			t.Errorf("Media.Succeeded = %d, want 2", summary.Media.Succeeded)
		}
		if got := f.media.calls["1"]; len(got) != 2 || got[0] != "https://example.com/uploads/1a.jpg" {
			t.Errorf("media for profile 1 = %v", got)
		}
		// 2 listing pages + 2 detail pages
		if f.throttle.Waits() != 4 {
			t.Errorf("throttle waits = %d, want 4", f.throttle.Waits())
		}

		rows, _ := f.details.LoadAll()
		if len(rows) != 1 || rows[0]["title"] != "Ad one" || rows[0]["section"] != "women" {
			t.Errorf("details rows = %v", rows)
		}
	})

	t.Run("re-run of unchanged origin writes nothing new", func(t *testing.T) {
		f := newServiceFixture()
		f.scriptSite("100")
		svc := f.service(harvest.ScopeSeen)
		if _, err := svc.Run(context.Background(), "run-1"); err != nil {
			t.Fatalf("first Run() error = %v", err)
		}

		summary, err := svc.Run(context.Background(), "run-2")
		if err != nil {
			t.Fatalf("second Run() error = %v", err)
		}
		if summary.LinksNew != 0 || summary.New != 0 || summary.Changed != 0 || summary.Unchanged != 1 {
			t.Errorf("summary = %+v, want only one unchanged", summary)
		}
		if n := len(f.snaps.Rows(harvest.SnapshotNew)); n != 1 {
			t.Errorf("new snapshot rows = %d, want 1", n)
		}
	})

	t.Run("changed price is detected on re-run", func(t *testing.T) {
		f := newServiceFixture()
		f.scriptSite("100")
		if _, err := f.service(harvest.ScopeSeen).Run(context.Background(), "run-1"); err != nil {
			t.Fatalf("first Run() error = %v", err)
		}

		f.scriptSite("150")
		summary, err := f.service(harvest.ScopeSeen).Run(context.Background(), "run-2")
		if err != nil {
			t.Fatalf("second Run() error = %v", err)
		}
		if summary.Changed != 1 {
			t.Errorf("Changed = %d, want 1", summary.Changed)
		}
		rows, _ := f.details.LoadAll()
		if len(rows) != 1 || rows[0][harvest.FieldPrice] != "150" {
			t.Errorf("details rows = %v, want a single row priced 150", rows)
		}
	})

	t.Run("unresolved scope fetches only links without details", func(t *testing.T) {
		f := newServiceFixture()
		f.scriptSite("100")
		if _, err := f.service(harvest.ScopeSeen).Run(context.Background(), "run-1"); err != nil {
			t.Fatalf("first Run() error = %v", err)
		}
		before := f.fetcher.CallCount(detailURL(1))

		if _, err := f.service(harvest.ScopeUnresolved).Run(context.Background(), "run-2"); err != nil {
			t.Fatalf("second Run() error = %v", err)
		}
		if got := f.fetcher.CallCount(detailURL(1)); got != before {
			t.Errorf("resolved detail fetched again: %d calls, want %d", got, before)
		}
		if got := f.fetcher.CallCount(detailURL(2)); got != 2 {
			t.Errorf("unresolved detail fetched %d times, want 2", got)
		}
	})

	t.Run("seen scope includes persisted links never resolved", func(t *testing.T) {
		f := newServiceFixture()
		f.scriptSite("100")
		orphan := detailURL(77)
		if err := f.links.Append(links(orphan)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		f.fetcher.SetBody(orphan, testutil.DetailHTML(testutil.DetailFixture{Title: "Old ad"}))

		summary, err := f.service(harvest.ScopeSeen).Run(context.Background(), "run-1")
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if f.fetcher.CallCount(orphan) != 1 || summary.New != 2 {
			t.Errorf("orphan calls = %d, New = %d; want 1, 2", f.fetcher.CallCount(orphan), summary.New)
		}
	})

	t.Run("failed detail fetch is skipped", func(t *testing.T) {
		f := newServiceFixture()
		f.scriptSite("100")
		f.fetcher.Set(detailURL(1), testutil.StubResponse{Err: testutil.TransientError(detailURL(1))})

		summary, err := f.service(harvest.ScopeSeen).Run(context.Background(), "run-1")
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if summary.Skipped != 2 || summary.New != 0 {
			t.Errorf("Skipped = %d, New = %d; want 2, 0", summary.Skipped, summary.New)
		}
	})

	t.Run("downgraded fetches are counted", func(t *testing.T) {
		f := newServiceFixture()
		f.scriptSite("100")
		f.fetcher.Set(detailURL(1), testutil.StubResponse{
			Body:  testutil.DetailHTML(testutil.DetailFixture{Title: "Ad one"}),
			Trust: harvest.TrustDowngraded,
		})

		summary, err := f.service(harvest.ScopeSeen).Run(context.Background(), "run-1")
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if summary.Downgraded != 1 || summary.New != 1 {
			t.Errorf("Downgraded = %d, New = %d; want 1, 1", summary.Downgraded, summary.New)
		}
	})

	t.Run("unreadable details table aborts the run", func(t *testing.T) {
		f := newServiceFixture()
		f.scriptSite("100")
		f.details = testutil.NewFailingTable(harvest.DetailSchema, true)

		_, err := f.service(harvest.ScopeSeen).Run(context.Background(), "run-1")
		if !errors.Is(err, harvest.ErrStoreUnreadable) {
			t.Fatalf("Run() error = %v, want ErrStoreUnreadable", err)
		}
	})
}

func TestParseDetailScope(t *testing.T) {
	tests := []struct {
		in      string
		want    harvest.DetailScope
		wantErr bool
	}{
		{"", harvest.ScopeSeen, false},
		{"seen", harvest.ScopeSeen, false},
		{"unresolved", harvest.ScopeUnresolved, false},
		{"all", harvest.ScopeAll, false},
		{"everything", "", true},
	}
	for _, tt := range tests {
		got, err := harvest.ParseDetailScope(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDetailScope(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseDetailScope(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
