package media_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"harvest-go/internal/fetch"
	"harvest-go/internal/harvest"
	"harvest-go/internal/media"
	"harvest-go/internal/testutil"
)

var jpeg = []byte("\xff\xd8\xff\xe0fake-jpeg")

func newTestManager(t *testing.T, attempts, workers int, batch time.Duration) (*media.Manager, *testutil.MockFilesystem) {
	t.Helper()
	return newTestManagerWithLogger(t, attempts, workers, batch, harvest.NewNopLogger())
}

func newTestManagerWithLogger(t *testing.T, attempts, workers int, batch time.Duration, logger harvest.Logger) (*media.Manager, *testutil.MockFilesystem) {
	t.Helper()
	policy := fetch.DefaultPolicy().WithMaxAttempts(attempts)
	policy.ReadTimeout = 2 * time.Second
	fetcher := fetch.New(policy, testutil.FixedClock(), harvest.NewNopLogger())
	fs := testutil.NewMockFilesystem()
	m := media.NewManager(fetcher, fs, media.Options{
		Root:         "/media",
		Workers:      workers,
		BatchTimeout: batch,
		FallbackExt:  "jpg",
	}, logger)
	return m, fs
}

// stallingLogger holds the first Warn call until release returns, keeping
// the caller busy meanwhile.
type stallingLogger struct {
	harvest.NopLogger
	once    sync.Once
	entered chan struct{}
	release func()
}

func (l *stallingLogger) Warn(string, ...any) {
	l.once.Do(func() {
		close(l.entered)
		l.release()
	})
}

func TestManager_DownloadAll(t *testing.T) {
	t.Run("downloads every media file to indexed paths", func(t *testing.T) {
		site := testutil.NewFixtureSite(t)
		site.Set("/uploads/a.jpg", 200, "image/jpeg", jpeg)
		site.Set("/uploads/b.PNG", 200, "image/png", []byte("png-bytes"))
		site.Set("/uploads/c", 200, "image/webp", []byte("webp-bytes"))
		m, fs := newTestManager(t, 3, 5, time.Minute)

		summary := m.DownloadAll(context.Background(), "123",
			[]string{site.Link("/uploads/a.jpg"), site.Link("/uploads/b.PNG"), site.Link("/uploads/c")})

		want := harvest.DownloadSummary{Succeeded: 3}
		if summary != want {
			t.Errorf("summary = %+v, want %+v", summary, want)
		}
		for path, content := range map[string]string{
			"/media/123/0.jpg": string(jpeg),
			"/media/123/1.png": "png-bytes",
			"/media/123/2.jpg": "webp-bytes",
		} {
			got, ok := fs.Content(path)
			if !ok || string(got) != content {
				t.Errorf("%s = %q (present %v), want %q", path, got, ok, content)
			}
		}
	})

	t.Run("existing non-empty files are skipped", func(t *testing.T) {
		site := testutil.NewFixtureSite(t)
		site.Set("/img/0.jpg", 200, "image/jpeg", jpeg)
		site.Set("/img/1.jpg", 200, "image/jpeg", jpeg)
		m, fs := newTestManager(t, 3, 5, time.Minute)
		fs.AddFile("/media/42/0.jpg", []byte("already here"))

		summary := m.DownloadAll(context.Background(), "42",
			[]string{site.Link("/img/0.jpg"), site.Link("/img/1.jpg")})

		if summary.Succeeded != 1 || summary.Skipped != 1 || summary.Failed != 0 {
			t.Errorf("summary = %+v, want 1 succeeded, 1 skipped", summary)
		}
		if site.Hits("/img/0.jpg") != 0 {
			t.Error("present file was downloaded again")
		}
		if site.Hits("/img/1.jpg") != 1 {
			t.Errorf("missing file fetched %d times, want 1", site.Hits("/img/1.jpg"))
		}
		if got, _ := fs.Content("/media/42/0.jpg"); string(got) != "already here" {
			t.Errorf("skipped file was overwritten: %q", got)
		}
		if n := fs.Writes("/media/42/0.jpg"); n != 0 {
			t.Errorf("skipped file written %d times, want 0", n)
		}
	})

	t.Run("zero-byte local files are downloaded again", func(t *testing.T) {
		site := testutil.NewFixtureSite(t)
		site.Set("/img/0.jpg", 200, "image/jpeg", jpeg)
		m, fs := newTestManager(t, 3, 5, time.Minute)
		fs.AddFile("/media/7/0.jpg", nil)

		summary := m.DownloadAll(context.Background(), "7", []string{site.Link("/img/0.jpg")})

		if summary.Succeeded != 1 || summary.Skipped != 0 {
			t.Errorf("summary = %+v, want 1 succeeded", summary)
		}
	})

	t.Run("one failure does not affect siblings", func(t *testing.T) {
		site := testutil.NewFixtureSite(t)
		site.Set("/img/ok.jpg", 200, "image/jpeg", jpeg)
		site.Set("/img/also-ok.jpg", 200, "image/jpeg", jpeg)
		m, fs := newTestManager(t, 3, 2, time.Minute)

		summary := m.DownloadAll(context.Background(), "9",
			[]string{site.Link("/img/ok.jpg"), site.Link("/img/gone.jpg"), site.Link("/img/also-ok.jpg")})

		if summary.Succeeded != 2 || summary.Failed != 1 || summary.TimedOut != 0 {
			t.Errorf("summary = %+v, want 2 succeeded, 1 failed", summary)
		}
		if site.Hits("/img/gone.jpg") != 1 {
			t.Errorf("404 fetched %d times, want 1", site.Hits("/img/gone.jpg"))
		}
		if _, ok := fs.Content("/media/9/1.jpg"); ok {
			t.Error("failed download left a file behind")
		}
		if _, ok := fs.Content("/media/9/2.jpg"); !ok {
			t.Error("sibling after the failure was not downloaded")
		}
	})

	t.Run("non-image responses are retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.Header().Set("Content-Type", "text/html")
				io.WriteString(w, "<html>busy</html>")
				return
			}
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write(jpeg)
		}))
		defer srv.Close()
		m, fs := newTestManager(t, 3, 1, time.Minute)

		summary := m.DownloadAll(context.Background(), "5", []string{srv.URL + "/x.jpg"})

		if summary.Succeeded != 1 || calls.Load() != 2 {
			t.Errorf("summary = %+v after %d calls, want success on the 2nd", summary, calls.Load())
		}
		if got, _ := fs.Content("/media/5/0.jpg"); string(got) != string(jpeg) {
			t.Errorf("content = %q", got)
		}
	})

	t.Run("empty bodies are removed and retried", func(t *testing.T) {
		site := testutil.NewFixtureSite(t)
		site.Set("/img/empty.jpg", 200, "image/jpeg", nil)
		m, fs := newTestManager(t, 2, 1, time.Minute)

		summary := m.DownloadAll(context.Background(), "5", []string{site.Link("/img/empty.jpg")})

		if summary.Failed != 1 || summary.Succeeded != 0 {
			t.Errorf("summary = %+v, want 1 failed", summary)
		}
		if site.Hits("/img/empty.jpg") != 2 {
			t.Errorf("empty file fetched %d times, want 2", site.Hits("/img/empty.jpg"))
		}
		if _, ok := fs.Content("/media/5/0.jpg"); ok {
			t.Error("empty file left at final path")
		}
		if n := fs.Writes("/media/5/0.jpg"); n != 2 {
			t.Errorf("empty file written %d times, want one per attempt", n)
		}
	})

	t.Run("batch timeout reports outstanding tasks", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/slow.jpg" {
				<-release
			}
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write(jpeg)
		}))
		defer srv.Close()
		m, _ := newTestManager(t, 1, 2, 200*time.Millisecond)

		start := time.Now()
		summary := m.DownloadAll(context.Background(), "1", []string{srv.URL + "/fast.jpg", srv.URL + "/slow.jpg"})
		elapsed := time.Since(start)
		close(release)
		m.Wait()

		if summary.Succeeded != 1 || summary.Failed != 1 || summary.TimedOut != 1 {
			t.Errorf("summary = %+v, want 1 succeeded, 1 timed out", summary)
		}
		if elapsed > 5*time.Second {
			t.Errorf("DownloadAll blocked for %v", elapsed)
		}
	})

	t.Run("result arriving with the deadline counts as succeeded", func(t *testing.T) {
		const batch = 50 * time.Millisecond
		var fs *testutil.MockFilesystem
		logger := &stallingLogger{entered: make(chan struct{})}

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/good.jpg" {
				// Completes only while the collector is busy logging the other failure.
				<-logger.entered
				w.Header().Set("Content-Type", "image/jpeg")
				w.Write(jpeg)
				return
			}
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		}))
		defer srv.Close()

		logger.release = func() {
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				if _, ok := fs.Content("/media/6/1.jpg"); ok {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
			time.Sleep(2 * batch)
		}

		var m *media.Manager
		m, fs = newTestManagerWithLogger(t, 1, 2, batch, logger)
		summary := m.DownloadAll(context.Background(), "6", []string{srv.URL + "/bad.jpg", srv.URL + "/good.jpg"})
		m.Wait()

		if summary.Succeeded != 1 || summary.Failed != 1 || summary.TimedOut != 0 {
			t.Errorf("summary = %+v, want 1 succeeded, 1 failed, none timed out", summary)
		}
	})

	t.Run("concurrency is bounded by workers", func(t *testing.T) {
		var inFlight, peak atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inFlight.Add(-1)
			w.Header().Set("Content-Type", "image/gif")
			w.Write([]byte("gif"))
		}))
		defer srv.Close()
		m, _ := newTestManager(t, 1, 2, time.Minute)

		var urls []string
		for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
			urls = append(urls, srv.URL+"/"+name+".gif")
		}
		summary := m.DownloadAll(context.Background(), "3", urls)

		if summary.Succeeded != 6 {
			t.Errorf("summary = %+v, want 6 succeeded", summary)
		}
		if peak.Load() > 2 {
			t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
		}
	})
}

func TestManager_Plan(t *testing.T) {
	m, _ := newTestManager(t, 1, 1, time.Minute)

	tasks := m.Plan("77", []string{"https://example.com/u/a.jpeg?w=200", "https://example.com/u/b"})

	if len(tasks) != 2 {
		t.Fatalf("len(tasks) = %d, want 2", len(tasks))
	}
	if tasks[0].LocalPath != filepath.Join("/media", "77", "0.jpeg") || tasks[0].Index != 0 {
		t.Errorf("tasks[0] = %+v", tasks[0])
	}
	if tasks[1].LocalPath != filepath.Join("/media", "77", "1.jpg") || tasks[1].Status != harvest.DownloadPending {
		t.Errorf("tasks[1] = %+v", tasks[1])
	}
}

func TestExtension(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://example.com/uploads/photo.jpg", "jpg"},
		{"https://example.com/uploads/photo.JPEG", "jpeg"},
		{"https://example.com/uploads/photo.webp?size=large", "webp"},
		{"https://example.com/uploads/photo.bmp#frag", "bmp"},
		{"https://example.com/uploads/photo.php", "jpg"},
		{"https://example.com/uploads/photo", "jpg"},
		{"https://example.com/uploads.v2/photo", "jpg"},
	}
	for _, tt := range tests {
		if got := media.Extension(tt.url, "jpg"); got != tt.want {
			t.Errorf("Extension(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
