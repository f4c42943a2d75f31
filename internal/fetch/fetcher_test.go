package fetch_test

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"harvest-go/internal/fetch"
	"harvest-go/internal/harvest"
	"harvest-go/internal/testutil"
)

func testPolicy(attempts int) fetch.Policy {
	p := fetch.DefaultPolicy()
	p.MaxAttempts = attempts
	p.ReadTimeout = 2 * time.Second
	p.UserAgent = "harvest-test"
	return p
}

// flakyHandler fails with status for the first n requests, then serves body.
func flakyHandler(n int32, status int, body string) (http.Handler, *atomic.Int32) {
	var calls atomic.Int32
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= n {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, body)
	}), &calls
}

func TestFetcher_Fetch(t *testing.T) {
	t.Run("success on first attempt", func(t *testing.T) {
		var ua string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ua = r.UserAgent()
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, "<html>ok</html>")
		}))
		defer srv.Close()
		clock := testutil.FixedClock()

		page, err := fetch.New(testPolicy(3), clock, harvest.NewNopLogger()).Fetch(context.Background(), srv.URL+"/a")
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if string(page.Body) != "<html>ok</html>" || page.StatusCode != 200 {
			t.Errorf("page = %d %q", page.StatusCode, page.Body)
		}
		if page.Trust != harvest.TrustVerified {
			t.Errorf("Trust = %v, want verified", page.Trust)
		}
		if page.ContentType != "text/html; charset=utf-8" {
			t.Errorf("ContentType = %q", page.ContentType)
		}
		if ua != "harvest-test" {
			t.Errorf("User-Agent = %q, want harvest-test", ua)
		}
		if len(clock.Sleeps()) != 0 {
			t.Errorf("sleeps = %v, want none", clock.Sleeps())
		}
	})

	t.Run("retriable status is retried with exponential backoff", func(t *testing.T) {
		h, calls := flakyHandler(2, http.StatusServiceUnavailable, "fine")
		srv := httptest.NewServer(h)
		defer srv.Close()
		clock := testutil.FixedClock()

		page, err := fetch.New(testPolicy(5), clock, harvest.NewNopLogger()).Fetch(context.Background(), srv.URL)
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if string(page.Body) != "fine" {
			t.Errorf("Body = %q, want fine", page.Body)
		}
		if calls.Load() != 3 {
			t.Errorf("server saw %d requests, want 3", calls.Load())
		}
		if got := clock.Sleeps(); !slices.Equal(got, []time.Duration{time.Second, 2 * time.Second}) {
			t.Errorf("sleeps = %v, want [1s 2s]", got)
		}
	})

	t.Run("exhausted retries surface the last status", func(t *testing.T) {
		h, calls := flakyHandler(100, http.StatusTooManyRequests, "")
		srv := httptest.NewServer(h)
		defer srv.Close()
		clock := testutil.FixedClock()

		_, err := fetch.New(testPolicy(4), clock, harvest.NewNopLogger()).Fetch(context.Background(), srv.URL)
		var fe *harvest.FetchError
		if !errors.As(err, &fe) {
			t.Fatalf("Fetch() error = %v, want *FetchError", err)
		}
		if fe.Kind != harvest.FetchHTTPStatus || fe.StatusCode != 429 || fe.Attempts != 4 {
			t.Errorf("FetchError = %+v, want http-status 429 after 4 attempts", fe)
		}
		if !fe.Transient() {
			t.Error("429 should be transient")
		}
		if calls.Load() != 4 {
			t.Errorf("server saw %d requests, want 4", calls.Load())
		}
		if got := clock.Sleeps(); !slices.Equal(got, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}) {
			t.Errorf("sleeps = %v, want [1s 2s 4s]", got)
		}
	})

	t.Run("non-retriable status fails immediately", func(t *testing.T) {
		h, calls := flakyHandler(100, http.StatusNotFound, "")
		srv := httptest.NewServer(h)
		defer srv.Close()
		clock := testutil.FixedClock()

		_, err := fetch.New(testPolicy(5), clock, harvest.NewNopLogger()).Fetch(context.Background(), srv.URL)
		var fe *harvest.FetchError
		if !errors.As(err, &fe) {
			t.Fatalf("Fetch() error = %v, want *FetchError", err)
		}
		if fe.StatusCode != 404 || fe.Attempts != 1 || fe.Transient() {
			t.Errorf("FetchError = %+v, want a single non-transient 404", fe)
		}
		if calls.Load() != 1 || len(clock.Sleeps()) != 0 {
			t.Errorf("calls = %d, sleeps = %v; want 1 call, no sleeps", calls.Load(), clock.Sleeps())
		}
	})

	t.Run("connection failure is a transport error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		addr := srv.URL
		srv.Close()

		_, err := fetch.New(testPolicy(2), testutil.FixedClock(), harvest.NewNopLogger()).Fetch(context.Background(), addr)
		var fe *harvest.FetchError
		if !errors.As(err, &fe) {
			t.Fatalf("Fetch() error = %v, want *FetchError", err)
		}
		if fe.Kind != harvest.FetchTransport || fe.Attempts != 2 || fe.TLS {
			t.Errorf("FetchError = %+v, want transport after 2 attempts", fe)
		}
	})

	t.Run("idle response times out", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}))
		defer srv.Close()
		p := testPolicy(1)
		p.ReadTimeout = 50 * time.Millisecond

		_, err := fetch.New(p, testutil.FixedClock(), harvest.NewNopLogger()).Fetch(context.Background(), srv.URL)
		var fe *harvest.FetchError
		if !errors.As(err, &fe) {
			t.Fatalf("Fetch() error = %v, want *FetchError", err)
		}
		if fe.Kind != harvest.FetchTimeout {
			t.Errorf("Kind = %v, want timeout", fe.Kind)
		}
	})

	t.Run("cancelled context is returned as is", func(t *testing.T) {
		h, _ := flakyHandler(100, http.StatusBadGateway, "")
		srv := httptest.NewServer(h)
		defer srv.Close()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := fetch.New(testPolicy(3), testutil.FixedClock(), harvest.NewNopLogger()).Fetch(ctx, srv.URL)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Fetch() error = %v, want context.Canceled", err)
		}
	})

	t.Run("unsupported url", func(t *testing.T) {
		_, err := fetch.New(testPolicy(3), testutil.FixedClock(), harvest.NewNopLogger()).
			Fetch(context.Background(), "mailto:someone@example.com")
		var fe *harvest.FetchError
		if !errors.As(err, &fe) || fe.Kind != harvest.FetchTransport || fe.Attempts != 0 {
			t.Errorf("Fetch() error = %v, want transport FetchError", err)
		}
	})
}

func TestFetcher_TLS(t *testing.T) {
	newTLSServer := func(t *testing.T) *httptest.Server {
		srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "secret")
		}))
		t.Cleanup(srv.Close)
		return srv
	}

	t.Run("untrusted certificate falls back to a downgraded fetch", func(t *testing.T) {
		srv := newTLSServer(t)
		clock := testutil.FixedClock()

		page, err := fetch.New(testPolicy(3), clock, harvest.NewNopLogger()).Fetch(context.Background(), srv.URL)
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if page.Trust != harvest.TrustDowngraded {
			t.Errorf("Trust = %v, want downgraded", page.Trust)
		}
		if string(page.Body) != "secret" {
			t.Errorf("Body = %q", page.Body)
		}
		if n := len(clock.Sleeps()); n != 2 {
			t.Errorf("backoff sleeps = %d, want 2 (between the 3 verified attempts)", n)
		}
	})

	t.Run("trusted certificate is verified", func(t *testing.T) {
		srv := newTLSServer(t)
		trusted := srv.Client().Transport.(*http.Transport).TLSClientConfig
		f := fetch.New(testPolicy(3), testutil.FixedClock(), harvest.NewNopLogger(),
			fetch.WithTLSConfig(&tls.Config{RootCAs: trusted.RootCAs}))

		page, err := f.Fetch(context.Background(), srv.URL)
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if page.Trust != harvest.TrustVerified {
			t.Errorf("Trust = %v, want verified", page.Trust)
		}
	})

	t.Run("fallback disabled reports the TLS failure", func(t *testing.T) {
		srv := newTLSServer(t)
		p := testPolicy(2)
		p.InsecureFallback = false

		_, err := fetch.New(p, testutil.FixedClock(), harvest.NewNopLogger()).Fetch(context.Background(), srv.URL)
		var fe *harvest.FetchError
		if !errors.As(err, &fe) {
			t.Fatalf("Fetch() error = %v, want *FetchError", err)
		}
		if !fe.TLS || fe.Attempts != 2 {
			t.Errorf("FetchError = %+v, want TLS failure after 2 attempts", fe)
		}
	})
}

func TestFetcher_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "payload")
	}))
	defer srv.Close()

	t.Run("handler retry errors are retried", func(t *testing.T) {
		clock := testutil.FixedClock()
		f := fetch.New(testPolicy(3), clock, harvest.NewNopLogger())
		calls := 0

		trust, err := f.Do(context.Background(), srv.URL, func(resp *http.Response, body io.Reader) error {
			calls++
			if calls == 1 {
				return fetch.Retry(fmt.Errorf("looks like an error page"))
			}
			_, err := io.Copy(io.Discard, body)
			return err
		})
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		if trust != harvest.TrustVerified || calls != 2 {
			t.Errorf("trust = %v, calls = %d; want verified, 2", trust, calls)
		}
		if got := clock.Sleeps(); !slices.Equal(got, []time.Duration{time.Second}) {
			t.Errorf("sleeps = %v, want [1s]", got)
		}
	})

	t.Run("plain handler errors are final", func(t *testing.T) {
		f := fetch.New(testPolicy(3), testutil.FixedClock(), harvest.NewNopLogger())
		calls := 0

		_, err := f.Do(context.Background(), srv.URL, func(*http.Response, io.Reader) error {
			calls++
			return fmt.Errorf("disk full")
		})
		var fe *harvest.FetchError
		if !errors.As(err, &fe) || fe.Kind != harvest.FetchContent {
			t.Fatalf("Do() error = %v, want content FetchError", err)
		}
		if calls != 1 {
			t.Errorf("handler called %d times, want 1", calls)
		}
	})
}

func TestThrottle(t *testing.T) {
	t.Run("disabled throttle never blocks", func(t *testing.T) {
		th := fetch.NewThrottle(0)
		start := time.Now()
		for i := 0; i < 100; i++ {
			if err := th.Wait(context.Background()); err != nil {
				t.Fatalf("Wait() error = %v", err)
			}
		}
		if time.Since(start) > time.Second {
			t.Error("disabled throttle blocked")
		}
	})

	t.Run("spaces consecutive waits", func(t *testing.T) {
		th := fetch.NewThrottle(60 * time.Millisecond)
		start := time.Now()
		for i := 0; i < 3; i++ {
			if err := th.Wait(context.Background()); err != nil {
				t.Fatalf("Wait() error = %v", err)
			}
		}
		if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
			t.Errorf("3 waits took %v, want at least ~120ms", elapsed)
		}
	})

	t.Run("next phase keeps spacing from the previous one", func(t *testing.T) {
		pages := fetch.NewThrottle(80 * time.Millisecond)
		details := pages.Then(0)

		start := time.Now()
		if err := pages.Wait(context.Background()); err != nil {
			t.Fatalf("pages Wait() error = %v", err)
		}
		if err := details.Wait(context.Background()); err != nil {
			t.Fatalf("details Wait() error = %v", err)
		}
		if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
			t.Errorf("first detail wait after a page wait took %v, want ~80ms", elapsed)
		}

		start = time.Now()
		for i := 0; i < 10; i++ {
			if err := details.Wait(context.Background()); err != nil {
				t.Fatalf("details Wait() error = %v", err)
			}
		}
		if time.Since(start) > 50*time.Millisecond {
			t.Error("later detail waits should only use the detail interval")
		}
	})

	t.Run("respects cancellation", func(t *testing.T) {
		th := fetch.NewThrottle(time.Hour)
		th.Wait(context.Background())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := th.Wait(ctx); err == nil {
			t.Error("Wait() on cancelled context should fail")
		}
	})
}
