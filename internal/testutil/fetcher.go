package testutil

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"harvest-go/internal/harvest"
)

// StubResponse is one scripted fetch outcome. Exactly one of Body or Err
// is meaningful.
type StubResponse struct {
	Body  string
	Trust harvest.Trust
	Err   error
}

// StubFetcher serves scripted responses per URL. Each call consumes the
// next response for that URL; the last one repeats. Unknown URLs fail
// with a non-retriable 404.
type StubFetcher struct {
	mu        sync.Mutex
	responses map[string][]StubResponse
	calls     []string
}

var _ harvest.Fetcher = (*StubFetcher)(nil)

func NewStubFetcher() *StubFetcher {
	return &StubFetcher{responses: make(map[string][]StubResponse)}
}

// Set scripts the responses for url.
func (f *StubFetcher) Set(url string, responses ...StubResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = responses
}

// SetBody scripts a single successful response for url.
func (f *StubFetcher) SetBody(url, body string) {
	f.Set(url, StubResponse{Body: body})
}

// Calls returns the fetched URLs in call order.
func (f *StubFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount returns how many times url was fetched.
func (f *StubFetcher) CallCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == url {
			n++
		}
	}
	return n
}

func (f *StubFetcher) Fetch(ctx context.Context, url string) (*harvest.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)

	queue, ok := f.responses[url]
	if !ok || len(queue) == 0 {
		return nil, &harvest.FetchError{
			Kind:       harvest.FetchHTTPStatus,
			StatusCode: http.StatusNotFound,
			URL:        url,
			Attempts:   1,
			Err:        fmt.Errorf("no stub for %s", url),
		}
	}
	resp := queue[0]
	if len(queue) > 1 {
		f.responses[url] = queue[1:]
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &harvest.Page{
		URL:         url,
		FinalURL:    url,
		StatusCode:  http.StatusOK,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(resp.Body),
		Trust:       resp.Trust,
	}, nil
}

// TransientError returns a retriable transport failure for url.
func TransientError(url string) error {
	return &harvest.FetchError{
		Kind:     harvest.FetchTransport,
		URL:      url,
		Attempts: 10,
		Err:      fmt.Errorf("connection reset by peer"),
	}
}

// CountingThrottle is a harvest.Throttle that never blocks and counts waits.
type CountingThrottle struct {
	mu    sync.Mutex
	waits int
}

var _ harvest.Throttle = (*CountingThrottle)(nil)

func (t *CountingThrottle) Wait(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waits++
	return ctx.Err()
}

// Waits returns how many times Wait was called.
func (t *CountingThrottle) Waits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waits
}
