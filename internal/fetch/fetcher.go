package fetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"harvest-go/internal/harvest"
)

// Handler consumes a successful (2xx) response body. Returning an error
// wrapped with Retry makes the attempt count as a retriable failure.
type Handler func(resp *http.Response, body io.Reader) error

type retryError struct {
	err error
}

func (e *retryError) Error() string { return e.err.Error() }
func (e *retryError) Unwrap() error { return e.err }

// Retry marks a Handler error as retriable.
func Retry(err error) error {
	if err == nil {
		return nil
	}
	return &retryError{err: err}
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTLSConfig sets the TLS configuration of verified attempts.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(f *Fetcher) {
		f.verified.Transport.(*http.Transport).TLSClientConfig = cfg
	}
}

// Fetcher performs GET requests under a Policy. It holds no per-request
// state and is safe for concurrent use.
type Fetcher struct {
	policy   Policy
	verified *http.Client
	insecure *http.Client
	clock    harvest.Clock
	logger   harvest.Logger
}

var _ harvest.Fetcher = (*Fetcher)(nil)

func New(policy Policy, clock harvest.Clock, logger harvest.Logger, opts ...Option) *Fetcher {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	f := &Fetcher{
		policy:   policy,
		verified: &http.Client{Transport: newTransport(policy, false)},
		insecure: &http.Client{Transport: newTransport(policy, true)},
		clock:    clock,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Policy returns the fetcher's policy.
func (f *Fetcher) Policy() Policy { return f.policy }

func newTransport(p Policy, insecure bool) *http.Transport {
	dialer := &net.Dialer{Timeout: p.ConnectTimeout, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: p.ConnectTimeout,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t
}

// attemptError is the failure of a single attempt.
type attemptError struct {
	kind      harvest.FetchErrorKind
	status    int
	tls       bool
	retriable bool
	err       error
}

// Fetch retrieves rawURL and buffers the body.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*harvest.Page, error) {
	page := &harvest.Page{URL: rawURL}
	trust, err := f.Do(ctx, rawURL, func(resp *http.Response, body io.Reader) error {
		if f.policy.MaxBodyBytes > 0 {
			body = io.LimitReader(body, f.policy.MaxBodyBytes+1)
		}
		data, err := io.ReadAll(body)
		if err != nil {
			return err
		}
		if f.policy.MaxBodyBytes > 0 && int64(len(data)) > f.policy.MaxBodyBytes {
			return fmt.Errorf("response body exceeds %d bytes", f.policy.MaxBodyBytes)
		}
		page.FinalURL = resp.Request.URL.String()
		page.StatusCode = resp.StatusCode
		page.ContentType = resp.Header.Get("Content-Type")
		page.Body = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	page.Trust = trust
	return page, nil
}

// Do performs the request with retries and streams each successful
// response to handle. Terminal failures are *harvest.FetchError; context
// cancellation is returned as the context's error.
func (f *Fetcher) Do(ctx context.Context, rawURL string, handle Handler) (harvest.Trust, error) {
	if u, err := url.Parse(rawURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return harvest.TrustVerified, &harvest.FetchError{
			Kind: harvest.FetchTransport, URL: rawURL, Err: fmt.Errorf("unsupported url"),
		}
	}

	var last *attemptError
	attempts := 0
	for attempts < f.policy.MaxAttempts {
		attempts++
		last = f.attempt(ctx, f.verified, rawURL, attempts, handle)
		if last == nil {
			return harvest.TrustVerified, nil
		}
		if err := ctx.Err(); err != nil {
			return harvest.TrustVerified, err
		}
		if !last.retriable {
			break
		}
		if attempts < f.policy.MaxAttempts {
			wait := f.policy.Backoff(attempts)
			f.logger.Debug("fetch attempt failed, backing off",
				"url", rawURL, "attempt", attempts, "kind", last.kind.String(), "wait", wait, "error", last.err)
			if err := f.clock.Sleep(ctx, wait); err != nil {
				return harvest.TrustVerified, err
			}
		}
	}

	if last.tls && f.policy.InsecureFallback {
		f.logger.Warn("certificate verification keeps failing, retrying once without verification",
			"url", rawURL, "attempts", attempts, "error", last.err)
		attempts++
		fallback := f.attempt(ctx, f.insecure, rawURL, attempts, handle)
		if fallback == nil {
			return harvest.TrustDowngraded, nil
		}
		if err := ctx.Err(); err != nil {
			return harvest.TrustVerified, err
		}
		last = fallback
	}

	return harvest.TrustVerified, &harvest.FetchError{
		Kind:       last.kind,
		StatusCode: last.status,
		URL:        rawURL,
		Attempts:   attempts,
		TLS:        last.tls,
		Err:        last.err,
	}
}

func (f *Fetcher) attempt(ctx context.Context, client *http.Client, rawURL string, n int, handle Handler) *attemptError {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	idle := f.policy.ReadTimeoutFor(n)
	var timedOut atomic.Bool
	timer := time.AfterFunc(idle, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &attemptError{kind: harvest.FetchTransport, err: err}
	}
	if f.policy.UserAgent != "" {
		req.Header.Set("User-Agent", f.policy.UserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return classify(err, timedOut.Load(), idle)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &attemptError{
			kind:      harvest.FetchHTTPStatus,
			status:    resp.StatusCode,
			retriable: f.policy.Retriable(resp.StatusCode),
			err:       fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	body := &idleReader{r: resp.Body, timer: timer, idle: idle}
	if err := handle(resp, body); err != nil {
		if timedOut.Load() || body.readErr != nil {
			return classify(err, timedOut.Load(), idle)
		}
		var re *retryError
		if errors.As(err, &re) {
			return &attemptError{kind: harvest.FetchContent, retriable: true, err: re.err}
		}
		return &attemptError{kind: harvest.FetchContent, err: err}
	}
	return nil
}

func classify(err error, timedOut bool, idle time.Duration) *attemptError {
	if timedOut {
		return &attemptError{kind: harvest.FetchTimeout, retriable: true, err: fmt.Errorf("no data for %s: %w", idle, err)}
	}
	if isTLSError(err) {
		return &attemptError{kind: harvest.FetchTransport, tls: true, retriable: true, err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &attemptError{kind: harvest.FetchTimeout, retriable: true, err: err}
	}
	return &attemptError{kind: harvest.FetchTransport, retriable: true, err: err}
}

func isTLSError(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		invalidErr   x509.CertificateInvalidError
		recordHdrErr tls.RecordHeaderError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidErr) ||
		errors.As(err, &recordHdrErr)
}

// idleReader pushes the attempt's idle deadline forward on every read.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	idle    time.Duration
	readErr error
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.idle)
	}
	if err != nil && err != io.EOF {
		r.readErr = err
	}
	return n, err
}
