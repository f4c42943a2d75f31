package fetch

import (
	"math"
	"slices"
	"time"
)

// Policy is the retry and timeout configuration for a Fetcher. It is
// built once per process and passed to every component doing network I/O.
type Policy struct {
	MaxAttempts int

	// Backoff before retry n is BackoffUnit * BackoffBase^(n-1), capped at MaxBackoff.
	BackoffUnit time.Duration
	BackoffBase float64
	MaxBackoff  time.Duration

	// ConnectTimeout bounds dialing and the TLS handshake on every attempt.
	ConnectTimeout time.Duration

	// ReadTimeout is the idle timeout of the first attempt; each later
	// attempt multiplies it by ReadTimeoutGrowth, up to MaxReadTimeout.
	ReadTimeout       time.Duration
	ReadTimeoutGrowth float64
	MaxReadTimeout    time.Duration

	RetryStatuses []int

	// InsecureFallback allows one unverified attempt after every verified
	// attempt failed on a certificate error.
	InsecureFallback bool

	UserAgent    string
	MaxBodyBytes int64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       10,
		BackoffUnit:       time.Second,
		BackoffBase:       2,
		MaxBackoff:        time.Minute,
		ConnectTimeout:    10 * time.Second,
		ReadTimeout:       30 * time.Second,
		ReadTimeoutGrowth: 1.5,
		MaxReadTimeout:    2 * time.Minute,
		RetryStatuses:     []int{429, 500, 502, 503, 504},
		InsecureFallback:  true,
		MaxBodyBytes:      10 << 20,
	}
}

// Backoff returns the wait after failed attempt n (1-based).
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BackoffUnit) * math.Pow(p.BackoffBase, float64(n-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// ReadTimeoutFor returns the idle read timeout of attempt n (1-based).
func (p Policy) ReadTimeoutFor(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	growth := p.ReadTimeoutGrowth
	if growth < 1 {
		growth = 1
	}
	d := float64(p.ReadTimeout) * math.Pow(growth, float64(n-1))
	if p.MaxReadTimeout > 0 && d > float64(p.MaxReadTimeout) {
		return p.MaxReadTimeout
	}
	return time.Duration(d)
}

// Retriable reports whether an HTTP status is worth retrying.
func (p Policy) Retriable(status int) bool {
	return slices.Contains(p.RetryStatuses, status)
}

// WithMaxAttempts returns a copy of p with a different attempt ceiling.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}
