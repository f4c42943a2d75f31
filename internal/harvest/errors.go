package harvest

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingContainer is returned by extractors when a page lacks the
	// mandatory content container. The page is skipped; the run continues.
	ErrMissingContainer = errors.New("main content container not found")

	// ErrStoreUnreadable is returned when an existing table cannot be loaded.
	// Writing without the current contents risks duplicate rows, so it is
	// fatal for the run.
	ErrStoreUnreadable = errors.New("store exists but could not be read")
)

// FetchErrorKind classifies a terminal fetch failure.
type FetchErrorKind int

const (
	FetchTimeout FetchErrorKind = iota
	FetchTransport
	FetchHTTPStatus
	// FetchContent means a response arrived but its handler rejected it,
	// e.g. a media response that is not an image.
	FetchContent
)

func (k FetchErrorKind) String() string {
	switch k {
	case FetchTimeout:
		return "timeout"
	case FetchTransport:
		return "transport"
	case FetchHTTPStatus:
		return "http-status"
	case FetchContent:
		return "content"
	default:
		return "unknown"
	}
}

// FetchError is the terminal failure of a resilient fetch.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int // set for FetchHTTPStatus
	URL        string
	Attempts   int
	TLS        bool // the last failure was a certificate/TLS error
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.Kind == FetchHTTPStatus {
		msg = fmt.Sprintf("%s %d", msg, e.StatusCode)
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s after %d attempt(s)", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient reports whether waiting and trying again might succeed:
// timeouts, transport failures, rate limiting and server errors.
func (e *FetchError) Transient() bool {
	switch e.Kind {
	case FetchTimeout, FetchTransport:
		return true
	case FetchHTTPStatus:
		return e.StatusCode == 429 || e.StatusCode >= 500
	default:
		return false
	}
}
