package harvest

import "context"

// Trust records whether a response was received over a verified connection.
type Trust int

const (
	TrustVerified Trust = iota
	// TrustDowngraded marks a response fetched with certificate
	// verification disabled after every verified attempt failed.
	TrustDowngraded
)

func (t Trust) String() string {
	if t == TrustDowngraded {
		return "downgraded"
	}
	return "verified"
}

// Page is a fetched, fully buffered HTTP response.
type Page struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
	Trust       Trust
}

// Fetcher performs a resilient HTTP GET.
// Failures are reported as *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// Throttle enforces a minimum spacing between requests to the origin.
type Throttle interface {
	Wait(ctx context.Context) error
}

// ListingLink is a candidate detail link found on a listing page.
type ListingLink struct {
	URL   string
	Title string
}

// ListingPage is the parsed content of one listing page.
type ListingPage struct {
	// NoResults is set when the page carries the explicit "no results" marker.
	NoResults bool
	Links     []ListingLink
}

// ListingParser extracts candidate detail links from a listing page.
type ListingParser interface {
	ParseListing(pageURL string, body []byte) (*ListingPage, error)
}

// DetailExtractor extracts structured fields from a detail page.
// It returns an error wrapping ErrMissingContainer when the page lacks its
// main content container; missing optional fields are never an error.
type DetailExtractor interface {
	Extract(pageURL string, body []byte) (*PartialDetail, error)
}

// MediaDownloader fetches a profile's media files into profile-scoped storage.
type MediaDownloader interface {
	DownloadAll(ctx context.Context, profileID string, mediaURLs []string) DownloadSummary
}
