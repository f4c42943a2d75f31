package harvest

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
)

// TimeLayout is the timestamp format written to every persisted table.
const TimeLayout = "2006-01-02 15:04:05"

// Section is one top-level listing category with its own pagination sequence.
type Section struct {
	Name string
	URL  string
}

// LinkRecord is a detail-page link as first discovered on a listing page.
// Link records are created once per distinct URL and never mutated.
type LinkRecord struct {
	URL         string
	Section     string
	PageNumber  int
	Title       string
	FirstSeenAt time.Time
}

// Provenance is the (section, page, title) a link was discovered with.
type Provenance struct {
	Section string
	Page    int
	Title   string
}

// Named detail fields. The order here is the column order of the details table.
const (
	FieldUsername    = "username"
	FieldDescription = "description"
	FieldPrice       = "price"
	FieldPhone       = "phone"
	FieldSkype       = "skype"
	FieldKik         = "kik"
	FieldPostedBy    = "posted_by"
	FieldPostedTime  = "posted_time"
)

// DetailFields lists every named scalar field a detail record carries.
var DetailFields = []string{
	FieldUsername,
	FieldDescription,
	FieldPrice,
	FieldPhone,
	FieldSkype,
	FieldKik,
	FieldPostedBy,
	FieldPostedTime,
}

// ComparisonFields are the fields that decide whether a re-fetched record
// changed. The media URL list is compared in addition to these.
// Any other field is informational only.
var ComparisonFields = []string{
	FieldDescription,
	FieldPrice,
	FieldPhone,
	FieldSkype,
	FieldKik,
}

// DetailRecord is the structured record extracted from one detail page.
type DetailRecord struct {
	URL         string
	Section     string
	Title       string
	ScrapedAt   time.Time
	Fields      map[string]string
	MediaURLs   []string
	Fingerprint string
}

// Field returns the named field, or "" when it is absent.
func (r *DetailRecord) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// PartialDetail is what a DetailExtractor pulls out of a detail page.
// Optional fields that are missing on the page are left empty.
type PartialDetail struct {
	Title     string
	Fields    map[string]string
	MediaURLs []string
}

// Outcome classifies a freshly fetched record against persisted state.
type Outcome int

const (
	OutcomeNew Outcome = iota
	OutcomeChanged
	OutcomeUnchanged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNew:
		return "new"
	case OutcomeChanged:
		return "changed"
	case OutcomeUnchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// DownloadStatus tracks a single media download task.
type DownloadStatus int

const (
	DownloadPending DownloadStatus = iota
	DownloadInFlight
	DownloadDone
	DownloadFailed
)

func (s DownloadStatus) String() string {
	switch s {
	case DownloadPending:
		return "pending"
	case DownloadInFlight:
		return "in-flight"
	case DownloadDone:
		return "done"
	case DownloadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DownloadTask is one media file to fetch for a profile. It lives only for
// the duration of a processing pass; the file at LocalPath is the durable marker.
type DownloadTask struct {
	ProfileID string
	Index     int
	SourceURL string
	LocalPath string
	Status    DownloadStatus
}

// DownloadSummary aggregates a batch of downloads by count.
// TimedOut tasks are also counted in Failed.
type DownloadSummary struct {
	Succeeded int
	Skipped   int
	Failed    int
	TimedOut  int
}

// Add accumulates other into s.
func (s *DownloadSummary) Add(other DownloadSummary) {
	s.Succeeded += other.Succeeded
	s.Skipped += other.Skipped
	s.Failed += other.Failed
	s.TimedOut += other.TimedOut
}

// RunSummary is the tally reported at the end of a run.
type RunSummary struct {
	RunID      string
	Pages      int
	LinksFound int
	LinksNew   int
	Abandoned  int // sections given up on after repeated fetch failures
	Details    int // detail pages fetched and extracted
	New        int
	Changed    int
	Unchanged  int
	Skipped    int // detail pages skipped after fetch or parse failure
	Downgraded int // fetches that only succeeded without certificate verification
	Media      DownloadSummary
}

// ProfileID derives the stable media directory name for a detail URL.
// It is the last purely numeric path segment when there is one, otherwise
// the first 16 hex characters of the URL's SHA-256.
func ProfileID(detailURL string) string {
	if u, err := url.Parse(detailURL); err == nil {
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		for i := len(segments) - 1; i >= 0; i-- {
			if isDigits(segments[i]) {
				return segments[i]
			}
		}
	}
	sum := sha256.Sum256([]byte(detailURL))
	return hex.EncodeToString(sum[:])[:16]
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
