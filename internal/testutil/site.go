package testutil

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// ListingHTML renders a listing page linking to each (href, title) pair.
func ListingHTML(links ...[2]string) string {
	var b strings.Builder
	b.WriteString("<html><body><div class=\"listing\">\n")
	for _, l := range links {
		fmt.Fprintf(&b, "<div class=\"ad\"><a href=\"%s\">%s</a></div>\n",
			html.EscapeString(l[0]), html.EscapeString(l[1]))
	}
	b.WriteString("<a href=\"/about\">About</a>\n</div></body></html>")
	return b.String()
}

// NoResultsHTML renders the site's explicit "no results" page.
func NoResultsHTML() string {
	return `<html><body>
<div id="info_message" class="alert alert-info">No ads were found matching your criteria.</div>
</body></html>`
}

// DetailFixture is the content of a rendered detail page.
type DetailFixture struct {
	Title       string
	Description string
	Price       string
	Phone       string
	Skype       string
	Kik         string
	PostedBy    string
	Posted      string
	Images      []string
}

// DetailHTML renders a detail page with the site's markup.
func DetailHTML(d DetailFixture) string {
	esc := html.EscapeString
	var b strings.Builder
	b.WriteString("<html><body><div class=\"webpanelcontent3\">\n")
	fmt.Fprintf(&b, "<h1><a href=\"#\">%s</a></h1>\n", esc(d.Title))
	fmt.Fprintf(&b, "<div class=\"row\"><div class=\"ad_detail_column\">%s</div></div>\n", esc(d.Description))
	if d.Price != "" {
		fmt.Fprintf(&b, "<div class=\"row\"><div class=\"ad_detail_label\">Price:</div><div class=\"ad_detail_column\">%s</div></div>\n", esc(d.Price))
	}
	if d.Phone != "" {
		fmt.Fprintf(&b, "<div class=\"row\"><div class=\"ad_detail_label\">Phone:</div><a class=\"phone_value\" href=\"tel:\">%s</a></div>\n", esc(d.Phone))
	}
	if d.Skype != "" {
		fmt.Fprintf(&b, "<div class=\"row\"><div class=\"ad_detail_label\">Skype:</div><a class=\"skype_value\" href=\"skype:\">%s</a></div>\n", esc(d.Skype))
	}
	if d.Kik != "" {
		fmt.Fprintf(&b, "<div class=\"row\"><div class=\"ad_detail_label\">KiK:</div><div class=\"ad_detail_column\">%s</div></div>\n", esc(d.Kik))
	}
	if d.PostedBy != "" {
		fmt.Fprintf(&b, "<div class=\"row\"><div class=\"ad_detail_label\">Posted by:</div><a href=\"/users/%s\">%s</a></div>\n", esc(d.PostedBy), esc(d.PostedBy))
	}
	if d.Posted != "" {
		fmt.Fprintf(&b, "<div class=\"row\"><div class=\"ad_detail_label\">Posted:</div><div class=\"ad_detail_column\">%s</div></div>\n", esc(d.Posted))
	}
	for _, img := range d.Images {
		fmt.Fprintf(&b, "<div class=\"ad-thumbnail-image\"><img src=\"%s\"></div>\n", esc(img))
	}
	b.WriteString("</div></body></html>")
	return b.String()
}

type sitePage struct {
	status      int
	contentType string
	body        []byte
}

// FixtureSite is an httptest server serving scripted pages by path.
// Unknown paths return 404. Safe for concurrent use.
type FixtureSite struct {
	*httptest.Server

	mu    sync.Mutex
	pages map[string]sitePage
	hits  map[string]int
}

// NewFixtureSite starts a fixture server that is closed when the test ends.
func NewFixtureSite(t *testing.T) *FixtureSite {
	t.Helper()
	s := &FixtureSite{
		pages: make(map[string]sitePage),
		hits:  make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *FixtureSite) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	page, ok := s.pages[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", page.contentType)
	w.WriteHeader(page.status)
	w.Write(page.body)
}

// SetHTML serves body as an HTML page at path.
func (s *FixtureSite) SetHTML(path, body string) {
	s.Set(path, http.StatusOK, "text/html; charset=utf-8", []byte(body))
}

// Set serves a raw response at path.
func (s *FixtureSite) Set(path string, status int, contentType string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[path] = sitePage{status: status, contentType: contentType, body: body}
}

// Hits returns how many requests path received.
func (s *FixtureSite) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// Link returns the absolute URL for path on this server.
func (s *FixtureSite) Link(path string) string {
	return s.URL + path
}
