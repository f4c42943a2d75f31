package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"harvest-go/internal/harvest"
)

// ListingParser finds detail links on listing pages.
type ListingParser struct {
	sel ListingSelectors
}

var _ harvest.ListingParser = (*ListingParser)(nil)

func NewListingParser(sel ListingSelectors) *ListingParser {
	return &ListingParser{sel: sel.WithDefaults()}
}

// ParseListing returns the page's detail links, resolved against pageURL and
// deduplicated in document order.
func (p *ListingParser) ParseListing(pageURL string, body []byte) (*harvest.ListingPage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	if strings.Contains(doc.Find(p.sel.NoResults).Text(), p.sel.NoResultsText) {
		return &harvest.ListingPage{NoResults: true}, nil
	}

	page := &harvest.ListingPage{}
	index := make(map[string]int)
	doc.Find(p.sel.Link).Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || !strings.Contains(href, p.sel.LinkPattern) {
			return
		}
		link := resolve(base, href)
		if link == "" {
			return
		}
		title := strings.TrimSpace(a.Text())
		if i, seen := index[link]; seen {
			if page.Links[i].Title == "" {
				page.Links[i].Title = title
			}
			return
		}
		index[link] = len(page.Links)
		page.Links = append(page.Links, harvest.ListingLink{URL: link, Title: title})
	})
	return page, nil
}

// resolve makes href absolute against base and drops any fragment.
func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	abs.Fragment = ""
	return abs.String()
}
