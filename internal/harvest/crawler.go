package harvest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CrawlOptions bound the pagination walk of a single section.
type CrawlOptions struct {
	// MaxEmptyPages consecutive pages without links end a section.
	MaxEmptyPages int

	// ErrorWait is slept before re-fetching a page after a transient failure.
	ErrorWait time.Duration

	// MaxPageRetries is how many times one page is re-fetched before the
	// section is abandoned.
	MaxPageRetries int
}

// CrawlResult is the output of link discovery across all sections.
type CrawlResult struct {
	// Known is every persisted link after the crawl, in append order.
	Known []LinkRecord

	// Seen lists the links found on listing pages during this crawl, in
	// discovery order. Provenance holds where each was first found.
	Seen       []string
	Provenance map[string]Provenance

	Pages      int
	Found      int
	New        int
	Abandoned  int
	Downgraded int
}

type crawlState int

const (
	stateFetching crawlState = iota
	stateParsing
	stateContinue
	stateEmpty
	stateDone
)

func (s crawlState) String() string {
	switch s {
	case stateFetching:
		return "fetching"
	case stateParsing:
		return "parsing"
	case stateContinue:
		return "continue"
	case stateEmpty:
		return "empty"
	case stateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Crawler walks listing sections page by page and persists newly
// discovered links after every productive page.
type Crawler struct {
	fetcher  Fetcher
	parser   ListingParser
	throttle Throttle
	links    *LinkStore
	clock    Clock
	logger   Logger
	opts     CrawlOptions
}

func NewCrawler(
	fetcher Fetcher,
	parser ListingParser,
	throttle Throttle,
	links *LinkStore,
	clock Clock,
	logger Logger,
	opts CrawlOptions,
) *Crawler {
	if opts.MaxEmptyPages <= 0 {
		opts.MaxEmptyPages = 3
	}
	return &Crawler{
		fetcher:  fetcher,
		parser:   parser,
		throttle: throttle,
		links:    links,
		clock:    clock,
		logger:   logger,
		opts:     opts,
	}
}

// PageURL returns the listing URL for page n of a section.
func PageURL(base string, n int) string {
	if n <= 1 {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strconv.Itoa(n)
}

// Crawl walks every section in order. Only store failures and context
// cancellation are returned as errors; network trouble is logged and
// counted.
func (c *Crawler) Crawl(ctx context.Context, sections []Section) (*CrawlResult, error) {
	result := &CrawlResult{Provenance: make(map[string]Provenance)}

	for _, section := range sections {
		c.logger.Info("crawling section", "section", section.Name, "url", section.URL)
		if err := c.crawlSection(ctx, section, result); err != nil {
			return result, fmt.Errorf("crawling section %s: %w", section.Name, err)
		}
	}

	known, err := c.links.Records()
	if err != nil {
		return result, fmt.Errorf("reading known links: %w", err)
	}
	result.Known = known

	c.logger.Info("crawl complete",
		"pages", result.Pages, "found", result.Found, "new", result.New,
		"known", len(known), "abandoned", result.Abandoned)
	return result, nil
}

func (c *Crawler) crawlSection(ctx context.Context, section Section, result *CrawlResult) error {
	var (
		state   = stateFetching
		page    = 1
		empty   = 0
		retries = 0
		fetched *Page
	)

	for {
		switch state {
		case stateFetching:
			pageURL := PageURL(section.URL, page)
			if err := c.throttle.Wait(ctx); err != nil {
				return err
			}
			p, err := c.fetcher.Fetch(ctx, pageURL)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				var fe *FetchError
				if errors.As(err, &fe) && !fe.Transient() {
					c.logger.Warn("section ended by non-retriable fetch failure",
						"section", section.Name, "page", page, "url", pageURL, "error", err)
					state = stateDone
					continue
				}
				retries++
				if retries > c.opts.MaxPageRetries {
					c.logger.Error("abandoning section after repeated page failures",
						"section", section.Name, "page", page, "url", pageURL, "retries", retries-1, "error", err)
					result.Abandoned++
					state = stateDone
					continue
				}
				c.logger.Warn("page fetch failed, retrying",
					"section", section.Name, "page", page, "url", pageURL, "wait", c.opts.ErrorWait, "error", err)
				if err := c.clock.Sleep(ctx, c.opts.ErrorWait); err != nil {
					return err
				}
				continue
			}
			if p.Trust == TrustDowngraded {
				result.Downgraded++
				c.logger.Warn("listing page fetched without certificate verification",
					"section", section.Name, "page", page, "url", pageURL)
			}
			retries = 0
			result.Pages++
			fetched = p
			state = stateParsing

		case stateParsing:
			base := fetched.FinalURL
			if base == "" {
				base = fetched.URL
			}
			listing, err := c.parser.ParseListing(base, fetched.Body)
			if err != nil {
				c.logger.Warn("abandoning section, listing page could not be parsed",
					"section", section.Name, "page", page, "url", fetched.URL, "error", err)
				result.Abandoned++
				state = stateDone
				continue
			}
			switch {
			case listing.NoResults:
				c.logger.Info("no results marker, section done", "section", section.Name, "page", page)
				state = stateDone
			case len(listing.Links) == 0:
				state = stateEmpty
			default:
				if err := c.flush(section, page, listing.Links, result); err != nil {
					return err
				}
				state = stateContinue
			}

		case stateContinue:
			empty = 0
			page++
			state = stateFetching

		case stateEmpty:
			empty++
			c.logger.Debug("page without links", "section", section.Name, "page", page, "consecutive", empty)
			if empty >= c.opts.MaxEmptyPages {
				c.logger.Info("consecutive empty pages, section done",
					"section", section.Name, "last_page", page, "empty", empty)
				state = stateDone
				continue
			}
			page++
			state = stateFetching

		case stateDone:
			return nil
		}
	}
}

// flush records provenance for the page's links and persists the unseen ones.
func (c *Crawler) flush(section Section, page int, links []ListingLink, result *CrawlResult) error {
	candidates := make([]string, 0, len(links))
	for _, l := range links {
		result.Found++
		if _, ok := result.Provenance[l.URL]; !ok {
			result.Provenance[l.URL] = Provenance{Section: section.Name, Page: page, Title: l.Title}
			result.Seen = append(result.Seen, l.URL)
		}
		candidates = append(candidates, l.URL)
	}

	fresh, err := c.links.FilterNew(candidates)
	if err != nil {
		return fmt.Errorf("filtering links from page %d: %w", page, err)
	}

	now := c.clock.Now()
	records := make([]LinkRecord, 0, len(fresh))
	for _, u := range fresh {
		prov := result.Provenance[u]
		records = append(records, LinkRecord{
			URL:         u,
			Section:     prov.Section,
			PageNumber:  prov.Page,
			Title:       prov.Title,
			FirstSeenAt: now,
		})
	}
	if err := c.links.Append(records); err != nil {
		return fmt.Errorf("saving links from page %d: %w", page, err)
	}
	result.New += len(records)

	c.logger.Info("page processed",
		"section", section.Name, "page", page, "links", len(links), "new", len(records))
	return nil
}
