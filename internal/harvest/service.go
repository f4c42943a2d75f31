package harvest

import (
	"context"
	"errors"
	"fmt"
)

// DetailScope selects which known links get their detail page fetched.
type DetailScope string

const (
	// ScopeSeen covers links found on listing pages this run plus persisted
	// links that have no detail row yet.
	ScopeSeen DetailScope = "seen"

	// ScopeUnresolved covers only links without a detail row.
	ScopeUnresolved DetailScope = "unresolved"

	// ScopeAll re-fetches every known link.
	ScopeAll DetailScope = "all"
)

// ParseDetailScope validates a configured scope. Empty means ScopeSeen.
func ParseDetailScope(s string) (DetailScope, error) {
	switch DetailScope(s) {
	case "", ScopeSeen:
		return ScopeSeen, nil
	case ScopeUnresolved, ScopeAll:
		return DetailScope(s), nil
	default:
		return "", fmt.Errorf("unknown detail scope: %q", s)
	}
}

// detailTarget is one detail page to fetch, with the provenance used to
// fill section and a fallback title.
type detailTarget struct {
	URL     string
	Section string
	Page    int
	Title   string
}

// HarvestService runs one complete harvest pass: link discovery, then the
// sequential detail pass with reconciliation and media downloads.
type HarvestService struct {
	crawler    *Crawler
	fetcher    Fetcher
	extractor  DetailExtractor
	throttle   Throttle
	reconciler *Reconciler
	media      MediaDownloader
	clock      Clock
	logger     Logger
	sections   []Section
	scope      DetailScope
}

// NewHarvestService creates a HarvestService. media may be nil to skip
// downloads entirely.
func NewHarvestService(
	crawler *Crawler,
	fetcher Fetcher,
	extractor DetailExtractor,
	throttle Throttle,
	reconciler *Reconciler,
	media MediaDownloader,
	clock Clock,
	logger Logger,
	sections []Section,
	scope DetailScope,
) *HarvestService {
	if scope == "" {
		scope = ScopeSeen
	}
	return &HarvestService{
		crawler:    crawler,
		fetcher:    fetcher,
		extractor:  extractor,
		throttle:   throttle,
		reconciler: reconciler,
		media:      media,
		clock:      clock,
		logger:     logger,
		sections:   sections,
		scope:      scope,
	}
}

// Run executes one pass. Per-item failures are counted in the summary and
// do not fail the run; store failures and cancellation do. The returned
// summary is populated as far as the run got, even on error.
func (s *HarvestService) Run(ctx context.Context, runID string) (*RunSummary, error) {
	summary := &RunSummary{RunID: runID}

	crawl, err := s.crawler.Crawl(ctx, s.sections)
	summary.Pages = crawl.Pages
	summary.LinksFound = crawl.Found
	summary.LinksNew = crawl.New
	summary.Abandoned = crawl.Abandoned
	summary.Downgraded = crawl.Downgraded
	if err != nil {
		return summary, err
	}

	targets, err := s.selectTargets(crawl)
	if err != nil {
		return summary, fmt.Errorf("selecting detail pages: %w", err)
	}
	s.logger.Info("detail pass starting", "scope", string(s.scope), "targets", len(targets))

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := s.processDetail(ctx, t, summary); err != nil {
			return summary, err
		}
	}

	s.logger.Info("run complete",
		"pages", summary.Pages, "links_new", summary.LinksNew,
		"new", summary.New, "changed", summary.Changed, "unchanged", summary.Unchanged,
		"skipped", summary.Skipped, "media_ok", summary.Media.Succeeded,
		"media_skipped", summary.Media.Skipped, "media_failed", summary.Media.Failed)
	return summary, nil
}

func (s *HarvestService) selectTargets(crawl *CrawlResult) ([]detailTarget, error) {
	fromLink := func(l LinkRecord) detailTarget {
		if p, ok := crawl.Provenance[l.URL]; ok {
			return detailTarget{URL: l.URL, Section: p.Section, Page: p.Page, Title: p.Title}
		}
		return detailTarget{URL: l.URL, Section: l.Section, Page: l.PageNumber, Title: l.Title}
	}

	if s.scope == ScopeAll {
		targets := make([]detailTarget, 0, len(crawl.Known))
		for _, l := range crawl.Known {
			targets = append(targets, fromLink(l))
		}
		return targets, nil
	}

	resolved, err := s.reconciler.Keys()
	if err != nil {
		return nil, err
	}

	var targets []detailTarget
	included := make(map[string]struct{})
	if s.scope == ScopeSeen {
		for _, u := range crawl.Seen {
			p := crawl.Provenance[u]
			targets = append(targets, detailTarget{URL: u, Section: p.Section, Page: p.Page, Title: p.Title})
			included[u] = struct{}{}
		}
	}
	for _, l := range crawl.Known {
		if _, ok := resolved[l.URL]; ok {
			continue
		}
		if _, ok := included[l.URL]; ok {
			continue
		}
		targets = append(targets, fromLink(l))
		included[l.URL] = struct{}{}
	}
	return targets, nil
}

// processDetail fetches, extracts and reconciles one detail page, then
// downloads its media. Only fatal errors are returned.
func (s *HarvestService) processDetail(ctx context.Context, t detailTarget, summary *RunSummary) error {
	if err := s.throttle.Wait(ctx); err != nil {
		return err
	}

	page, err := s.fetcher.Fetch(ctx, t.URL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("skipping detail page, fetch failed",
			"url", t.URL, "section", t.Section, "page", t.Page, "error", err)
		summary.Skipped++
		return nil
	}
	if page.Trust == TrustDowngraded {
		summary.Downgraded++
		s.logger.Warn("detail page fetched without certificate verification", "url", t.URL)
	}

	base := page.FinalURL
	if base == "" {
		base = t.URL
	}
	partial, err := s.extractor.Extract(base, page.Body)
	if err != nil {
		reason := "extraction failed"
		if errors.Is(err, ErrMissingContainer) {
			reason = "main content missing"
		}
		s.logger.Warn("skipping detail page, "+reason,
			"url", t.URL, "section", t.Section, "page", t.Page, "error", err)
		summary.Skipped++
		return nil
	}

	rec := &DetailRecord{
		URL:       t.URL,
		Section:   t.Section,
		Title:     partial.Title,
		ScrapedAt: s.clock.Now(),
		Fields:    partial.Fields,
		MediaURLs: partial.MediaURLs,
	}
	if rec.Title == "" {
		rec.Title = t.Title
	}
	summary.Details++

	outcome, err := s.reconciler.Apply(rec)
	if err != nil {
		return fmt.Errorf("reconciling %s: %w", t.URL, err)
	}
	switch outcome {
	case OutcomeNew:
		summary.New++
	case OutcomeChanged:
		summary.Changed++
	case OutcomeUnchanged:
		summary.Unchanged++
	}
	s.logger.Info("detail processed", "url", t.URL, "outcome", outcome.String(), "media", len(rec.MediaURLs))

	if s.media != nil && len(rec.MediaURLs) > 0 {
		summary.Media.Add(s.media.DownloadAll(ctx, ProfileID(rec.URL), rec.MediaURLs))
	}
	return nil
}
