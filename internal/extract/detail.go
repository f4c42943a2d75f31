package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"harvest-go/internal/harvest"
)

// DetailExtractor pulls the structured fields out of a detail page.
type DetailExtractor struct {
	sel DetailSelectors
}

var _ harvest.DetailExtractor = (*DetailExtractor)(nil)

func NewDetailExtractor(sel DetailSelectors) *DetailExtractor {
	return &DetailExtractor{sel: sel.WithDefaults()}
}

// Extract reads the detail fields from body. Only a missing content
// container is an error; absent fields are left empty.
func (e *DetailExtractor) Extract(pageURL string, body []byte) (*harvest.PartialDetail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	panel := doc.Find(e.sel.Container).First()
	if panel.Length() == 0 {
		return nil, fmt.Errorf("%s: %w", pageURL, harvest.ErrMissingContainer)
	}

	fields := make(map[string]string, len(harvest.DetailFields))
	for _, f := range harvest.DetailFields {
		fields[f] = ""
	}

	fields[harvest.FieldDescription] = strings.TrimSpace(panel.Find(e.sel.Description).First().Text())
	fields[harvest.FieldPhone] = text(panel.Find(e.sel.Phone).First())
	fields[harvest.FieldSkype] = text(panel.Find(e.sel.Skype).First())

	if row := e.labelledRow(panel, e.sel.PriceLabel); row != nil {
		fields[harvest.FieldPrice] = text(row.Find(e.sel.Value).First())
	}
	if row := e.labelledRow(panel, e.sel.KikLabel); row != nil {
		fields[harvest.FieldKik] = text(row.Find(e.sel.Value).First())
	}
	if row := e.labelledRow(panel, e.sel.PostedByLabel); row != nil {
		poster := text(row.Find("a").First())
		fields[harvest.FieldPostedBy] = poster
		fields[harvest.FieldUsername] = poster
	}
	if row := e.labelledRow(panel, e.sel.PostedLabel); row != nil {
		fields[harvest.FieldPostedTime] = text(row.Find(e.sel.Value).First())
	}

	var media []string
	panel.Find(e.sel.Image).Each(func(_ int, img *goquery.Selection) {
		src, ok := img.Attr("src")
		if !ok || !strings.Contains(src, e.sel.ImageMarker) {
			return
		}
		if u := resolve(base, src); u != "" {
			media = append(media, u)
		}
	})

	return &harvest.PartialDetail{
		Title:     text(panel.Find(e.sel.Title).First()),
		Fields:    fields,
		MediaURLs: media,
	}, nil
}

// labelledRow returns the first innermost row containing label, or nil.
func (e *DetailExtractor) labelledRow(panel *goquery.Selection, label string) *goquery.Selection {
	row := panel.Find(e.sel.Row).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Find(e.sel.Row).Length() == 0 && strings.Contains(s.Text(), label)
	}).First()
	if row.Length() == 0 {
		return nil
	}
	return row
}

func text(s *goquery.Selection) string {
	return harvest.NormalizeText(s.Text())
}
