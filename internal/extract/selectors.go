package extract

// ListingSelectors locate the parts of a listing page.
type ListingSelectors struct {
	NoResults     string `toml:"no_results"`
	NoResultsText string `toml:"no_results_text"`
	Link          string `toml:"link"`
	LinkPattern   string `toml:"link_pattern"`
}

// DetailSelectors locate the fields of a detail page. Labelled fields are
// read from the innermost Row element whose text contains the label.
type DetailSelectors struct {
	Container     string `toml:"container"`
	Title         string `toml:"title"`
	Description   string `toml:"description"`
	Row           string `toml:"row"`
	Value         string `toml:"value"`
	Phone         string `toml:"phone"`
	Skype         string `toml:"skype"`
	Image         string `toml:"image"`
	ImageMarker   string `toml:"image_marker"`
	PriceLabel    string `toml:"price_label"`
	KikLabel      string `toml:"kik_label"`
	PostedByLabel string `toml:"posted_by_label"`
	PostedLabel   string `toml:"posted_label"`
}

func DefaultListingSelectors() ListingSelectors {
	return ListingSelectors{
		NoResults:     "div#info_message.alert.alert-info",
		NoResultsText: "No ads were found",
		Link:          "a[href]",
		LinkPattern:   "/ads/details/",
	}
}

func DefaultDetailSelectors() DetailSelectors {
	return DetailSelectors{
		Container:     "div.webpanelcontent3",
		Title:         "a[href='#']",
		Description:   "div.ad_detail_column",
		Row:           "div.row",
		Value:         "div.ad_detail_column",
		Phone:         "a.phone_value",
		Skype:         "a.skype_value",
		Image:         "div.ad-thumbnail-image img",
		ImageMarker:   "uploads",
		PriceLabel:    "Price:",
		KikLabel:      "KiK:",
		PostedByLabel: "Posted by:",
		PostedLabel:   "Posted:",
	}
}

// WithDefaults fills empty selectors from DefaultListingSelectors.
func (s ListingSelectors) WithDefaults() ListingSelectors {
	d := DefaultListingSelectors()
	fill(&s.NoResults, d.NoResults)
	fill(&s.NoResultsText, d.NoResultsText)
	fill(&s.Link, d.Link)
	fill(&s.LinkPattern, d.LinkPattern)
	return s
}

// WithDefaults fills empty selectors from DefaultDetailSelectors.
func (s DetailSelectors) WithDefaults() DetailSelectors {
	d := DefaultDetailSelectors()
	fill(&s.Container, d.Container)
	fill(&s.Title, d.Title)
	fill(&s.Description, d.Description)
	fill(&s.Row, d.Row)
	fill(&s.Value, d.Value)
	fill(&s.Phone, d.Phone)
	fill(&s.Skype, d.Skype)
	fill(&s.Image, d.Image)
	fill(&s.ImageMarker, d.ImageMarker)
	fill(&s.PriceLabel, d.PriceLabel)
	fill(&s.KikLabel, d.KikLabel)
	fill(&s.PostedByLabel, d.PostedByLabel)
	fill(&s.PostedLabel, d.PostedLabel)
	return s
}

func fill(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}
