package extract

// Selectors describes where the interesting nodes live on the source site.
type Selectors struct {
	// Item matches one listing entry.
	Item string `mapstructure:"item"`
	// Link matches candidate article anchors inside an item.
	Link string `mapstructure:"link"`
	// LinkParent is the element name the real article anchor must be a direct child of.
	LinkParent string `mapstructure:"link_parent"`
	// Image matches the preview image inside an item.
	Image string `mapstructure:"image"`
	// LazyImageAttr is read before src.
	LazyImageAttr string `mapstructure:"lazy_image_attr"`
	// Paragraph matches candidate short description nodes inside an item.
	Paragraph string `mapstructure:"paragraph"`
	// ParagraphParent is the element name the description paragraph must be a direct child of.
	ParagraphParent string `mapstructure:"paragraph_parent"`
	// SkipItems is the number of leading pinned items to drop.
	SkipItems int `mapstructure:"skip_items"`

	Title   string `mapstructure:"title"`
	Content string `mapstructure:"content"`
	Exclude string `mapstructure:"exclude"`
}

// DefaultSelectors returns the selectors for highload.today.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:            ".col.sidebar-center .lenta-item",
		Link:            "a",
		LinkParent:      "div",
		Image:           ".lenta-image img",
		LazyImageAttr:   "data-lazy-src",
		Paragraph:       "p",
		ParagraphParent: "div",
		SkipItems:       1,
		Title:           "h1.main-title",
		Content:         ".content-inner",
		Exclude:         ".mobile-show, .mobile-hide, script",
	}
}

// withDefaults fills empty fields from DefaultSelectors. SkipItems is kept as
// is, except that a negative count skips nothing.
func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&s.Item, d.Item)
	fill(&s.Link, d.Link)
	fill(&s.LinkParent, d.LinkParent)
	fill(&s.Image, d.Image)
	fill(&s.LazyImageAttr, d.LazyImageAttr)
	fill(&s.Paragraph, d.Paragraph)
	fill(&s.ParagraphParent, d.ParagraphParent)
	fill(&s.Title, d.Title)
	fill(&s.Content, d.Content)
	fill(&s.Exclude, d.Exclude)
	if s.SkipItems < 0 {
		s.SkipItems = 0
	}
	return s
}
