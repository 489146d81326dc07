package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/news-parser/internal/crawler"
)

// SkippedItem records a listing entry that produced no stub.
type SkippedItem struct {
	Index int
	Err   error
}

// ListingResult holds the stubs of one listing page, in document order.
type ListingResult struct {
	Stubs   []crawler.ArticleStub
	Skipped []SkippedItem
}

// ScanListing extracts article stubs from a listing page. The first
// sel.SkipItems entries are dropped. A single broken entry is reported in
// Skipped and does not stop the scan; an item selector that matches nothing
// returns an *crawler.ExtractionError.
func ScanListing(html []byte, base *url.URL, sel Selectors) (ListingResult, error) {
	sel = sel.withDefaults()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return ListingResult{}, fmt.Errorf("parse listing html: %w", err)
	}

	items := doc.Find(sel.Item)
	if items.Length() == 0 {
		return ListingResult{}, &crawler.ExtractionError{Field: "item", Reason: fmt.Sprintf("selector %q matched nothing", sel.Item)}
	}

	var result ListingResult
	if sel.SkipItems >= items.Length() {
		return result, nil
	}
	items.Slice(sel.SkipItems, goquery.ToEnd).Each(func(i int, item *goquery.Selection) {
		stub, err := stubFromItem(item, base, sel)
		if err != nil {
			result.Skipped = append(result.Skipped, SkippedItem{Index: i + sel.SkipItems, Err: err})
			return
		}
		result.Stubs = append(result.Stubs, stub)
	})
	return result, nil
}

func stubFromItem(item *goquery.Selection, base *url.URL, sel Selectors) (crawler.ArticleStub, error) {
	link := firstWithParent(item, sel.Link, sel.LinkParent)
	if link.Length() == 0 {
		return crawler.ArticleStub{}, &crawler.ExtractionError{Field: "link", Reason: "no anchor under " + sel.LinkParent}
	}
	href, _ := link.Attr("href")
	articleURL, err := crawler.ResolveURL(base, href)
	if err != nil {
		return crawler.ArticleStub{}, &crawler.ExtractionError{Field: "link", Reason: err.Error()}
	}

	stub := crawler.ArticleStub{URL: articleURL}

	img := item.Find(sel.Image).First()
	if src := imageSource(img, sel.LazyImageAttr); src != "" {
		// A broken image reference is not worth losing the article over.
		if resolved, err := crawler.ResolveURL(base, src); err == nil {
			stub.ImageURL = resolved
		}
	}

	if p := firstWithParent(item, sel.Paragraph, sel.ParagraphParent); p.Length() > 0 {
		stub.ShortDescription = normalizeSpace(p.Text())
	}
	return stub, nil
}

func imageSource(img *goquery.Selection, lazyAttr string) string {
	if img.Length() == 0 {
		return ""
	}
	if v, ok := img.Attr(lazyAttr); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	v, _ := img.Attr("src")
	return strings.TrimSpace(v)
}
