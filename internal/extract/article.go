package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/news-parser/internal/crawler"
)

// ParseArticle extracts the title and body of an article page. Each content
// container is pruned of sel.Exclude nodes before its text is read, and the
// container texts are joined with newlines. An empty title or body is an
// *crawler.ExtractionError.
func ParseArticle(html []byte, sel Selectors) (crawler.ArticleContent, error) {
	sel = sel.withDefaults()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return crawler.ArticleContent{}, fmt.Errorf("parse article html: %w", err)
	}

	title := normalizeSpace(doc.Find(sel.Title).First().Text())
	if title == "" {
		return crawler.ArticleContent{}, &crawler.ExtractionError{Field: "title", Reason: fmt.Sprintf("selector %q is missing or empty", sel.Title)}
	}

	var parts []string
	doc.Find(sel.Content).Each(func(_ int, container *goquery.Selection) {
		if text := prunedText(container, sel.Exclude); text != "" {
			parts = append(parts, text)
		}
	})
	body := strings.Join(parts, "\n")
	if body == "" {
		return crawler.ArticleContent{}, &crawler.ExtractionError{Field: "description", Reason: fmt.Sprintf("selector %q produced no text", sel.Content)}
	}

	return crawler.ArticleContent{Title: title, Description: body}, nil
}
