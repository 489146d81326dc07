package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// firstWithParent returns the first node under root matching selector whose
// immediate parent matches parentSelector.
func firstWithParent(root *goquery.Selection, selector, parentSelector string) *goquery.Selection {
	return root.Find(selector).FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Parent().Is(parentSelector)
	}).First()
}

// prunedText serializes the text of a copy of sel after removing every
// descendant matching exclude. The source document is left untouched.
func prunedText(sel *goquery.Selection, exclude string) string {
	clone := sel.Clone()
	if exclude != "" {
		clone.Find(exclude).Remove()
	}
	return normalizeSpace(clone.Text())
}

// normalizeSpace collapses runs of whitespace into single spaces.
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
