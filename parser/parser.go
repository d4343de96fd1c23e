// Package parser extracts catalog entries and item details from listing and
// detail documents. Extraction is best-effort: missing fields degrade to
// Absent instead of failing the whole document.
package parser

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-comics-aggregator/models"
)

var largeGap = regexp.MustCompile(`\s*\n\s*|\s{3,}`)

// ValidateCandidate ensures a listing entry carries the minimum fields needed
// to build a record.
func ValidateCandidate(c *models.CandidateEntry) error {
	if c == nil {
		return fmt.Errorf("candidate is nil")
	}
	if strings.TrimSpace(c.Title) == "" {
		return fmt.Errorf("candidate missing title")
	}
	if strings.TrimSpace(c.DetailURL) == "" {
		return fmt.Errorf("candidate missing detail url for %s", c.Title)
	}
	return nil
}

// NormalizeWhitespace collapses every whitespace run to a single space.
func NormalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// TruncateRunes cuts text to at most n runes.
func TruncateRunes(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return strings.TrimSpace(string(runes[:n]))
}

// firstText returns the first non-empty text among selectors, in order.
func firstText(s *goquery.Selection, selectors ...string) Field[string] {
	for _, sel := range selectors {
		if f := TextField(NormalizeWhitespace(s.Find(sel).First().Text())); f.IsPresent() {
			return f
		}
	}
	return Absent[string]()
}

// firstAttr returns the first non-empty attribute among selectors, trying
// attrs in order for each matched node.
func firstAttr(s *goquery.Selection, selectors []string, attrs ...string) Field[string] {
	for _, sel := range selectors {
		node := s.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		for _, attr := range attrs {
			value, _ := node.Attr(attr)
			value = strings.TrimSpace(value)
			if value == "" || strings.HasPrefix(value, "data:") {
				continue
			}
			return Present(value)
		}
	}
	return Absent[string]()
}

func resolveURL(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}
