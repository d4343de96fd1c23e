package parser

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-comics-aggregator/models"
)

// postLayout is one extraction pass over a family of post nodes. Each field
// is read through an ordered selector list; the first non-empty match wins.
type postLayout struct {
	name           string
	nodes          string
	titleSelectors []string
	linkSelectors  []string
	coverSelectors []string
}

var (
	featuredLayout = postLayout{
		name:           "featured",
		nodes:          ".featured-posts article, article.sticky",
		titleSelectors: []string{".featured-title a", "h2.post-title a", ".post-title a", "h2 a", "h3 a"},
		linkSelectors:  []string{".featured-title a", ".post-title a", ".featured-image a", "h2 a"},
		coverSelectors: []string{".featured-image img", ".post-header-image img", "img"},
	}
	regularLayout = postLayout{
		name:           "regular",
		nodes:          ".post-list-posts article, article.post, article.type-post",
		titleSelectors: []string{"h1.post-title a", "h2.post-title a", ".post-title a", "h2 a", "h3 a"},
		linkSelectors:  []string{"h1.post-title a", ".post-title a", ".post-header-image a", "a[rel=bookmark]"},
		coverSelectors: []string{".post-header-image img", ".post-thumbnail img", "img"},
	}

	imageAttrs = []string{"data-lazy-src", "data-src", "src"}

	excludedCategories = []string{"blog", "news", "sponsored"}

	bulkTitlePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bweekly\s+pack\b`),
		regexp.MustCompile(`(?i)\bbundle\b`),
		regexp.MustCompile(`(?i)\bcomplete\s+collection\b`),
		regexp.MustCompile(`(?i)\bomnibus\s+collection\b`),
	}
	volumeToken = regexp.MustCompile(`(?i)\bvol(ume)?\b`)
)

// PartialPagination holds the pagination hints a listing document exposes.
type PartialPagination struct {
	TotalPages Field[int]
	HasMore    bool
}

// ListingResult is the outcome of parsing one listing document.
type ListingResult struct {
	Candidates []models.CandidateEntry
	Pagination PartialPagination
	// RawCount is the number of post nodes seen before exclusion.
	RawCount int
}

// ListingParser extracts candidate entries from listing documents.
type ListingParser struct {
	base *url.URL
}

// NewListingParser builds a parser that resolves relative links against baseURL.
func NewListingParser(baseURL string) (*ListingParser, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &ListingParser{base: base}, nil
}

// Parse extracts candidates and pagination hints from html.
func (p *ListingParser) Parse(html string) (*ListingResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse listing document: %w", err)
	}

	result := &ListingResult{
		Pagination: parsePagination(doc),
	}

	featured := doc.Find(featuredLayout.nodes)
	regular := doc.Find(regularLayout.nodes).Not(".sticky").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return s.Closest(".featured-posts").Length() == 0
	})

	for _, pass := range []struct {
		layout postLayout
		nodes  *goquery.Selection
	}{
		{layout: featuredLayout, nodes: featured},
		{layout: regularLayout, nodes: regular},
	} {
		pass.nodes.Each(func(_ int, s *goquery.Selection) {
			result.RawCount++
			candidate := p.extract(s, pass.layout)
			if err := ValidateCandidate(&candidate); err != nil {
				slog.Debug("dropping listing entry", slog.String("layout", pass.layout.name), slog.Any("error", err))
				return
			}
			if reason := exclusionReason(s, candidate); reason != "" {
				slog.Debug("excluding listing entry",
					slog.String("title", candidate.Title),
					slog.String("reason", reason),
				)
				return
			}
			result.Candidates = append(result.Candidates, candidate)
		})
	}

	return result, nil
}

func (p *ListingParser) extract(s *goquery.Selection, layout postLayout) models.CandidateEntry {
	title := firstPresent(
		firstAttr(s, layout.titleSelectors, "title"),
		firstText(s, layout.titleSelectors...),
	)
	link := firstAttr(s, layout.linkSelectors, "href")
	cover := firstAttr(s, layout.coverSelectors, imageAttrs...)
	published := firstPresent(
		firstAttr(s, []string{"time[datetime]"}, "datetime"),
		firstText(s, ".post-date", "time"),
	)

	category := firstText(s, ".post-category", "a[rel~='category']", ".cat-links a")

	return models.CandidateEntry{
		Title:         NormalizeWhitespace(title.OrElse("")),
		DetailURL:     resolveURL(p.base, link.OrElse("")),
		CoverImageURL: resolveURL(p.base, cover.OrElse("")),
		Category:      category.OrElse(""),
		PublishDate:   published.OrElse(""),
	}
}

// exclusionReason explains why a post is not a catalog item, or returns "".
func exclusionReason(s *goquery.Selection, c models.CandidateEntry) string {
	categoryPath := firstAttr(s, []string{".post-category", "a[rel~='category']", ".cat-links a"}, "href").OrElse("")
	if parsed, err := url.Parse(categoryPath); err == nil {
		categoryPath = parsed.Path
	}
	taxonomy := strings.ToLower(strings.Join([]string{c.Category, categoryPath, s.AttrOr("class", "")}, " "))
	for _, excluded := range excludedCategories {
		if strings.Contains(taxonomy, excluded) {
			return "category:" + excluded
		}
	}
	if IsBulkTitle(c.Title) {
		return "bulk_title"
	}
	return ""
}

// IsBulkTitle reports whether title names an aggregate pack rather than a
// single issue.
func IsBulkTitle(title string) bool {
	for _, pattern := range bulkTitlePatterns {
		if pattern.MatchString(title) {
			return true
		}
	}
	lower := strings.ToLower(title)
	return strings.Contains(lower, "collection") && volumeToken.MatchString(title)
}

func parsePagination(doc *goquery.Document) PartialPagination {
	var pagination PartialPagination

	controls := doc.Find(".pagination .page-numbers, .pagination a, .wp-pagenavi a, .wp-pagenavi span")
	last := 0
	controls.Each(func(_ int, s *goquery.Selection) {
		if isDirectionControl(s) {
			if s.HasClass("next") || strings.Contains(strings.ToLower(s.Text()), "next") {
				pagination.HasMore = true
			}
			return
		}
		text := strings.ReplaceAll(strings.TrimSpace(s.Text()), ",", "")
		if n, err := strconv.Atoi(text); err == nil && n > 0 {
			last = n
		}
	})
	if doc.Find("a[rel=next], a.next.page-numbers, .pagination-older a").Length() > 0 {
		pagination.HasMore = true
	}
	if last > 0 {
		pagination.TotalPages = Present(last)
	}
	return pagination
}

func isDirectionControl(s *goquery.Selection) bool {
	if s.HasClass("next") || s.HasClass("prev") || s.HasClass("previouspostslink") || s.HasClass("nextpostslink") {
		return true
	}
	text := strings.ToLower(strings.TrimSpace(s.Text()))
	switch {
	case strings.Contains(text, "next"), strings.Contains(text, "prev"), text == "»", text == "«":
		return true
	}
	return false
}
