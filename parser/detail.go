package parser

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-comics-aggregator/models"
)

const (
	maxTitleLength       = 100
	maxDescriptionLength = 500
	minDescriptionLength = 50
	downloadMarkerClass  = "aio-red"
	buttonClassPrefix    = "aio-"
)

var (
	detailTitleSelectors = []string{"h1.post-title", ".post-info h1", "h1.entry-title", ".entry-title", "article h1", "h1"}
	contentSelectors     = []string{"section.post-contents", ".post-contents", ".entry-content", "article"}

	boilerplatePattern = regexp.MustCompile(`(?i)download|\byear\s*:|\bsize\s*:`)
	stripPatterns      = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(year|size)\s*:\s*[^|,\n]*`),
		regexp.MustCompile(`(?i)\bdownload(\s+now)?\b`),
		regexp.MustCompile(`\s*\|\s*`),
	}
	metadataBlock = regexp.MustCompile(`(?is)\byear\s*:.*\bsize\s*:|\bsize\s*:.*\byear\s*:`)
	metadataSplit = regexp.MustCompile(`[|,;•]`)
	yearToken     = regexp.MustCompile(`\b(19[3-9]\d|20\d{2})\b`)
	sizeToken     = regexp.MustCompile(`(?i)\b\d+(?:[.,]\d+)?\s*(?:KB|MB|GB|TB)\b`)
	issueYear     = regexp.MustCompile(`\((19|20)\d{2}\)`)
	nonWord       = regexp.MustCompile(`[^A-Za-z0-9]+`)
	megaWord      = regexp.MustCompile(`\bmega\b`)

	excludedLinkFragments = []string{"#comments", "#respond", "#comment-", "how-to-download", "/comment-page-"}
)

// ErrEmptyDocument is returned for a detail document with no content at all.
var ErrEmptyDocument = errors.New("parser: empty document")

// DetailResult holds the enriched fields of one item document.
type DetailResult struct {
	Title         Field[string]
	Description   Field[string]
	Information   map[string]string
	ResourceLinks map[string]string
	// MultiIssue is set when the document appears to describe several merged
	// issues; callers should then keep the listing title.
	MultiIssue bool
}

// ParseDetail extracts enriched fields from an item document at pageURL.
// It only fails when the document is empty or unreadable; individual
// missing fields are reported as Absent.
func ParseDetail(html, pageURL string) (*DetailResult, error) {
	if strings.TrimSpace(html) == "" {
		return nil, ErrEmptyDocument
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse detail document: %w", err)
	}
	base, _ := url.Parse(pageURL)

	content := contentBlock(doc)
	rawText := content.Text()

	return &DetailResult{
		Title:         detailTitle(doc),
		Description:   detailDescription(content),
		Information:   detailInformation(doc, rawText),
		ResourceLinks: resourceLinks(doc, base),
		MultiIssue:    countIssueYears(rawText) > 2,
	}, nil
}

func contentBlock(doc *goquery.Document) *goquery.Selection {
	for _, sel := range contentSelectors {
		if block := doc.Find(sel).First(); block.Length() > 0 {
			return block
		}
	}
	return doc.Find("body")
}

func detailTitle(doc *goquery.Document) Field[string] {
	for _, sel := range detailTitleSelectors {
		raw := doc.Find(sel).First().Text()
		if strings.TrimSpace(raw) == "" {
			continue
		}
		return TextField(CleanTitle(raw))
	}
	return TextField(CleanTitle(doc.Find("title").First().Text()))
}

// CleanTitle keeps the leading segment of a title that spans several visual
// lines when that segment reads as a single issue, then collapses whitespace
// and bounds the length.
func CleanTitle(raw string) string {
	segments := largeGap.Split(strings.TrimSpace(raw), -1)
	if len(segments) > 1 {
		first := strings.TrimSpace(segments[0])
		if strings.Contains(first, "#") && len(first) > 10 {
			raw = first
		}
	}
	return TruncateRunes(NormalizeWhitespace(raw), maxTitleLength)
}

func detailDescription(content *goquery.Selection) Field[string] {
	description := Absent[string]()
	content.Find("p").EachWithBreak(func(_ int, p *goquery.Selection) bool {
		text := NormalizeWhitespace(p.Text())
		if len(text) <= minDescriptionLength || boilerplatePattern.MatchString(text) {
			return true
		}
		description = Present(text)
		return false
	})
	if description.IsPresent() {
		return description
	}

	text := content.Text()
	for _, pattern := range stripPatterns {
		text = pattern.ReplaceAllString(text, " ")
	}
	return TextField(TruncateRunes(NormalizeWhitespace(text), maxDescriptionLength))
}

// detailInformation reads the "Year: ... | Size: ..." block when there is
// one, then fills Year and Size from free text where the block had none.
func detailInformation(doc *goquery.Document, rawText string) map[string]string {
	info := make(map[string]string)

	var block string
	doc.Find("p, li, div, span").Each(func(_ int, s *goquery.Selection) {
		text := NormalizeWhitespace(s.Text())
		if !metadataBlock.MatchString(text) {
			return
		}
		if block == "" || len(text) < len(block) {
			block = text
		}
	})
	for _, part := range metadataSplit.Split(block, -1) {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		key = titleKey(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" || len(key) > 30 {
			continue
		}
		if _, exists := info[key]; !exists {
			info[key] = value
		}
	}

	if _, ok := info["Year"]; !ok {
		if year := yearToken.FindString(rawText); year != "" {
			info["Year"] = year
		}
	}
	if _, ok := info["Size"]; !ok {
		if size := sizeToken.FindString(rawText); size != "" {
			info["Size"] = NormalizeWhitespace(size)
		}
	}
	return info
}

// resourceLinks buckets anchors by host, then by link text. Bucket order:
// MEGA, MEDIAFIRE, PIXELDRAIN (host), READ_ONLINE, DOWNLOAD_NOW (text),
// MEGA, MEDIAFIRE (text), then any other download button under its own
// label. The first anchor per bucket wins, except that a DOWNLOAD_NOW anchor
// carrying the marker class replaces an unmarked one.
func resourceLinks(doc *goquery.Document, base *url.URL) map[string]string {
	links := make(map[string]string)
	markedDownload := false

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return
		}
		abs := resolveURL(base, href)
		if isExcludedLink(abs) {
			return
		}

		key := classifyLink(abs, a)
		if key == "" {
			return
		}
		marked := a.HasClass(downloadMarkerClass)
		if existing, ok := links[key]; ok && existing != "" {
			if key != models.LinkDownloadNow || markedDownload || !marked {
				return
			}
		}
		links[key] = abs
		if key == models.LinkDownloadNow && marked {
			markedDownload = true
		}
	})
	return links
}

func classifyLink(href string, a *goquery.Selection) string {
	host := ""
	if parsed, err := url.Parse(href); err == nil {
		host = strings.ToLower(parsed.Host)
	}
	text := strings.ToLower(NormalizeWhitespace(a.Text()))
	if text == "" {
		text = strings.ToLower(a.AttrOr("title", ""))
	}

	switch {
	case strings.Contains(host, "mega.nz"), strings.Contains(host, "mega.co.nz"):
		return models.LinkMega
	case strings.Contains(host, "mediafire.com"):
		return models.LinkMediafire
	case strings.Contains(host, "pixeldrain"):
		return models.LinkPixeldrain
	case strings.Contains(text, "read online"):
		return models.LinkReadOnline
	case strings.Contains(text, "download now"), strings.Contains(text, "main server"):
		return models.LinkDownloadNow
	case megaWord.MatchString(text):
		return models.LinkMega
	case strings.Contains(text, "mediafire"):
		return models.LinkMediafire
	}

	if text != "" && hasButtonClass(a) {
		return linkLabel(text)
	}
	return ""
}

func hasButtonClass(a *goquery.Selection) bool {
	for _, class := range strings.Fields(a.AttrOr("class", "")) {
		if strings.HasPrefix(class, buttonClassPrefix) {
			return true
		}
	}
	return false
}

func linkLabel(text string) string {
	label := strings.Trim(nonWord.ReplaceAllString(text, "_"), "_")
	return TruncateRunes(strings.ToUpper(label), 40)
}

func isExcludedLink(href string) bool {
	lower := strings.ToLower(href)
	for _, fragment := range excludedLinkFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

func countIssueYears(text string) int {
	seen := make(map[string]struct{})
	for _, match := range issueYear.FindAllString(text, -1) {
		seen[match] = struct{}{}
	}
	return len(seen)
}

func titleKey(raw string) string {
	words := strings.Fields(raw)
	for i, w := range words {
		runes := []rune(strings.ToLower(w))
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
