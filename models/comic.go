// Package models defines data structures for the catalog aggregator.
package models

import (
	"net/url"
	"strings"
)

// Known resource link buckets. Unrecognized keys are passed through as-is.
const (
	LinkDownloadNow = "DOWNLOAD_NOW"
	LinkReadOnline  = "READ_ONLINE"
	LinkMega        = "MEGA"
	LinkMediafire   = "MEDIAFIRE"
	LinkPixeldrain  = "PIXELDRAIN"
)

// CandidateEntry is one post extracted from a listing document.
type CandidateEntry struct {
	Title         string
	DetailURL     string
	CoverImageURL string
	Category      string
	PublishDate   string
}

// ItemRecord is the final unit of aggregated output.
type ItemRecord struct {
	ID            string            `csv:"id" json:"id"`
	Title         string            `csv:"title" json:"title"`
	Description   string            `csv:"description" json:"description"`
	CoverImageURL string            `csv:"cover_image_url" json:"coverImageUrl"`
	DetailURL     string            `csv:"detail_url" json:"detailUrl"`
	Information   map[string]string `csv:"-" json:"information"`
	ResourceLinks map[string]string `csv:"-" json:"resourceLinks"`
	PublishDate   *string           `csv:"publish_date" json:"publishDate"`
	Category      string            `csv:"category" json:"category"`
}

// Pagination describes where a result page sits in the listing.
type Pagination struct {
	CurrentPage  int  `json:"currentPage"`
	TotalPages   int  `json:"totalPages"`
	HasMore      bool `json:"hasMore"`
	TotalResults int  `json:"totalResults"`
}

// AggregateResult is the payload served for one (query, page) pair.
type AggregateResult struct {
	Results    []*ItemRecord `json:"results"`
	Pagination Pagination    `json:"pagination"`
	Success    bool          `json:"success"`
}

// ItemID derives a stable identifier from the last non-empty path segment of
// detailURL.
func ItemID(detailURL string) string {
	path := detailURL
	if parsed, err := url.Parse(detailURL); err == nil {
		path = parsed.Path
	}
	segments := strings.Split(path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segment := strings.TrimSpace(segments[i]); segment != "" {
			return segment
		}
	}
	return ""
}
