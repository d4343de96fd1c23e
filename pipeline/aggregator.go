// Package pipeline assembles aggregate results from listing and detail
// documents and exports them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-comics-aggregator/cache"
	"github.com/aluiziolira/go-comics-aggregator/config"
	"github.com/aluiziolira/go-comics-aggregator/models"
	"github.com/aluiziolira/go-comics-aggregator/parser"
	"github.com/aluiziolira/go-comics-aggregator/scraper"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidPage is returned for a page outside [1, MaxPage]. No fetch is
// attempted.
var ErrInvalidPage = errors.New("pipeline: invalid page")

// DocumentFetcher retrieves a document through the fetching proxy.
type DocumentFetcher interface {
	Fetch(ctx context.Context, target string) (string, error)
}

// Aggregator turns a (query, page) pair into an AggregateResult.
type Aggregator struct {
	baseURL     string
	fetcher     DocumentFetcher
	listing     *parser.ListingParser
	store       cache.Store
	metrics     *scraper.Metrics
	clock       scraper.Clock
	concurrency int
	maxDetails  int
	maxPage     int
	stagger     time.Duration
	buildLimit  time.Duration

	inflight singleflight.Group
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock sets the clock used for staggering detail fetches.
func WithClock(clock scraper.Clock) Option {
	return func(a *Aggregator) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithBuildTimeout bounds one shared aggregate build.
func WithBuildTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		a.buildLimit = d
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *scraper.Metrics) Option {
	return func(a *Aggregator) {
		a.metrics = m
	}
}

// NewAggregator wires an aggregator from cfg. store may be nil to disable
// caching.
func NewAggregator(cfg *config.Config, fetcher DocumentFetcher, store cache.Store, opts ...Option) (*Aggregator, error) {
	if fetcher == nil {
		return nil, errors.New("pipeline: fetcher is required")
	}
	listing, err := parser.NewListingParser(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	a := &Aggregator{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		fetcher:     fetcher,
		listing:     listing,
		store:       store,
		clock:       scraper.SystemClock{},
		concurrency: cfg.Concurrency,
		maxDetails:  cfg.MaxDetails,
		maxPage:     cfg.MaxPage,
		stagger:     cfg.StaggerDelay,
		buildLimit:  cfg.AggregateTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// ValidatePage rejects pages outside [1, maxPage].
func (a *Aggregator) ValidatePage(page int) error {
	if page < 1 || (a.maxPage > 0 && page > a.maxPage) {
		return fmt.Errorf("%w: %d (allowed 1-%d)", ErrInvalidPage, page, a.maxPage)
	}
	return nil
}

// Aggregate returns the result for (query, page), serving it from the cache
// when a fresh entry exists. cached reports whether it did.
func (a *Aggregator) Aggregate(ctx context.Context, query string, page int) (result *models.AggregateResult, cached bool, err error) {
	if err := a.ValidatePage(page); err != nil {
		return nil, false, err
	}
	key := cache.Key(query, page)

	if a.store != nil {
		if payload, ok := a.store.Get(ctx, key); ok {
			a.metrics.IncCacheLookup("hit")
			slog.Debug("aggregate cache hit", slog.String("key", key))
			return payload, true, nil
		}
		a.metrics.IncCacheLookup("miss")
	}

	result, err = a.compute(ctx, key, query, page)
	return result, false, err
}

// Refresh recomputes (query, page) without reading the cache and stores the
// new result.
func (a *Aggregator) Refresh(ctx context.Context, query string, page int) (*models.AggregateResult, error) {
	if err := a.ValidatePage(page); err != nil {
		return nil, err
	}
	return a.compute(ctx, cache.Key(query, page), query, page)
}

// compute collapses concurrent misses for the same key into one build. The
// build runs detached from ctx under its own deadline, so a caller that goes
// away neither cancels it for the others nor leaves a half-built result in
// the cache. The caller still stops waiting when ctx is done.
func (a *Aggregator) compute(ctx context.Context, key, query string, page int) (*models.AggregateResult, error) {
	ch := a.inflight.DoChan(key, func() (interface{}, error) {
		buildCtx, cancel := a.buildContext(ctx)
		defer cancel()

		result, err := a.build(buildCtx, query, page)
		if err != nil {
			return nil, err
		}
		if a.store != nil {
			if err := a.store.Set(buildCtx, key, result); err != nil {
				slog.Warn("aggregate cache store failed", slog.String("key", key), slog.Any("error", err))
			}
		}
		return result, nil
	})

	select {
	case <-ctx.Done():
		slog.Warn("aggregate caller gave up before the build finished",
			slog.String("key", key),
			slog.Any("error", ctx.Err()),
		)
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			slog.Debug("aggregate shared with concurrent caller", slog.String("key", key))
		}
		return res.Val.(*models.AggregateResult), nil
	}
}

func (a *Aggregator) buildContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if a.buildLimit <= 0 {
		return context.WithCancel(detached)
	}
	return context.WithTimeout(detached, a.buildLimit)
}

func (a *Aggregator) build(ctx context.Context, query string, page int) (*models.AggregateResult, error) {
	listingURL := a.ListingURL(query, page)
	logger := slog.With(
		slog.String("query", query),
		slog.Int("page", page),
		slog.String("url", listingURL),
	)
	start := time.Now()

	html, err := a.fetcher.Fetch(ctx, listingURL)
	if err != nil {
		logger.Error("listing fetch failed", slog.String("error_type", scraper.ErrorLabel(err)), slog.Any("error", err))
		return nil, fmt.Errorf("fetch listing: %w", err)
	}
	listing, err := a.listing.Parse(html)
	if err != nil {
		logger.Error("listing parse failed", slog.Any("error", err))
		return nil, fmt.Errorf("parse listing: %w", err)
	}

	candidates := selectCandidates(listing.Candidates, a.maxDetails)
	tasks := make([]Task[*parser.DetailResult], len(candidates))
	for i, candidate := range candidates {
		tasks[i] = a.detailTask(candidate.DetailURL)
	}
	details := RunBounded(ctx, tasks, a.concurrency, a.stagger, a.clock)
	if err := ctx.Err(); err != nil {
		logger.Error("aggregate interrupted during detail fetches", slog.Any("error", err))
		return nil, fmt.Errorf("aggregate interrupted: %w", err)
	}

	records := make([]*models.ItemRecord, 0, len(candidates))
	for i, candidate := range candidates {
		var detail *parser.DetailResult
		if details[i] != nil {
			detail = *details[i]
		} else {
			a.metrics.IncDetailFailure()
			logger.Warn("detail unavailable, keeping listing data",
				slog.Int("index", i),
				slog.String("detail_url", candidate.DetailURL),
			)
		}
		if record := reconcile(candidate, detail); record != nil {
			records = append(records, record)
		}
	}

	result := &models.AggregateResult{
		Results:    records,
		Pagination: buildPagination(page, listing.Pagination, len(records)),
		Success:    true,
	}
	a.metrics.AddItems(len(records))

	logger.Info("aggregate built",
		slog.Int("raw_nodes", listing.RawCount),
		slog.Int("candidates", len(listing.Candidates)),
		slog.Int("results", len(records)),
		slog.Int("total_pages", result.Pagination.TotalPages),
		slog.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

func (a *Aggregator) detailTask(detailURL string) Task[*parser.DetailResult] {
	return func(ctx context.Context) (*parser.DetailResult, error) {
		html, err := a.fetcher.Fetch(ctx, detailURL)
		if err != nil {
			slog.Warn("detail fetch failed, keeping listing data",
				slog.String("url", detailURL),
				slog.String("error_type", scraper.ErrorLabel(err)),
				slog.Any("error", err),
			)
			return nil, err
		}
		detail, err := parser.ParseDetail(html, detailURL)
		if err != nil {
			slog.Warn("detail parse failed, keeping listing data", slog.String("url", detailURL), slog.Any("error", err))
			return nil, err
		}
		return detail, nil
	}
}

// ListingURL builds the listing document address for (query, page).
func (a *Aggregator) ListingURL(query string, page int) string {
	u := a.baseURL + "/"
	if page > 1 {
		u += "page/" + strconv.Itoa(page) + "/"
	}
	if q := strings.TrimSpace(query); q != "" {
		u += "?s=" + url.QueryEscape(q)
	}
	return u
}

// selectCandidates drops repeated detail URLs, keeping the first, and caps
// the list at max.
func selectCandidates(candidates []models.CandidateEntry, max int) []models.CandidateEntry {
	seen := make(map[string]struct{}, len(candidates))
	selected := make([]models.CandidateEntry, 0, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c.DetailURL]; dup {
			continue
		}
		seen[c.DetailURL] = struct{}{}
		selected = append(selected, c)
		if max > 0 && len(selected) == max {
			break
		}
	}
	return selected
}

// reconcile merges a candidate with its detail result. Detail fields win
// unless the detail is missing or describes several merged issues, in which
// case only listing data is kept. It returns nil when the candidate lacks a
// title or detail URL.
func reconcile(candidate models.CandidateEntry, detail *parser.DetailResult) *models.ItemRecord {
	if parser.ValidateCandidate(&candidate) != nil {
		return nil
	}

	record := &models.ItemRecord{
		ID:            models.ItemID(candidate.DetailURL),
		Title:         candidate.Title,
		CoverImageURL: candidate.CoverImageURL,
		DetailURL:     candidate.DetailURL,
		Information:   map[string]string{},
		ResourceLinks: map[string]string{},
		Category:      candidate.Category,
	}
	if candidate.PublishDate != "" {
		published := candidate.PublishDate
		record.PublishDate = &published
	}

	if detail == nil || detail.MultiIssue {
		return record
	}
	record.Title = detail.Title.OrElse(candidate.Title)
	record.Description = detail.Description.OrElse("")
	if detail.Information != nil {
		record.Information = detail.Information
	}
	if detail.ResourceLinks != nil {
		record.ResourceLinks = detail.ResourceLinks
	}
	return record
}

func buildPagination(page int, partial parser.PartialPagination, results int) models.Pagination {
	total := partial.TotalPages.OrElse(page)
	if total < page {
		total = page
	}
	return models.Pagination{
		CurrentPage:  page,
		TotalPages:   total,
		HasMore:      partial.HasMore || page < total,
		TotalResults: results,
	}
}
