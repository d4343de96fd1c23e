package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/go-comics-aggregator/cache"
	"github.com/aluiziolira/go-comics-aggregator/config"
	"github.com/aluiziolira/go-comics-aggregator/models"
	"github.com/aluiziolira/go-comics-aggregator/parser"
	"github.com/aluiziolira/go-comics-aggregator/scraper"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBaseURL       = "https://catalog.test"
	testProxyEndpoint = "http://proxy.test/render"
)

type listingPost struct {
	title    string
	slug     string
	category string
}

func listingDocument(posts []listingPost) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="post-list-posts">`)
	for _, p := range posts {
		fmt.Fprintf(&b, `<article class="post type-post">
  <div class="post-header-image"><a href="/%[1]s/"><img src="/img/%[1]s.jpg"></a></div>
  <div class="post-info">
    <a class="post-category" href="/cat/%[2]s/">%[3]s</a>
    <h1 class="post-title"><a href="/%[1]s/">%[4]s</a></h1>
    <time datetime="2024-05-01T10:00:00+00:00">May 1, 2024</time>
  </div>
</article>`, p.slug, strings.ToLower(p.category), p.category, p.title)
	}
	b.WriteString(`</div>
<nav class="pagination">
  <span class="page-numbers current">1</span>
  <a class="page-numbers" href="/page/2/">2</a>
  <a class="page-numbers" href="/page/3/">3</a>
  <a class="next page-numbers" href="/page/2/">Next</a>
</nav></body></html>`)
	return b.String()
}

func detailDocument(n int) string {
	return fmt.Sprintf(`<html><body><article>
<h1 class="post-title">Batman #%[1]d (2024)</h1>
<section class="post-contents">
  <p>The Dark Knight returns in issue %[1]d of an acclaimed run across Gotham City.</p>
  <p>Year : 2024 | Size : 40 MB</p>
  <div class="aio-pulse"><a class="aio-red" href="https://catalog.test/dl/%[1]d">Download Now</a></div>
</section>
</article></body></html>`, n)
}

// catalogFixture is a listing with twelve posts: nine single issues and
// three excluded posts.
func catalogFixture() (string, map[string]string) {
	var posts []listingPost
	details := make(map[string]string)
	for i := 1; i <= 9; i++ {
		slug := fmt.Sprintf("batman-%d", i)
		posts = append(posts, listingPost{title: fmt.Sprintf("Batman #%d", i), slug: slug, category: "DC"})
		details[testBaseURL+"/"+slug+"/"] = detailDocument(i)
		if i == 3 {
			posts = append(posts, listingPost{title: "Batman Weekly Pack Vol. 3", slug: "pack-3", category: "DC"})
		}
		if i == 6 {
			posts = append(posts, listingPost{title: "Batman news roundup", slug: "roundup", category: "News"})
		}
	}
	posts = append(posts, listingPost{title: "DC Bundle 2024", slug: "dc-bundle", category: "DC"})
	return listingDocument(posts), details
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = testBaseURL
	cfg.ProxyEndpoint = testProxyEndpoint
	cfg.ProxyAPIKey = "test-key"
	cfg.MinDelay = 0
	cfg.MaxRetries = 0
	return cfg
}

func TestAggregateEndToEnd(t *testing.T) {
	listing, details := catalogFixture()
	listingURL := testBaseURL + "/?s=batman"

	var calls int64
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, testProxyEndpoint, func(req *http.Request) (*http.Response, error) {
		atomic.AddInt64(&calls, 1)
		target := req.URL.Query().Get("url")
		if target == listingURL {
			return httpmock.NewStringResponse(http.StatusOK, listing), nil
		}
		if doc, ok := details[target]; ok {
			return httpmock.NewStringResponse(http.StatusOK, doc), nil
		}
		return httpmock.NewStringResponse(http.StatusNotFound, "missing "+target), nil
	})

	cfg := testConfig()
	metrics := scraper.NewMetrics()
	fetcher, err := scraper.NewFetcher(cfg, scraper.NewRateLimiter(0, nil), metrics)
	require.NoError(t, err)
	fetcher.SetTransport(transport)

	store, err := cache.NewMemory(cfg.CacheMaxEntries, cfg.CacheTTL)
	require.NoError(t, err)
	clock := newFakeClock()
	agg, err := NewAggregator(cfg, fetcher, store, WithClock(clock), WithMetrics(metrics))
	require.NoError(t, err)

	result, cached, err := agg.Aggregate(context.Background(), "batman", 1)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.True(t, result.Success)
	require.Len(t, result.Results, 8)
	assert.Equal(t, int64(9), atomic.LoadInt64(&calls), "one listing fetch and eight detail fetches")

	assert.Equal(t, models.Pagination{CurrentPage: 1, TotalPages: 3, HasMore: true, TotalResults: 8}, result.Pagination)
	for i, r := range result.Results {
		n := i + 1
		assert.Equal(t, fmt.Sprintf("batman-%d", n), r.ID)
		assert.Equal(t, fmt.Sprintf("Batman #%d (2024)", n), r.Title)
		assert.Equal(t, "DC", r.Category)
		assert.Equal(t, "2024", r.Information["Year"])
		assert.Equal(t, fmt.Sprintf("https://catalog.test/dl/%d", n), r.ResourceLinks[models.LinkDownloadNow])
		require.NotNil(t, r.PublishDate)
	}

	again, cached, err := agg.Aggregate(context.Background(), "batman", 1)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Same(t, result, again)
	assert.Equal(t, int64(9), atomic.LoadInt64(&calls), "cache hit issues no fetches")
}

// stubFetcher serves documents from a map and counts calls per URL.
type stubFetcher struct {
	mu    sync.Mutex
	docs  map[string]string
	errs  map[string]error
	calls []string
}

func (s *stubFetcher) Fetch(_ context.Context, target string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, target)
	if err, ok := s.errs[target]; ok {
		return "", err
	}
	if doc, ok := s.docs[target]; ok {
		return doc, nil
	}
	return "", &scraper.UpstreamHTTPError{StatusCode: http.StatusNotFound}
}

func (s *stubFetcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newStubAggregator(t *testing.T, fetcher *stubFetcher, store cache.Store) *Aggregator {
	t.Helper()
	agg, err := NewAggregator(testConfig(), fetcher, store, WithClock(newFakeClock()))
	require.NoError(t, err)
	return agg
}

func TestAggregateRejectsInvalidPage(t *testing.T) {
	fetcher := &stubFetcher{}
	agg := newStubAggregator(t, fetcher, nil)

	for _, page := range []int{0, -1, 101} {
		_, _, err := agg.Aggregate(context.Background(), "", page)
		require.ErrorIs(t, err, ErrInvalidPage, "page %d", page)
	}
	_, err := agg.Refresh(context.Background(), "", 0)
	require.ErrorIs(t, err, ErrInvalidPage)
	assert.Zero(t, fetcher.callCount())
}

func TestAggregateListingFailureIsFatal(t *testing.T) {
	fetcher := &stubFetcher{errs: map[string]error{
		testBaseURL + "/": &scraper.UpstreamHTTPError{StatusCode: http.StatusBadGateway, Body: "bad gateway"},
	}}
	store, err := cache.NewMemory(10, time.Minute)
	require.NoError(t, err)
	agg := newStubAggregator(t, fetcher, store)

	_, _, err = agg.Aggregate(context.Background(), "", 1)
	var upstream *scraper.UpstreamHTTPError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadGateway, upstream.StatusCode)
	assert.Equal(t, 0, store.Len(), "failures are not cached")
}

func TestAggregateDegradesFailedDetail(t *testing.T) {
	listing := listingDocument([]listingPost{
		{title: "Batman #1", slug: "batman-1", category: "DC"},
		{title: "Batman #2", slug: "batman-2", category: "DC"},
	})
	fetcher := &stubFetcher{
		docs: map[string]string{
			testBaseURL + "/":          listing,
			testBaseURL + "/batman-1/": detailDocument(1),
		},
		errs: map[string]error{
			testBaseURL + "/batman-2/": &scraper.FetchError{URL: testBaseURL + "/batman-2/", Attempts: 4, LastStatus: http.StatusTooManyRequests},
		},
	}
	agg := newStubAggregator(t, fetcher, nil)

	result, _, err := agg.Aggregate(context.Background(), "", 1)
	require.NoError(t, err)
	require.Len(t, result.Results, 2)

	assert.Equal(t, "Batman #1 (2024)", result.Results[0].Title)
	degraded := result.Results[1]
	assert.Equal(t, "Batman #2", degraded.Title)
	assert.Empty(t, degraded.Description)
	assert.Empty(t, degraded.ResourceLinks)
	assert.Equal(t, "https://catalog.test/img/batman-2.jpg", degraded.CoverImageURL)
}

func TestAggregateRefreshBypassesCache(t *testing.T) {
	fetcher := &stubFetcher{docs: map[string]string{
		testBaseURL + "/page/2/": listingDocument(nil),
	}}
	store, err := cache.NewMemory(10, time.Minute)
	require.NoError(t, err)
	agg := newStubAggregator(t, fetcher, store)

	_, _, err = agg.Aggregate(context.Background(), "", 2)
	require.NoError(t, err)
	_, err = agg.Refresh(context.Background(), "", 2)
	require.NoError(t, err)
	_, cached, err := agg.Aggregate(context.Background(), "", 2)
	require.NoError(t, err)

	assert.True(t, cached)
	assert.Equal(t, 2, fetcher.callCount())
}

func TestListingURL(t *testing.T) {
	agg := newStubAggregator(t, &stubFetcher{}, nil)

	tests := []struct {
		query string
		page  int
		want  string
	}{
		{query: "", page: 1, want: "https://catalog.test/"},
		{query: "", page: 4, want: "https://catalog.test/page/4/"},
		{query: "batman", page: 1, want: "https://catalog.test/?s=batman"},
		{query: " spider man ", page: 2, want: "https://catalog.test/page/2/?s=spider+man"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, agg.ListingURL(tt.query, tt.page))
	}
}

func TestReconcile(t *testing.T) {
	candidate := models.CandidateEntry{
		Title:         "Batman #42",
		DetailURL:     "https://catalog.test/dc/batman-42/",
		CoverImageURL: "https://cdn.test/b42.jpg",
		Category:      "DC",
	}
	detail := &parser.DetailResult{
		Title:         parser.Present("Batman #42 (2024)"),
		Description:   parser.Present("Gotham burns."),
		Information:   map[string]string{"Year": "2024"},
		ResourceLinks: map[string]string{models.LinkMega: "https://mega.nz/file/x"},
	}

	tests := []struct {
		name      string
		candidate models.CandidateEntry
		detail    *parser.DetailResult
		wantNil   bool
		wantTitle string
		wantLinks int
	}{
		{name: "detail preferred", candidate: candidate, detail: detail, wantTitle: "Batman #42 (2024)", wantLinks: 1},
		{name: "missing detail", candidate: candidate, detail: nil, wantTitle: "Batman #42"},
		{name: "multi issue keeps listing title", candidate: candidate, detail: &parser.DetailResult{Title: parser.Present("Batman #1-3"), MultiIssue: true}, wantTitle: "Batman #42"},
		{name: "absent detail title", candidate: candidate, detail: &parser.DetailResult{}, wantTitle: "Batman #42"},
		{name: "candidate without url", candidate: models.CandidateEntry{Title: "Batman #42"}, detail: detail, wantNil: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := reconcile(tt.candidate, tt.detail)
			if tt.wantNil {
				assert.Nil(t, record)
				return
			}
			require.NotNil(t, record)
			assert.Equal(t, tt.wantTitle, record.Title)
			assert.Equal(t, "batman-42", record.ID)
			assert.Len(t, record.ResourceLinks, tt.wantLinks)
			assert.Nil(t, record.PublishDate)
		})
	}
}

func TestSelectCandidatesDedupesAndCaps(t *testing.T) {
	in := []models.CandidateEntry{
		{Title: "A", DetailURL: "u1"},
		{Title: "A again", DetailURL: "u1"},
		{Title: "B", DetailURL: "u2"},
		{Title: "C", DetailURL: "u3"},
	}
	got := selectCandidates(in, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Title)
	assert.Equal(t, "B", got[1].Title)
}

func TestBuildPaginationDefaultsToCurrentPage(t *testing.T) {
	got := buildPagination(4, parser.PartialPagination{}, 3)
	assert.Equal(t, models.Pagination{CurrentPage: 4, TotalPages: 4, HasMore: false, TotalResults: 3}, got)

	got = buildPagination(1, parser.PartialPagination{TotalPages: parser.Present(7)}, 0)
	assert.True(t, got.HasMore)
	assert.Equal(t, 7, got.TotalPages)
}

func TestAggregateCoalescesConcurrentMisses(t *testing.T) {
	release := make(chan struct{})
	var calls int64
	fetcher := blockingFetcher{release: release, calls: &calls, doc: listingDocument(nil)}
	agg, err := NewAggregator(testConfig(), fetcher, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*models.AggregateResult, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, _, err := agg.Aggregate(context.Background(), "", 1)
			if err == nil {
				results[i] = r
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	for _, r := range results {
		require.NotNil(t, r)
	}
}

type blockingFetcher struct {
	release <-chan struct{}
	calls   *int64
	doc     string
}

func (b blockingFetcher) Fetch(ctx context.Context, _ string) (string, error) {
	atomic.AddInt64(b.calls, 1)
	select {
	case <-b.release:
		return b.doc, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// cancelAfterListing cancels the caller's context as soon as the listing
// document has been served, as a disconnecting client would.
type cancelAfterListing struct {
	*stubFetcher
	listingURL string
	cancel     context.CancelFunc
}

func (c *cancelAfterListing) Fetch(ctx context.Context, target string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	doc, err := c.stubFetcher.Fetch(ctx, target)
	if target == c.listingURL {
		c.cancel()
	}
	return doc, err
}

func TestAggregateCallerCancelDoesNotCacheDegradedResult(t *testing.T) {
	listing, details := catalogFixture()
	listingURL := testBaseURL + "/?s=batman"
	details[listingURL] = listing

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &cancelAfterListing{stubFetcher: &stubFetcher{docs: details}, listingURL: listingURL, cancel: cancel}

	store, err := cache.NewMemory(10, time.Minute)
	require.NoError(t, err)
	agg, err := NewAggregator(testConfig(), fetcher, store, WithClock(newFakeClock()))
	require.NoError(t, err)

	if result, _, err := agg.Aggregate(ctx, "batman", 1); err == nil {
		requireFullyEnriched(t, result)
	} else {
		require.ErrorIs(t, err, context.Canceled)
	}

	fresh, _, err := agg.Aggregate(context.Background(), "batman", 1)
	require.NoError(t, err)
	requireFullyEnriched(t, fresh)

	again, cached, err := agg.Aggregate(context.Background(), "batman", 1)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Same(t, fresh, again)
}

func requireFullyEnriched(t *testing.T, result *models.AggregateResult) {
	t.Helper()
	require.Len(t, result.Results, 8)
	for _, r := range result.Results {
		assert.NotEmpty(t, r.Description, "record %s", r.ID)
		assert.NotEmpty(t, r.ResourceLinks, "record %s", r.ID)
	}
}

// stalledDetails serves the listing and blocks every detail fetch until its
// context ends.
type stalledDetails struct {
	listingURL string
	listing    string
}

func (s stalledDetails) Fetch(ctx context.Context, target string) (string, error) {
	if target == s.listingURL {
		return s.listing, nil
	}
	<-ctx.Done()
	return "", ctx.Err()
}

func TestAggregateBuildTimeoutIsNotCached(t *testing.T) {
	listing, _ := catalogFixture()
	fetcher := stalledDetails{listingURL: testBaseURL + "/?s=batman", listing: listing}

	store, err := cache.NewMemory(10, time.Minute)
	require.NoError(t, err)
	agg, err := NewAggregator(testConfig(), fetcher, store, WithClock(newFakeClock()), WithBuildTimeout(20*time.Millisecond))
	require.NoError(t, err)

	_, _, err = agg.Aggregate(context.Background(), "batman", 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, store.Len(), "interrupted build must not be cached")
}

func TestAggregateLogsDegradedDetailURL(t *testing.T) {
	logs := captureLogs(t)

	listing := listingDocument([]listingPost{
		{title: "Batman #1", slug: "batman-1", category: "DC"},
		{title: "Batman #2", slug: "batman-2", category: "DC"},
	})
	fetcher := &stubFetcher{docs: map[string]string{
		testBaseURL + "/":          listing,
		testBaseURL + "/batman-1/": detailDocument(1),
	}}
	agg := newStubAggregator(t, fetcher, nil)

	_, _, err := agg.Aggregate(context.Background(), "", 1)
	require.NoError(t, err)

	out := logs.String()
	assert.Contains(t, out, "detail unavailable, keeping listing data")
	assert.Contains(t, out, "detail_url=https://catalog.test/batman-2/")
	assert.NotContains(t, out, "detail_url=https://catalog.test/batman-1/")
}
