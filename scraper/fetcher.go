package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/aluiziolira/go-comics-aggregator/config"
	"github.com/gocolly/colly/v2"
)

const (
	responseKey  = "response"
	startKey     = "start"
	maxErrorBody = 512
)

// Fetcher performs logical GETs through the fetching proxy with throttling,
// timeout, retry and backoff.
type Fetcher struct {
	collector  *colly.Collector
	limiter    *RateLimiter
	clock      Clock
	endpoint   *url.URL
	apiKey     string
	maxRetries int
	backoff    time.Duration
	backoffMax time.Duration
	Metrics    *Metrics
}

// fetchAttempt tracks one logical fetch across its retries.
type fetchAttempt struct {
	url        string
	number     int
	lastStatus int
	lastErr    error
}

// NewFetcher builds a fetcher configured from cfg. An empty proxy API key is
// accepted here and reported by each Fetch call instead.
func NewFetcher(cfg *config.Config, limiter *RateLimiter, metrics *Metrics) (*Fetcher, error) {
	endpoint, err := url.Parse(cfg.ProxyEndpoint)
	if err != nil {
		return nil, fmt.Errorf("parse proxy endpoint: %w", err)
	}
	if endpoint.Host == "" {
		return nil, fmt.Errorf("proxy endpoint must include a host")
	}
	if limiter == nil {
		limiter = NewRateLimiter(cfg.MinDelay, nil)
	}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(cfg.Timeout)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	f := &Fetcher{
		collector:  collector,
		limiter:    limiter,
		clock:      SystemClock{},
		endpoint:   endpoint,
		apiKey:     cfg.ProxyAPIKey,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		backoffMax: cfg.RetryBackoffMax,
		Metrics:    metrics,
	}
	f.configureHandlers()
	return f, nil
}

// SetTransport replaces the HTTP transport used for proxy requests.
func (f *Fetcher) SetTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

// SetClock replaces the clock used for backoff sleeps.
func (f *Fetcher) SetClock(clock Clock) {
	if clock == nil {
		clock = SystemClock{}
	}
	f.clock = clock
}

// Fetch retrieves target with the configured retry budget.
func (f *Fetcher) Fetch(ctx context.Context, target string) (string, error) {
	return f.FetchDocument(ctx, target, f.maxRetries)
}

// FetchDocument retrieves target through the proxy, making up to
// maxRetries+1 attempts. 429s and network errors back off and retry; any
// other non-2xx status fails immediately with an *UpstreamHTTPError.
func (f *Fetcher) FetchDocument(ctx context.Context, target string, maxRetries int) (string, error) {
	if f.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	proxyURL := f.proxyURL(target)

	attempt := &fetchAttempt{url: target}
	for attempt.number = 0; attempt.number <= maxRetries; attempt.number++ {
		if err := f.limiter.Throttle(ctx); err != nil {
			return "", err
		}

		body, status, err := f.do(proxyURL)
		if err == nil {
			return body, nil
		}
		attempt.lastStatus = status
		attempt.lastErr = err

		classified := classifyError(err, status)
		category := ErrorLabel(classified)
		f.Metrics.IncError(category)

		if status != 0 && status != http.StatusTooManyRequests {
			slog.Error("upstream rejected fetch",
				slog.String("url", target),
				slog.Int("status", status),
				slog.Int("attempt", attempt.number),
			)
			return "", &UpstreamHTTPError{StatusCode: status, Body: truncate(body, maxErrorBody)}
		}
		if attempt.number == maxRetries {
			break
		}

		delay := f.backoffFor(attempt.number)
		f.Metrics.IncRetries()
		slog.Warn("retrying fetch",
			slog.String("url", target),
			slog.String("category", category),
			slog.Int("attempt", attempt.number),
			slog.Duration("backoff", delay),
			slog.Any("error", err),
		)
		if err := f.clock.Sleep(ctx, delay); err != nil {
			return "", err
		}
	}

	return "", &FetchError{
		URL:        attempt.url,
		Attempts:   attempt.number + 1,
		LastStatus: attempt.lastStatus,
		LastErr:    classifyError(attempt.lastErr, attempt.lastStatus),
	}
}

func (f *Fetcher) configureHandlers() {
	f.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put(startKey, time.Now())
		f.Metrics.IncRequest("proxy")
	})

	f.collector.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(responseKey, r)
		if start, ok := r.Ctx.GetAny(startKey).(time.Time); ok {
			f.Metrics.ObserveDuration(time.Since(start))
		}
	})

	f.collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.Ctx != nil {
			r.Ctx.Put(responseKey, r)
		}
	})
}

// do issues a single proxied GET. status is 0 when no response arrived.
func (f *Fetcher) do(proxyURL string) (string, int, error) {
	reqCtx := colly.NewContext()
	err := f.collector.Request(http.MethodGet, proxyURL, nil, reqCtx, nil)
	resp, _ := reqCtx.GetAny(responseKey).(*colly.Response)

	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return "", status, err
	}
	if resp == nil {
		return "", 0, errors.New("proxy returned no response")
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return string(resp.Body), resp.StatusCode, fmt.Errorf("http status %d", resp.StatusCode)
	}
	return string(resp.Body), resp.StatusCode, nil
}

func (f *Fetcher) proxyURL(target string) string {
	u := *f.endpoint
	q := u.Query()
	q.Set("api_key", f.apiKey)
	q.Set("url", target)
	u.RawQuery = q.Encode()
	return u.String()
}

// backoffFor returns base * 2^attempt, capped at backoffMax.
func (f *Fetcher) backoffFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		attempt = 30
	}

	base := f.backoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<attempt)
	if max := f.backoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
