package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/go-comics-aggregator/cache"
	"github.com/aluiziolira/go-comics-aggregator/config"
	"github.com/aluiziolira/go-comics-aggregator/pipeline"
	"github.com/aluiziolira/go-comics-aggregator/scraper"
	"github.com/aluiziolira/go-comics-aggregator/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.DefaultConfig()
	flagged := *cfg

	configPath := flag.String("config", "", "Optional YAML config file")
	serve := flag.Bool("serve", false, "Run the HTTP query interface instead of a one-shot export")
	query := flag.String("query", "", "Search query for export mode (empty for the home listing)")
	page := flag.Int("page", 1, "First listing page to export")
	pages := flag.Int("pages", 1, "Number of listing pages to export")

	flag.StringVar(&flagged.BaseURL, "base-url", cfg.BaseURL, "Catalog site base URL")
	flag.StringVar(&flagged.ProxyEndpoint, "proxy-endpoint", cfg.ProxyEndpoint, "Fetching proxy endpoint")
	flag.IntVar(&flagged.Concurrency, "concurrency", cfg.Concurrency, "Concurrent detail fetches per aggregate")
	flag.IntVar(&flagged.MaxDetails, "max-details", cfg.MaxDetails, "Detail documents enriched per listing page")
	flag.DurationVar(&flagged.MinDelay, "min-delay", cfg.MinDelay, "Minimum spacing between proxy requests")
	flag.IntVar(&flagged.MaxRetries, "max-retries", cfg.MaxRetries, "Maximum retry attempts per document")
	flag.DurationVar(&flagged.CacheTTL, "cache-ttl", cfg.CacheTTL, "Aggregate cache time-to-live")
	flag.StringVar(&flagged.RedisAddr, "redis-addr", cfg.RedisAddr, "Optional Redis address for a shared cache tier")
	flag.StringVar(&flagged.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address in serve mode")
	flag.StringVar(&flagged.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address in export mode (e.g. :9090)")
	flag.StringVar(&flagged.WarmSchedule, "warm", cfg.WarmSchedule, "Cron schedule for refreshing the home page in serve mode")
	flag.BoolVar(&flagged.ExposeErrors, "expose-errors", cfg.ExposeErrors, "Include internal error detail in error responses")
	flag.StringVar(&flagged.OutputFile, "output", cfg.OutputFile, "Output file path")
	flag.StringVar(&flagged.OutputFormat, "format", cfg.OutputFormat, "Output format: csv, json, or dual")
	flag.BoolVar(&flagged.Verbose, "v", cfg.Verbose, "Enable verbose logging")

	flag.Parse()

	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if err := applyEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		applyFlag(cfg, &flagged, f.Name)
	})
	cfg.OutputFormat = strings.ToLower(cfg.OutputFormat)

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.ProxyAPIKey == "" {
		slog.Warn("proxy API key not configured; requests will be rejected", slog.String("env", "SCRAPER_API_KEY"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := scraper.NewMetrics()
	agg, err := newAggregator(cfg, metrics)
	if err != nil {
		slog.Error("initialising aggregator", slog.Any("error", err))
		os.Exit(1)
	}

	if *serve {
		if err := runServer(ctx, cfg, agg, metrics); err != nil {
			slog.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}
	if err := runExport(ctx, cfg, agg, metrics, *query, *page, *pages); err != nil {
		slog.Error("export failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func newAggregator(cfg *config.Config, metrics *scraper.Metrics) (*pipeline.Aggregator, error) {
	fetcher, err := scraper.NewFetcher(cfg, scraper.NewRateLimiter(cfg.MinDelay, nil), metrics)
	if err != nil {
		return nil, err
	}

	memory, err := cache.NewMemory(cfg.CacheMaxEntries, cfg.CacheTTL, cache.WithEvictHook(metrics.IncCacheEviction))
	if err != nil {
		return nil, err
	}
	var store cache.Store = memory
	if cfg.RedisAddr != "" {
		store = cache.NewTiered(memory, cache.NewRedis(cache.NewRedisClient(cfg.RedisAddr), cfg.CacheTTL))
		slog.Info("redis cache tier enabled", slog.String("addr", cfg.RedisAddr))
	}

	return pipeline.NewAggregator(cfg, fetcher, store, pipeline.WithMetrics(metrics))
}

func runServer(ctx context.Context, cfg *config.Config, agg *pipeline.Aggregator, metrics *scraper.Metrics) error {
	if cfg.WarmSchedule != "" {
		warmer, err := pipeline.NewWarmer(agg, cfg.WarmSchedule, cfg.Timeout*time.Duration(cfg.MaxRetries+2))
		if err != nil {
			return err
		}
		warmer.Start()
		defer warmer.Stop()
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.NewMux(server.NewHandler(cfg, agg), metrics.Registry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("serving catalog aggregates", slog.String("addr", cfg.ListenAddr), slog.String("base_url", cfg.BaseURL))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runExport(ctx context.Context, cfg *config.Config, agg *pipeline.Aggregator, metrics *scraper.Metrics, query string, firstPage, pages int) error {
	if pages <= 0 {
		pages = 1
	}

	writer, err := createWriter(cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		return fmt.Errorf("creating writer: %w", err)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			slog.Error("close writer", slog.Any("error", err))
		}
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
			cancel()
		}()
	}

	slog.Info("starting export",
		slog.String("query", query),
		slog.Int("page", firstPage),
		slog.Int("pages", pages),
		slog.Int("concurrency", cfg.Concurrency),
	)

	exporter := pipeline.NewExporter(ctx, writer, 0)
	exporter.Start(1)

	start := time.Now()
	exportedPages := 0
	for p := firstPage; p < firstPage+pages; p++ {
		result, _, err := agg.Aggregate(ctx, query, p)
		if err != nil {
			exporter.Close()
			return fmt.Errorf("aggregate page %d: %w", p, err)
		}
		if err := exporter.Process(result.Results...); err != nil {
			exporter.Close()
			return err
		}
		exportedPages++
		if !result.Pagination.HasMore {
			break
		}
	}

	if err := exporter.Close(); err != nil {
		return fmt.Errorf("exporter shutdown: %w", err)
	}
	if err := writer.Validate(); err != nil {
		return fmt.Errorf("output validation: %w", err)
	}

	printSummary(exporter.Stats(), exportedPages, time.Since(start), cfg.OutputFile)
	return nil
}

func createWriter(format, filename string) (pipeline.OutputWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(filename)
	case "csv":
		return pipeline.NewCSVWriter(filename)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, ".csv") + ".jsonl"
		return pipeline.NewDualWriter(filename, jsonFilename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(stats pipeline.ExportStats, pages int, duration time.Duration, outputFile string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Export complete")
	fmt.Printf("  Pages:         %d\n", pages)
	fmt.Printf("  Records:       %d\n", stats.Exported)
	if len(stats.Rejected) > 0 {
		fmt.Printf("  Rejected:      %v\n", stats.Rejected)
	}
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Printf("  Output file:   %s\n", outputFile)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
