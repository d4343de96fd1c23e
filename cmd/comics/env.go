package main

import (
	"strconv"

	"github.com/aluiziolira/go-comics-aggregator/config"
)

// applyEnv overlays environment settings onto cfg.
func applyEnv(cfg *config.Config) error {
	if v, ok := config.EnvString("SCRAPER_API_KEY"); ok {
		cfg.ProxyAPIKey = v
	}
	if v, ok := config.EnvString("COMICS_BASE_URL"); ok {
		cfg.BaseURL = v
	}
	if v, ok := config.EnvString("COMICS_PROXY_ENDPOINT"); ok {
		cfg.ProxyEndpoint = v
	}
	if v, ok := config.EnvString("COMICS_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := config.EnvString("COMICS_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := config.EnvString("COMICS_REDIS_ADDR"); ok {
		cfg.RedisAddr = v
	}
	if v, ok := config.EnvString("COMICS_WARM_SCHEDULE"); ok {
		cfg.WarmSchedule = v
	}
	if v, ok := config.EnvString("COMICS_OUTPUT"); ok {
		cfg.OutputFile = v
	}
	if v, ok := config.EnvString("COMICS_EXPOSE_ERRORS"); ok {
		expose, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		cfg.ExposeErrors = expose
	}

	if v, ok, err := config.EnvInt("COMICS_CONCURRENCY"); err != nil {
		return err
	} else if ok {
		cfg.Concurrency = v
	}
	if v, ok, err := config.EnvInt("COMICS_MAX_DETAILS"); err != nil {
		return err
	} else if ok {
		cfg.MaxDetails = v
	}
	if v, ok, err := config.EnvDuration("COMICS_MIN_DELAY"); err != nil {
		return err
	} else if ok {
		cfg.MinDelay = v
	}
	if v, ok, err := config.EnvDuration("COMICS_CACHE_TTL"); err != nil {
		return err
	} else if ok {
		cfg.CacheTTL = v
	}
	if v, ok, err := config.EnvDuration("COMICS_AGGREGATE_TIMEOUT"); err != nil {
		return err
	} else if ok {
		cfg.AggregateTimeout = v
	}
	return nil
}

// applyFlag copies an explicitly set flag from flagged onto cfg.
func applyFlag(cfg, flagged *config.Config, name string) {
	switch name {
	case "base-url":
		cfg.BaseURL = flagged.BaseURL
	case "proxy-endpoint":
		cfg.ProxyEndpoint = flagged.ProxyEndpoint
	case "concurrency":
		cfg.Concurrency = flagged.Concurrency
	case "max-details":
		cfg.MaxDetails = flagged.MaxDetails
	case "min-delay":
		cfg.MinDelay = flagged.MinDelay
	case "max-retries":
		cfg.MaxRetries = flagged.MaxRetries
	case "cache-ttl":
		cfg.CacheTTL = flagged.CacheTTL
	case "redis-addr":
		cfg.RedisAddr = flagged.RedisAddr
	case "listen":
		cfg.ListenAddr = flagged.ListenAddr
	case "metrics-addr":
		cfg.MetricsAddr = flagged.MetricsAddr
	case "warm":
		cfg.WarmSchedule = flagged.WarmSchedule
	case "expose-errors":
		cfg.ExposeErrors = flagged.ExposeErrors
	case "output":
		cfg.OutputFile = flagged.OutputFile
	case "format":
		cfg.OutputFormat = flagged.OutputFormat
	case "v":
		cfg.Verbose = flagged.Verbose
	}
}
