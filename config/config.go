package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds aggregator configuration.
type Config struct {
	BaseURL       string `yaml:"base_url"`
	ProxyEndpoint string `yaml:"proxy_endpoint"`
	ProxyAPIKey   string `yaml:"proxy_api_key"`
	UserAgent     string `yaml:"user_agent"`

	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`
	MinDelay        time.Duration `yaml:"min_delay"`

	Concurrency  int           `yaml:"concurrency"`
	MaxDetails   int           `yaml:"max_details"`
	StaggerDelay time.Duration `yaml:"stagger_delay"`
	MaxPage      int           `yaml:"max_page"`

	// AggregateTimeout bounds one listing plus detail build, shared by
	// every caller waiting on it.
	AggregateTimeout time.Duration `yaml:"aggregate_timeout"`

	CacheTTL        time.Duration `yaml:"cache_ttl"`
	CacheMaxEntries int           `yaml:"cache_max_entries"`
	RedisAddr       string        `yaml:"redis_addr"`

	ListenAddr           string `yaml:"listen_addr"`
	MetricsAddr          string `yaml:"metrics_addr"`
	CacheControl         string `yaml:"cache_control"`
	CacheHitCacheControl bool   `yaml:"cache_hit_cache_control"`
	ExposeErrors         bool   `yaml:"expose_errors"`
	WarmSchedule         string `yaml:"warm_schedule"`

	OutputFile   string `yaml:"output_file"`
	OutputFormat string `yaml:"output_format"` // csv, json, or dual
	Verbose      bool   `yaml:"verbose"`
}

// DefaultConfig returns conservative defaults for the public catalog source.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "https://getcomics.org",
		ProxyEndpoint:    "https://api.scraperapi.com/",
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Timeout:          30 * time.Second,
		MaxRetries:       3,
		RetryBackoff:     time.Second,
		RetryBackoffMax:  8 * time.Second,
		MinDelay:         250 * time.Millisecond,
		Concurrency:      5,
		MaxDetails:       8,
		StaggerDelay:     150 * time.Millisecond,
		MaxPage:          100,
		AggregateTimeout: 2 * time.Minute,
		CacheTTL:         5 * time.Minute,
		CacheMaxEntries:  100,
		ListenAddr:       ":8080",
		CacheControl:     "public, s-maxage=300, stale-while-revalidate=600",
		OutputFile:       "output/comics.csv",
		OutputFormat:     "csv",
	}
}

// Validate ensures all configuration values are coherent. A missing proxy API
// key is not a validation failure: it surfaces per request as a 401.
func (c *Config) Validate() error {
	if err := validateURL("base URL", c.BaseURL); err != nil {
		return err
	}
	if err := validateURL("proxy endpoint", c.ProxyEndpoint); err != nil {
		return err
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.MinDelay < 0 {
		return fmt.Errorf("min delay cannot be negative")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.MaxDetails <= 0 {
		return fmt.Errorf("max details must be positive")
	}
	if c.StaggerDelay < 0 {
		return fmt.Errorf("stagger delay cannot be negative")
	}
	if c.MaxPage <= 0 {
		return fmt.Errorf("max page must be positive")
	}
	if c.AggregateTimeout <= 0 {
		return fmt.Errorf("aggregate timeout must be positive")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("cache max entries must be positive")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

// LoadFile overlays the YAML document at path onto c. Keys absent from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// EnvString returns the trimmed value of key when it is set and non-empty.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer when it is set.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvDuration parses key with time.ParseDuration when it is set.
func EnvDuration(key string) (time.Duration, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}
