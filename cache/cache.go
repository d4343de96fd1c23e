// Package cache stores computed aggregate results keyed by query and page.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-comics-aggregator/models"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Store is a cache of aggregate results.
type Store interface {
	Get(ctx context.Context, key string) (*models.AggregateResult, bool)
	Set(ctx context.Context, key string, payload *models.AggregateResult) error
}

// Key composes the cache key for a query and page. An empty query is the
// home listing.
func Key(query string, page int) string {
	query = strings.TrimSpace(query)
	if query == "" {
		query = "home"
	}
	return fmt.Sprintf("%s-%d", query, page)
}

// expiring is a tier that can report how long an entry has left to live.
// A false ok means the lifetime is unknown.
type expiring interface {
	TTL(ctx context.Context, key string) (time.Duration, bool)
}

// boundedSetter is a tier that accepts an explicit lifetime per entry.
type boundedSetter interface {
	SetWithTTL(ctx context.Context, key string, payload *models.AggregateResult, ttl time.Duration) error
}

type entry struct {
	payload   *models.AggregateResult
	expiresAt time.Time
}

// Memory is a bounded in-process cache. Entries expire lazily on read once
// their TTL has elapsed; inserting past the bound evicts the oldest insert.
// Reads never reorder entries, so eviction is FIFO rather than LRU.
type Memory struct {
	mu      sync.Mutex
	entries *simplelru.LRU[string, entry]
	ttl     time.Duration
	now     func() time.Time
	onEvict func()
}

// Option configures a Memory cache.
type Option func(*Memory)

// WithClock sets the time source used for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// WithEvictHook registers fn to run on every overflow eviction.
func WithEvictHook(fn func()) Option {
	return func(m *Memory) {
		m.onEvict = fn
	}
}

// NewMemory builds a cache holding at most maxEntries results for ttl.
func NewMemory(maxEntries int, ttl time.Duration, opts ...Option) (*Memory, error) {
	if ttl <= 0 {
		return nil, errors.New("cache: ttl must be positive")
	}
	entries, err := simplelru.NewLRU[string, entry](maxEntries, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	m := &Memory{
		entries: entries,
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Get returns the payload for key when present and fresh.
func (m *Memory) Get(_ context.Context, key string) (*models.AggregateResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries.Peek(key)
	if !ok {
		return nil, false
	}
	if !m.now().Before(e.expiresAt) {
		m.entries.Remove(key)
		return nil, false
	}
	return e.payload, true
}

// Set stores payload under key, replacing any previous value wholesale.
func (m *Memory) Set(ctx context.Context, key string, payload *models.AggregateResult) error {
	return m.SetWithTTL(ctx, key, payload, m.ttl)
}

// SetWithTTL stores payload for ttl, capped at the cache TTL. A non-positive
// ttl stores nothing.
func (m *Memory) SetWithTTL(_ context.Context, key string, payload *models.AggregateResult, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if ttl > m.ttl {
		ttl = m.ttl
	}
	m.mu.Lock()
	evicted := m.entries.Add(key, entry{payload: payload, expiresAt: m.now().Add(ttl)})
	m.mu.Unlock()

	if evicted {
		slog.Debug("cache evicted oldest entry", slog.String("inserted", key))
		if m.onEvict != nil {
			m.onEvict()
		}
	}
	return nil
}

// TTL reports how long the entry for key stays fresh. A missing or expired
// entry reports zero.
func (m *Memory) TTL(_ context.Context, key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries.Peek(key)
	if !ok {
		return 0, true
	}
	remaining := e.expiresAt.Sub(m.now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// Len reports the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len()
}

// Keys returns stored keys from oldest to newest insert.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Keys()
}

// Tiered consults stores in order and backfills faster tiers on a hit in a
// slower one. A backfilled entry keeps the lifetime it had left in the tier
// that served it; when that lifetime is unknown, or a faster tier cannot take
// an explicit lifetime, the backfill is skipped. Writes go to every tier.
type Tiered struct {
	tiers []Store
}

// NewTiered composes stores, fastest first. Nil stores are skipped.
func NewTiered(stores ...Store) *Tiered {
	t := &Tiered{}
	for _, s := range stores {
		if s != nil {
			t.tiers = append(t.tiers, s)
		}
	}
	return t
}

// Get returns the first hit across tiers.
func (t *Tiered) Get(ctx context.Context, key string) (*models.AggregateResult, bool) {
	for i, tier := range t.tiers {
		payload, ok := tier.Get(ctx, key)
		if !ok {
			continue
		}
		if i > 0 {
			t.backfill(ctx, key, payload, tier, t.tiers[:i])
		}
		return payload, true
	}
	return nil, false
}

func (t *Tiered) backfill(ctx context.Context, key string, payload *models.AggregateResult, source Store, faster []Store) {
	src, ok := source.(expiring)
	if !ok {
		return
	}
	remaining, known := src.TTL(ctx, key)
	if !known || remaining <= 0 {
		slog.Debug("cache backfill skipped", slog.String("key", key), slog.Duration("remaining", remaining))
		return
	}
	for _, tier := range faster {
		dst, ok := tier.(boundedSetter)
		if !ok {
			continue
		}
		if err := dst.SetWithTTL(ctx, key, payload, remaining); err != nil {
			slog.Warn("cache backfill failed", slog.String("key", key), slog.Any("error", err))
		}
	}
}

// Set writes payload to every tier and joins their errors.
func (t *Tiered) Set(ctx context.Context, key string, payload *models.AggregateResult) error {
	var errs []error
	for _, tier := range t.tiers {
		if err := tier.Set(ctx, key, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
