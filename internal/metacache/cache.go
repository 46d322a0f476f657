// Package metacache implements the tiered object metadata cache.
//
// A Cache consults a fast in-process layer first and a shared layer second,
// backfilling the fast layer on a shared hit. Caching is advisory: layer
// failures are logged, counted and treated as misses so that callers fall
// through to the authoritative object store.
//
// Entries carry an absolute expiry. Expired entries are evicted lazily when
// they are read; no background sweep is required.
package metacache

import (
	"context"
	"log/slog"
	"time"

	s3err "github.com/amazons3/amazons3/internal/errors"
	"github.com/amazons3/amazons3/internal/metrics"
)

// Stat is the cached object metadata.
type Stat struct {
	Size         int64     `json:"size"`
	ETag         string    `json:"etag,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified,omitempty"`
	StorageClass string    `json:"storage_class,omitempty"`
	IsDir        bool      `json:"is_dir,omitempty"`
}

// Entry is a cached existence/stat result for one object key.
type Entry struct {
	Key       string    `json:"key"`
	Exists    bool      `json:"exists"`
	Stat      Stat      `json:"stat"`
	ExpiresAt time.Time `json:"expires_at"`
}

// liveAt reports whether the entry is still valid at now. An entry expires
// exactly at ExpiresAt.
func (e Entry) liveAt(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Layer is one tier of the cache. Implementations must be safe for
// concurrent use. Get reports ok=false for a missing key; expiry is
// enforced by Cache, not by the layer.
type Layer interface {
	Name() string
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, e Entry) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the wall clock used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger used to report absorbed layer errors.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// Cache is the process-wide metadata cache. Either layer may be nil; a Cache
// with no layers always misses.
type Cache struct {
	fast   Layer
	shared Layer
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Cache over the given layers.
func New(fast, shared Layer, opts ...Option) *Cache {
	c := &Cache{
		fast:   fast,
		shared: shared,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Disabled returns a Cache that never stores anything.
func Disabled() *Cache {
	return New(nil, nil)
}

// Lookup returns the live entry for key. A miss in both layers, an expired
// entry and a layer failure are all reported as ok=false; the caller must
// then stat the object remotely and call Store.
func (c *Cache) Lookup(ctx context.Context, key string) (Entry, bool) {
	now := c.now()

	if c.fast != nil {
		if e, ok := c.get(ctx, c.fast, key, now); ok {
			return e, true
		}
	}

	if c.shared != nil {
		if e, ok := c.get(ctx, c.shared, key, now); ok {
			if c.fast != nil {
				if err := c.fast.Set(ctx, e); err != nil {
					c.report(c.fast.Name(), "backfill", key, err)
				}
			}
			return e, true
		}
	}

	return Entry{}, false
}

// get reads key from one layer, evicting it when expired.
func (c *Cache) get(ctx context.Context, l Layer, key string, now time.Time) (Entry, bool) {
	e, ok, err := l.Get(ctx, key)
	if err != nil {
		c.report(l.Name(), "get", key, err)
		metrics.CacheLookupsTotal.WithLabelValues(l.Name(), "error").Inc()
		return Entry{}, false
	}
	if !ok {
		metrics.CacheLookupsTotal.WithLabelValues(l.Name(), "miss").Inc()
		return Entry{}, false
	}
	if !e.liveAt(now) {
		metrics.CacheLookupsTotal.WithLabelValues(l.Name(), "expired").Inc()
		if err := l.Delete(ctx, key); err != nil {
			c.report(l.Name(), "delete", key, err)
		}
		return Entry{}, false
	}
	metrics.CacheLookupsTotal.WithLabelValues(l.Name(), "hit").Inc()
	return e, true
}

// Store records the existence and stat of key in both layers. A ttlSeconds
// of zero (or less) makes Store a no-op, which is how "caching disabled" is
// expressed: every subsequent Lookup misses.
func (c *Cache) Store(ctx context.Context, key string, exists bool, stat Stat, ttlSeconds int) {
	if ttlSeconds <= 0 {
		return
	}
	e := Entry{
		Key:       key,
		Exists:    exists,
		Stat:      stat,
		ExpiresAt: c.now().Add(time.Duration(ttlSeconds) * time.Second),
	}
	for _, l := range c.layers() {
		if err := l.Set(ctx, e); err != nil {
			c.report(l.Name(), "set", key, err)
		}
	}
}

// Invalidate removes key from both layers. It is called after every
// mutating object operation on the key.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	for _, l := range c.layers() {
		if err := l.Delete(ctx, key); err != nil {
			c.report(l.Name(), "delete", key, err)
		}
	}
}

// Close closes both layers.
func (c *Cache) Close() error {
	var first error
	for _, l := range c.layers() {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Cache) layers() []Layer {
	var ls []Layer
	if c.fast != nil {
		ls = append(ls, c.fast)
	}
	if c.shared != nil {
		ls = append(ls, c.shared)
	}
	return ls
}

// report absorbs a layer failure.
func (c *Cache) report(layer, op, key string, err error) {
	cerr := &s3err.CacheBackendError{Layer: layer, Op: op, Key: key, Err: err}
	metrics.CacheErrorsTotal.WithLabelValues(layer, op).Inc()
	c.logger.Warn("Metadata cache layer failed, falling back", "error", cerr)
}
