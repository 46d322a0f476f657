package metacache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
)

// FastConfig tunes the in-process layer.
type FastConfig struct {
	// Shards must be a power of two.
	Shards int
	// MaxEntrySize is the expected entry size in bytes, used for initial
	// allocation.
	MaxEntrySize int
	// HardMaxCacheSizeMB caps memory use; zero means unbounded.
	HardMaxCacheSizeMB int
	// LifeWindow bounds how long bigcache keeps any entry regardless of its
	// own expiry. It should be at least the largest configured TTL.
	LifeWindow time.Duration
}

// FastLayer is the process-local cache tier backed by bigcache.
type FastLayer struct {
	cache *bigcache.BigCache
}

// NewFastLayer creates a bigcache-backed layer.
func NewFastLayer(ctx context.Context, cfg FastConfig) (*FastLayer, error) {
	life := cfg.LifeWindow
	if life <= 0 {
		life = time.Hour
	}
	bc := bigcache.DefaultConfig(life)
	if cfg.Shards > 0 {
		bc.Shards = cfg.Shards
	}
	if cfg.MaxEntrySize > 0 {
		bc.MaxEntrySize = cfg.MaxEntrySize
	}
	bc.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	bc.CleanWindow = life / 2
	bc.Verbose = false

	cache, err := bigcache.New(ctx, bc)
	if err != nil {
		return nil, fmt.Errorf("creating bigcache: %w", err)
	}
	return &FastLayer{cache: cache}, nil
}

// Name implements Layer.
func (f *FastLayer) Name() string { return "fast" }

// Get implements Layer.
func (f *FastLayer) Get(ctx context.Context, key string) (Entry, bool, error) {
	data, err := f.cache.Get(key)
	if err != nil {
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decoding cache entry: %w", err)
	}
	return e, true, nil
}

// Set implements Layer.
func (f *FastLayer) Set(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	return f.cache.Set(e.Key, data)
}

// Delete implements Layer.
func (f *FastLayer) Delete(ctx context.Context, key string) error {
	if err := f.cache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return err
	}
	return nil
}

// Close implements Layer.
func (f *FastLayer) Close() error {
	return f.cache.Close()
}

var _ Layer = (*FastLayer)(nil)
