// Package cache provides caching for rendered slices, query results and
// decoded payloads.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	SliceCacheSizeMB int
	SliceTTL         time.Duration
	QueryCacheSize   int
	// PayloadCacheSize is the number of decoded compressed payloads kept.
	PayloadCacheSize int
}

// Manager manages slice, query and payload caches.
type Manager struct {
	sliceCache   *bigcache.BigCache
	queryCache   *lru.Cache[string, []byte]
	payloadCache *lru.Cache[string, []float32]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.SliceTTL <= 0 {
		cfg.SliceTTL = time.Hour
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 1000
	}
	if cfg.PayloadCacheSize <= 0 {
		cfg.PayloadCacheSize = 16
	}

	// Configure slice cache
	sliceCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.SliceTTL,
		CleanWindow:        cfg.SliceTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       256 * 1024, // 256KB per slice image
		HardMaxCacheSize:   cfg.SliceCacheSizeMB,
		Verbose:            false,
	}

	sliceCache, err := bigcache.New(context.Background(), sliceCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create slice cache: %w", err)
	}

	queryCache, err := lru.New[string, []byte](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}

	payloadCache, err := lru.New[string, []float32](cfg.PayloadCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cache: %w", err)
	}

	return &Manager{
		sliceCache:   sliceCache,
		queryCache:   queryCache,
		payloadCache: payloadCache,
	}, nil
}

// GetSlice retrieves a rendered slice from cache.
func (m *Manager) GetSlice(key string) ([]byte, bool) {
	data, err := m.sliceCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetSlice stores a rendered slice in cache.
func (m *Manager) SetSlice(key string, data []byte) error {
	return m.sliceCache.Set(key, data)
}

// GetQuery retrieves a query result from cache.
func (m *Manager) GetQuery(key string) ([]byte, bool) {
	return m.queryCache.Get(key)
}

// SetQuery stores a query result in cache.
func (m *Manager) SetQuery(key string, data []byte) {
	m.queryCache.Add(key, data)
}

// GetPayload returns a decoded payload.
func (m *Manager) GetPayload(key string) ([]float32, bool) {
	return m.payloadCache.Get(key)
}

// SetPayload stores a decoded payload.
func (m *Manager) SetPayload(key string, values []float32) {
	m.payloadCache.Add(key, values)
}

// Purge drops every cached entry. Used after a dataset is rewritten.
func (m *Manager) Purge() error {
	m.queryCache.Purge()
	m.payloadCache.Purge()
	return m.sliceCache.Reset()
}

// SliceKey generates a cache key for a rendered z slice.
func SliceKey(dataset string, level, z int, opts map[string]string) string {
	base := fmt.Sprintf("slice:%s:%d/%d", dataset, level, z)
	if len(opts) == 0 {
		return base
	}

	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Hash options for cache key
	h := sha256.New()
	h.Write([]byte(base))
	for _, k := range keys {
		h.Write([]byte(fmt.Sprintf("%s=%s;", k, opts[k])))
	}
	return base + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// MetadataKey generates a cache key for a dataset metadata document.
func MetadataKey(dataset, kind string) string {
	return fmt.Sprintf("meta:%s:%s", dataset, kind)
}

// StatsKey generates a cache key for per-level component statistics.
func StatsKey(dataset string, level int, array, component string) string {
	return fmt.Sprintf("stats:%s:%d:%s.%s", dataset, level, array, component)
}

// BlockKey generates a cache key for an encoded AMR block payload.
func BlockKey(dataset string, id int) string {
	return fmt.Sprintf("block:%s:%d", dataset, id)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"slice_cache_len":   m.sliceCache.Len(),
		"slice_cache_cap":   m.sliceCache.Capacity(),
		"query_cache_len":   m.queryCache.Len(),
		"payload_cache_len": m.payloadCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.sliceCache.Close()
}
