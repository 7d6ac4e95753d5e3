package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sunny-day-flooding-project/sdfcal/internal/metrics"
	"github.com/sunny-day-flooding-project/sdfcal/internal/models"
)

// PressureFetcher is the contract the interpolator consumes. *Adapter and *CachedSource
// both implement it.
type PressureFetcher interface {
	Fetch(ctx context.Context, stationID string, kind models.SourceKind, begin, end time.Time) models.AtmosphericResult
}

// CacheBackend stores sample sets by key.
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]models.AtmosphericSample, bool)
	Put(ctx context.Context, key string, samples []models.AtmosphericSample)
	Name() string
}

// CachedSource wraps a PressureFetcher with a cache. Only FetchOK results are stored so
// empty or failed windows are retried on the next run.
type CachedSource struct {
	inner   PressureFetcher
	backend CacheBackend
}

func NewCachedSource(inner PressureFetcher, backend CacheBackend) *CachedSource {
	return &CachedSource{inner: inner, backend: backend}
}

func cacheKey(stationID string, kind models.SourceKind, begin, end time.Time) string {
	return fmt.Sprintf("atm:%s|%s|%s|%s", kind, stationID,
		begin.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
}

func (c *CachedSource) Fetch(ctx context.Context, stationID string, kind models.SourceKind, begin, end time.Time) models.AtmosphericResult {
	key := cacheKey(stationID, kind, begin, end)
	if samples, ok := c.backend.Get(ctx, key); ok {
		metrics.AtmosphericCacheHits.WithLabelValues(c.backend.Name()).Inc()
		return models.AtmosphericResult{Samples: samples, Outcome: models.FetchOK}
	}
	res := c.inner.Fetch(ctx, stationID, kind, begin, end)
	if res.Outcome == models.FetchOK && len(res.Samples) > 0 {
		c.backend.Put(ctx, key, res.Samples)
	}
	return res
}

// LRUCache keeps the most recently fetched sample sets in process memory.
type LRUCache struct {
	entries *lru.Cache[string, []models.AtmosphericSample]
}

func NewLRUCache(maxEntries int) *LRUCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	entries, err := lru.New[string, []models.AtmosphericSample](maxEntries)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &LRUCache{entries: entries}
}

func (c *LRUCache) Name() string { return "memory" }

func (c *LRUCache) Len() int { return c.entries.Len() }

func (c *LRUCache) Get(_ context.Context, key string) ([]models.AtmosphericSample, bool) {
	return c.entries.Get(key)
}

func (c *LRUCache) Put(_ context.Context, key string, samples []models.AtmosphericSample) {
	c.entries.Add(key, samples)
}

// RedisCache shares fetched windows between processes. Redis failures degrade to a miss.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

// DialRedis parses a redis:// URL and verifies the server answers.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (c *RedisCache) Name() string { return "redis" }

type cachedSample struct {
	StationID  string    `json:"station_id"`
	Date       time.Time `json:"date"`
	PressureMB float64   `json:"pressure_mb"`
	Source     string    `json:"source"`
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]models.AtmosphericSample, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("redis cache get", "key", key, "error", err)
		return nil, false
	}

	var stored []cachedSample
	if err := json.Unmarshal(data, &stored); err != nil {
		c.logger.Warn("redis cache decode", "key", key, "error", err)
		return nil, false
	}
	samples := make([]models.AtmosphericSample, len(stored))
	for i, s := range stored {
		samples[i] = models.AtmosphericSample{StationID: s.StationID, Date: s.Date.UTC(), PressureMB: s.PressureMB, Source: s.Source}
	}
	return samples, true
}

func (c *RedisCache) Put(ctx context.Context, key string, samples []models.AtmosphericSample) {
	stored := make([]cachedSample, len(samples))
	for i, s := range samples {
		stored[i] = cachedSample{StationID: s.StationID, Date: s.Date.UTC(), PressureMB: s.PressureMB, Source: s.Source}
	}
	data, err := json.Marshal(stored)
	if err != nil {
		c.logger.Warn("redis cache encode", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("redis cache set", "key", key, "error", err)
	}
}
