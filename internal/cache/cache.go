// Package cache memoizes read-only tool executions with per-family TTLs,
// scored eviction, and JSON persistence per working directory.
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"substrate/internal/executor"
	"substrate/internal/tools"
)

// compressThreshold 超过该字节数的结果会被 gzip 压缩后存储
// Results at or above this size are stored gzip-compressed.
const compressThreshold = 4096

// evictFraction is the share of entries removed per eviction pass.
const evictFraction = 0.2

// Entry is one cached tool result. Expires is fixed at store time; a cache
// hit advances LastAccessed only and never extends the TTL, so decay evicts
// entries that are touched but stale.
type Entry struct {
	Key            string         `json:"key"`
	Content        []byte         `json:"content"`
	Compressed     bool           `json:"compressed"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessed   time.Time      `json:"last_accessed"`
	Expires        time.Time      `json:"expires"`
	HitCount       int64          `json:"hit_count"`
	Size           int64          `json:"size"`
	Priority       tools.Priority `json:"priority"`
	GenerationTime time.Duration  `json:"generation_time_ms"`
}

// Stats aggregates cache behavior for persistence and inspection.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Stores    int64 `json:"stores"`
	Evictions int64 `json:"evictions"`
}

// Cache is the process-local result cache. It is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	stats    Stats
	registry *tools.Registry

	maxEntries int
	maxBytes   int64

	logger  *slog.Logger
	metrics *metricsProvider
	now     func() time.Time
}

type Option func(*Cache)

func WithLimits(maxEntries int, maxBytes int64) Option {
	return func(c *Cache) {
		c.maxEntries = maxEntries
		c.maxBytes = maxBytes
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

func New(registry *tools.Registry, opts ...Option) *Cache {
	c := &Cache{
		entries:    map[string]*Entry{},
		registry:   registry,
		maxEntries: 1000,
		maxBytes:   64 << 20,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key builds the cache key: tool name plus a stable hash of sorted params.
func Key(call executor.Call) string {
	keys := make([]string, 0, len(call.Params))
	for k := range call.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\x00", k, call.Params[k])
	}
	return call.Name + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// GetOrExecute returns the cached result for a cacheable call within its
// TTL, otherwise runs the real executor and stores the result. Non-cacheable
// calls pass straight through.
func (c *Cache) GetOrExecute(ctx context.Context, call executor.Call, run func(context.Context, executor.Call) executor.ToolExecution) executor.ToolExecution {
	tool, ok := c.registry.Get(call.Name)
	if !ok || !tool.Cacheable() {
		return run(ctx, call)
	}

	key := Key(call)
	if exec, hit := c.lookup(key, call); hit {
		return exec
	}

	exec := run(ctx, call)
	if exec.Metadata.Status == executor.StatusSuccess {
		c.store(key, tool, exec)
	}
	return exec
}

func (c *Cache) lookup(key string, call executor.Call) (executor.ToolExecution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.Expires) {
		if ok {
			delete(c.entries, key)
		}
		c.stats.Misses++
		c.metrics.IncMiss(call.Name)
		return executor.ToolExecution{}, false
	}

	content, err := entry.decode()
	if err != nil {
		delete(c.entries, key)
		c.stats.Misses++
		c.metrics.IncMiss(call.Name)
		c.logger.Warn("cache entry corrupt, dropped", "key", key, "error", err)
		return executor.ToolExecution{}, false
	}

	entry.LastAccessed = c.now()
	entry.HitCount++
	c.stats.Hits++
	c.metrics.IncHit(call.Name)

	return executor.ToolExecution{
		Name:   call.Name,
		Params: call.Params,
		Output: content,
		Metadata: executor.Metadata{
			Status:         executor.StatusSuccess,
			BytesProcessed: entry.Size,
		},
	}, true
}

func (c *Cache) store(key string, tool tools.Tool, exec executor.ToolExecution) {
	content := []byte(exec.Output)
	size := int64(len(content))
	compressed := false
	if size >= compressThreshold {
		if packed, err := gzipBytes(content); err == nil && len(packed) < len(content) {
			content = packed
			compressed = true
		}
	}

	now := c.now()
	entry := &Entry{
		Key:            key,
		Content:        content,
		Compressed:     compressed,
		CreatedAt:      now,
		LastAccessed:   now,
		Expires:        now.Add(tool.CacheTTL),
		Size:           size,
		Priority:       tool.CachePriority,
		GenerationTime: exec.Metadata.Duration,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
	c.stats.Stores++
	c.metrics.IncStore(tool.Name)
	c.evictLocked()
}

// evictLocked removes the bottom 20% of entries ranked by
// hitCount × priorityWeight / age whenever limits are exceeded.
func (c *Cache) evictLocked() {
	if len(c.entries) <= c.maxEntries && c.bytesLocked() <= c.maxBytes {
		return
	}

	type scored struct {
		key   string
		score float64
	}
	now := c.now()
	ranked := make([]scored, 0, len(c.entries))
	for key, entry := range c.entries {
		age := now.Sub(entry.CreatedAt).Seconds()
		if age < 1 {
			age = 1
		}
		score := float64(entry.HitCount+1) * priorityWeight(entry.Priority) / age
		ranked = append(ranked, scored{key: key, score: score})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score < ranked[j].score })

	n := int(float64(len(ranked)) * evictFraction)
	if n < 1 {
		n = 1
	}
	for _, s := range ranked[:n] {
		delete(c.entries, s.key)
		c.stats.Evictions++
		c.metrics.IncEviction()
	}
	c.logger.Debug("cache evicted", "removed", n, "remaining", len(c.entries))
}

func (c *Cache) bytesLocked() int64 {
	var total int64
	for _, entry := range c.entries {
		total += int64(len(entry.Content))
	}
	return total
}

// Stats returns a snapshot of aggregate counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Len returns the live entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func priorityWeight(p tools.Priority) float64 {
	switch p {
	case tools.PriorityHigh:
		return 3
	case tools.PriorityLow:
		return 1
	default:
		return 2
	}
}

func (e *Entry) decode() (string, error) {
	if !e.Compressed {
		return string(e.Content), nil
	}
	r, err := gzip.NewReader(bytes.NewReader(e.Content))
	if err != nil {
		return "", fmt.Errorf("open gzip entry: %w", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("decompress entry: %w", err)
	}
	return string(data), nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
