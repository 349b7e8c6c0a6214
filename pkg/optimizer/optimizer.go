// Package optimizer wraps plan execution with a TTL result cache, a
// priority-ordered micro-batching queue, and payload compression helpers.
// It is the single serialization point in front of the embedded engine:
// surrounding code may run concurrently, but statements execute one at a
// time.
package optimizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	pg_query "github.com/pganalyze/pg_query_go/v5"
	"go.uber.org/zap"

	"github.com/pgbridge/pgbridge/pkg/engine"
	"github.com/pgbridge/pgbridge/pkg/metrics"
)

// Options controls how one request is optimized.
type Options struct {
	Cacheable bool
	CacheKey  string
	CacheTTL  time.Duration
	Batchable bool
	Priority  Priority
}

// Config sizes the optimizer's cache, batch queue, and cached-payload
// compression.
type Config struct {
	CacheTTL        time.Duration
	CacheEntries    int
	SweepInterval   time.Duration
	BatchSize       int
	BatchTimeout    time.Duration
	CompressMinSize int
	CompressRatio   float64
}

func DefaultConfig() Config {
	return Config{
		CacheTTL:        time.Minute,
		CacheEntries:    1000,
		SweepInterval:   time.Minute,
		BatchSize:       10,
		BatchTimeout:    100 * time.Millisecond,
		CompressMinSize: DefaultCompressMinSize,
		CompressRatio:   DefaultCompressRatio,
	}
}

type Optimizer struct {
	engine engine.Engine
	cache  *Cache
	batch  *BatchQueue
	stats  stats
	logger *zap.Logger

	// execution against the engine is serialized; the engine is not assumed
	// reentrant for writes
	execMu chan struct{}
}

func New(eng engine.Engine, cfg Config, logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Optimizer{
		engine: eng,
		cache:  NewCache(cfg.CacheEntries, cfg.CacheTTL),
		logger: logger,
		execMu: make(chan struct{}, 1),
	}
	o.cache.SetCompression(cfg.CompressMinSize, cfg.CompressRatio)
	o.batch = NewBatchQueue(cfg.BatchSize, cfg.BatchTimeout, o.execute, logger)
	return o
}

// Start launches the background cache sweeper; it stops when ctx is
// canceled.
func (o *Optimizer) Start(ctx context.Context, sweepInterval time.Duration) {
	o.cache.StartSweeper(ctx, sweepInterval)
}

// Do executes sql with the given optimization options: cache lookup first,
// then batch enqueue or direct serial execution. Errors are never cached.
func (o *Optimizer) Do(ctx context.Context, sql string, params []any, opts Options) (*engine.Result, error) {
	o.stats.request()
	metrics.OptimizerRequests.WithLabelValues("total").Inc()

	var key string
	if opts.Cacheable {
		key = opts.CacheKey
		if key == "" {
			key = CacheKey(sql, params)
		}
		if result, found := o.cache.Get(key); found {
			o.stats.hit()
			metrics.OptimizerRequests.WithLabelValues("cache_hit").Inc()
			return result, nil
		}
		o.stats.miss()
		metrics.OptimizerRequests.WithLabelValues("cache_miss").Inc()
	}

	var result *engine.Result
	var err error

	start := time.Now()
	if opts.Batchable {
		o.stats.batchReq()
		metrics.OptimizerRequests.WithLabelValues("batched").Inc()
		result, err = o.batch.Enqueue(ctx, sql, params, opts.Priority)
	} else {
		result, err = o.execute(ctx, sql, params)
	}
	latency := time.Since(start)
	o.stats.observe(latency)
	metrics.RequestDuration.Observe(latency.Seconds())

	if err != nil {
		return nil, err
	}

	if opts.Cacheable {
		o.cache.Set(key, result, opts.CacheTTL)
	}
	return result, nil
}

// Query satisfies the bridge's Executor contract. SELECT statements are
// cached with the default TTL; everything else passes straight through.
// Claims-scoped requests are never cached: under row-level security the same
// statement returns different rows per role, and serving one caller's rows
// to another would leak state across requests.
func (o *Optimizer) Query(ctx context.Context, sql string, params ...any) (*engine.Result, error) {
	cacheable := strings.HasPrefix(strings.ToUpper(strings.TrimSpace(sql)), "SELECT") &&
		engine.ClaimsFrom(ctx) == nil
	return o.Do(ctx, sql, params, Options{Cacheable: cacheable})
}

// execute runs one statement against the engine, holding the serialization
// slot for the duration of the call.
func (o *Optimizer) execute(ctx context.Context, sql string, params []any) (*engine.Result, error) {
	select {
	case o.execMu <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-o.execMu }()

	return o.engine.Query(ctx, sql, params...)
}

// Stats returns a snapshot of the running counters.
func (o *Optimizer) Stats() Stats {
	return o.stats.snapshot()
}

// ResetStats zeroes all counters atomically.
func (o *Optimizer) ResetStats() {
	o.stats.reset()
}

// Cache exposes the underlying result cache.
func (o *Optimizer) Cache() *Cache {
	return o.cache
}

// Flush forces a flush of the batch queue.
func (o *Optimizer) Flush() {
	o.batch.Flush()
}

// CacheKey derives the default cache key from the statement fingerprint and
// the serialized parameters. The fingerprint normalizes formatting
// differences; statements the parser rejects fall back to whitespace
// collapsing.
func CacheKey(sql string, params []any) string {
	normalized, err := pg_query.Fingerprint(sql)
	if err != nil {
		normalized = strings.Join(strings.Fields(sql), " ")
	}
	return fmt.Sprintf("%s|%v", normalized, params)
}
