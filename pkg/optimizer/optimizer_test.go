package optimizer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbridge/pgbridge/internal/testutil"
	"github.com/pgbridge/pgbridge/pkg/engine"
)

func TestDoCacheHit(t *testing.T) {
	eng := &testutil.MockEngine{
		QueryFunc: func(ctx context.Context, sql string, params ...any) (*engine.Result, error) {
			return resultWith(42), nil
		},
	}
	o := New(eng, DefaultConfig(), nil)

	opts := Options{Cacheable: true}
	first, err := o.Do(context.Background(), "SELECT * FROM t", nil, opts)
	require.NoError(t, err)
	second, err := o.Do(context.Background(), "SELECT * FROM t", nil, opts)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, eng.QueryCalls(), "identical cacheable query executes once: one miss, one hit")

	s := o.Stats()
	assert.EqualValues(t, 2, s.TotalRequests)
	assert.EqualValues(t, 1, s.CacheHits)
	assert.EqualValues(t, 1, s.CacheMisses)
}

func TestDoDifferentParamsMiss(t *testing.T) {
	eng := &testutil.MockEngine{}
	o := New(eng, DefaultConfig(), nil)

	opts := Options{Cacheable: true}
	_, err := o.Do(context.Background(), "SELECT * FROM t WHERE id = $1", []any{1}, opts)
	require.NoError(t, err)
	_, err = o.Do(context.Background(), "SELECT * FROM t WHERE id = $1", []any{2}, opts)
	require.NoError(t, err)

	assert.EqualValues(t, 2, eng.QueryCalls(), "different params are distinct cache keys")
}

func TestDoErrorsNeverCached(t *testing.T) {
	var calls atomic.Int64
	eng := &testutil.MockEngine{
		QueryFunc: func(ctx context.Context, sql string, params ...any) (*engine.Result, error) {
			if calls.Add(1) == 1 {
				return nil, fmt.Errorf("transient failure")
			}
			return resultWith(1), nil
		},
	}
	o := New(eng, DefaultConfig(), nil)

	opts := Options{Cacheable: true}
	_, err := o.Do(context.Background(), "SELECT 1", nil, opts)
	require.Error(t, err)

	result, err := o.Do(context.Background(), "SELECT 1", nil, opts)
	require.NoError(t, err, "failure must not poison the cache")
	assert.Equal(t, resultWith(1), result)
	assert.EqualValues(t, 2, calls.Load())
}

func TestDoNonCacheablePassesThrough(t *testing.T) {
	eng := &testutil.MockEngine{}
	o := New(eng, DefaultConfig(), nil)

	for i := 0; i < 3; i++ {
		_, err := o.Do(context.Background(), "INSERT INTO t VALUES (1)", nil, Options{})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, eng.QueryCalls())
}

func TestDoBatched(t *testing.T) {
	eng := &testutil.MockEngine{}
	cfg := DefaultConfig()
	cfg.BatchTimeout = 10 * time.Millisecond
	o := New(eng, cfg, nil)

	result, err := o.Do(context.Background(), "SELECT 1", nil, Options{Batchable: true, Priority: PriorityHigh})
	require.NoError(t, err)
	require.NotNil(t, result)

	s := o.Stats()
	assert.EqualValues(t, 1, s.BatchedRequests)
}

func TestQueryCachesSelectsOnly(t *testing.T) {
	eng := &testutil.MockEngine{}
	o := New(eng, DefaultConfig(), nil)

	_, err := o.Query(context.Background(), "SELECT * FROM t")
	require.NoError(t, err)
	_, err = o.Query(context.Background(), "select * from t")
	require.NoError(t, err)
	assert.EqualValues(t, 1, eng.QueryCalls(), "fingerprinting normalizes case, second select hits the cache")

	_, err = o.Query(context.Background(), "DELETE FROM t RETURNING *")
	require.NoError(t, err)
	_, err = o.Query(context.Background(), "DELETE FROM t RETURNING *")
	require.NoError(t, err)
	assert.EqualValues(t, 3, eng.QueryCalls(), "mutations always execute")
}

// Under row-level security the same statement returns different rows per
// caller, so claims-scoped selects bypass the cache in both directions: they
// never serve a cached result and never populate one.
func TestQueryClaimsScopedNeverCached(t *testing.T) {
	eng := &testutil.MockEngine{}
	o := New(eng, DefaultConfig(), nil)

	anon := context.Background()
	scoped := engine.WithClaims(anon, map[string]any{"role": "web_user"})

	// Warm the cache anonymously.
	_, err := o.Query(anon, "SELECT * FROM t")
	require.NoError(t, err)
	assert.EqualValues(t, 1, eng.QueryCalls())

	// The scoped caller must not see the anonymous result.
	_, err = o.Query(scoped, "SELECT * FROM t")
	require.NoError(t, err)
	_, err = o.Query(scoped, "SELECT * FROM t")
	require.NoError(t, err)
	assert.EqualValues(t, 3, eng.QueryCalls(), "claims-scoped selects always execute")

	// And the scoped executions must not have populated the cache under a
	// key an anonymous caller would hit.
	_, err = o.Query(anon, "SELECT * FROM t")
	require.NoError(t, err)
	assert.EqualValues(t, 3, eng.QueryCalls(), "anonymous caller still hits its own cached result")
}

// Concurrent callers are serialized in front of the engine: at no point do
// two statements execute simultaneously.
func TestExecutionSerialized(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64
	eng := &testutil.MockEngine{
		QueryFunc: func(ctx context.Context, sql string, params ...any) (*engine.Result, error) {
			n := inFlight.Add(1)
			for {
				max := maxInFlight.Load()
				if n <= max || maxInFlight.CompareAndSwap(max, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inFlight.Add(-1)
			return &engine.Result{}, nil
		},
	}
	o := New(eng, DefaultConfig(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := o.Do(context.Background(), fmt.Sprintf("INSERT INTO t VALUES (%d)", n), nil, Options{})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxInFlight.Load())
	assert.EqualValues(t, 16, eng.QueryCalls())
}

func TestExecuteCanceledContext(t *testing.T) {
	block := make(chan struct{})
	eng := &testutil.MockEngine{
		QueryFunc: func(ctx context.Context, sql string, params ...any) (*engine.Result, error) {
			<-block
			return &engine.Result{}, nil
		},
	}
	o := New(eng, DefaultConfig(), nil)

	// Occupy the serialization slot.
	go o.Do(context.Background(), "SELECT 1", nil, Options{}) //nolint:errcheck
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := o.Do(ctx, "SELECT 2", nil, Options{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
}

func TestStatsLatencyAndReset(t *testing.T) {
	eng := &testutil.MockEngine{
		QueryFunc: func(ctx context.Context, sql string, params ...any) (*engine.Result, error) {
			time.Sleep(time.Millisecond)
			return &engine.Result{}, nil
		},
	}
	o := New(eng, DefaultConfig(), nil)

	for i := 0; i < 4; i++ {
		_, err := o.Do(context.Background(), "INSERT INTO t VALUES (1)", nil, Options{})
		require.NoError(t, err)
	}

	s := o.Stats()
	assert.EqualValues(t, 4, s.TotalRequests)
	assert.Greater(t, s.AvgLatency, time.Duration(0))

	o.ResetStats()
	s = o.Stats()
	assert.Zero(t, s.TotalRequests)
	assert.Zero(t, s.AvgLatency)
}

func TestCacheKeyNormalizesWhitespaceAndCase(t *testing.T) {
	a := CacheKey("SELECT * FROM users WHERE id = $1", []any{1})
	b := CacheKey("select  *\n\tfrom users where id = $1", []any{1})
	assert.Equal(t, a, b)

	c := CacheKey("SELECT * FROM users WHERE id = $1", []any{2})
	assert.NotEqual(t, a, c)

	// Unparseable statements fall back to whitespace collapsing.
	d := CacheKey("NOT REALLY SQL   AT ALL", nil)
	e := CacheKey("NOT  REALLY\tSQL AT\nALL", nil)
	assert.Equal(t, d, e)
}
