package optimizer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbridge/pgbridge/pkg/engine"
)

// recordingExec returns an execFunc that records the SQL of each executed
// statement in order.
func recordingExec(mu *sync.Mutex, executed *[]string) execFunc {
	return func(ctx context.Context, sql string, params []any) (*engine.Result, error) {
		mu.Lock()
		*executed = append(*executed, sql)
		mu.Unlock()
		return &engine.Result{Rows: []map[string]any{{"sql": sql}}}, nil
	}
}

func TestBatchFlushesOnSizeThreshold(t *testing.T) {
	var mu sync.Mutex
	var executed []string
	q := NewBatchQueue(3, time.Hour, recordingExec(&mu, &executed), nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), "SELECT "+string(rune('a'+n)), nil, PriorityNormal)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, executed, 3, "reaching the size threshold flushes without waiting for the timer")
}

func TestBatchFlushesOnTimer(t *testing.T) {
	var mu sync.Mutex
	var executed []string
	q := NewBatchQueue(100, 20*time.Millisecond, recordingExec(&mu, &executed), nil)

	result, err := q.Enqueue(context.Background(), "SELECT 1", nil, PriorityNormal)
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"SELECT 1"}, executed)
	assert.Equal(t, 0, q.Pending())
}

func TestBatchPriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var executed []string

	// Execution is gated so all three requests are queued before any flush
	// runs, making the flush order observable.
	gate := make(chan struct{})
	exec := func(ctx context.Context, sql string, params []any) (*engine.Result, error) {
		<-gate
		mu.Lock()
		executed = append(executed, sql)
		mu.Unlock()
		return &engine.Result{}, nil
	}
	q := NewBatchQueue(3, time.Hour, exec, nil)

	var wg sync.WaitGroup
	enqueue := func(sql string, p Priority, wantPending int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), sql, nil, p)
			assert.NoError(t, err)
		}()
		// Wait until the request lands so arrival order is deterministic. The
		// third enqueue hits the threshold and drains the queue immediately.
		for q.Pending() != wantPending {
			time.Sleep(time.Millisecond)
		}
	}

	enqueue("low", PriorityLow, 1)
	enqueue("normal", PriorityNormal, 2)
	enqueue("high", PriorityHigh, 0)

	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"high", "normal", "low"}, executed,
		"flush executes high before normal before low")
}

func TestBatchStableOrderWithinPriority(t *testing.T) {
	ctx := context.Background()
	reqs := []*batchRequest{
		{ctx: ctx, sql: "first", priority: PriorityNormal, done: make(chan batchResult, 1)},
		{ctx: ctx, sql: "urgent", priority: PriorityHigh, done: make(chan batchResult, 1)},
		{ctx: ctx, sql: "second", priority: PriorityNormal, done: make(chan batchResult, 1)},
		{ctx: ctx, sql: "third", priority: PriorityNormal, done: make(chan batchResult, 1)},
	}

	var mu sync.Mutex
	var executed []string
	q := NewBatchQueue(10, time.Hour, recordingExec(&mu, &executed), nil)
	q.flush(reqs)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"urgent", "first", "second", "third"}, executed)
}

func TestBatchEnqueueCanceledContext(t *testing.T) {
	q := NewBatchQueue(100, time.Hour, func(ctx context.Context, sql string, params []any) (*engine.Result, error) {
		return &engine.Result{}, nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Enqueue(ctx, "SELECT 1", nil, PriorityNormal)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBatchManualFlush(t *testing.T) {
	var mu sync.Mutex
	var executed []string
	q := NewBatchQueue(100, time.Hour, recordingExec(&mu, &executed), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := q.Enqueue(context.Background(), "SELECT 1", nil, PriorityNormal)
		assert.NoError(t, err)
	}()

	for q.Pending() == 0 {
		time.Sleep(time.Millisecond)
	}
	q.Flush()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"SELECT 1"}, executed)
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityHigh, ParsePriority("high"))
	assert.Equal(t, PriorityNormal, ParsePriority("normal"))
	assert.Equal(t, PriorityNormal, ParsePriority("bogus"))

	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "normal", PriorityNormal.String())
	assert.Equal(t, "high", PriorityHigh.String())
}
