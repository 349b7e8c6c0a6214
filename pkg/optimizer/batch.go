package optimizer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pgbridge/pgbridge/pkg/engine"
)

// Priority orders requests within a batch flush. Ordering affects fairness
// only; execution against the engine is always serial.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// ParsePriority maps the wire names low/normal/high onto Priority. Unknown
// names default to normal.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

type batchResult struct {
	result *engine.Result
	err    error
}

// batchRequest lives only inside the queue between enqueue and flush. Each
// request has its own result channel so concurrent callers never see each
// other's results. The enqueuing context is kept so execution runs under the
// caller's cancellation and session claims; it stays live because Enqueue
// blocks until the result is delivered.
type batchRequest struct {
	id       string
	ctx      context.Context
	sql      string
	params   []any
	priority Priority
	done     chan batchResult
}

// execFunc executes a single statement; the queue calls it serially.
type execFunc func(ctx context.Context, sql string, params []any) (*engine.Result, error)

// BatchQueue collects requests and flushes them when either the size
// threshold is reached or the flush timer fires, whichever comes first.
type BatchQueue struct {
	mu      sync.Mutex
	pending []*batchRequest
	timer   *time.Timer

	size    int
	timeout time.Duration
	exec    execFunc
	logger  *zap.Logger
}

func NewBatchQueue(size int, timeout time.Duration, exec execFunc, logger *zap.Logger) *BatchQueue {
	if size <= 0 {
		size = 10
	}
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchQueue{
		size:    size,
		timeout: timeout,
		exec:    exec,
		logger:  logger,
	}
}

// Enqueue queues a request and blocks until its result arrives or ctx is
// canceled.
func (q *BatchQueue) Enqueue(ctx context.Context, sql string, params []any, priority Priority) (*engine.Result, error) {
	req := &batchRequest{
		id:       uuid.New().String(),
		ctx:      ctx,
		sql:      sql,
		params:   params,
		priority: priority,
		done:     make(chan batchResult, 1),
	}

	q.mu.Lock()
	q.pending = append(q.pending, req)
	if len(q.pending) >= q.size {
		batch := q.takeLocked()
		q.mu.Unlock()
		go q.flush(batch)
	} else {
		if q.timer == nil {
			q.timer = time.AfterFunc(q.timeout, q.flushOnTimer)
		}
		q.mu.Unlock()
	}

	select {
	case res := <-req.done:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// takeLocked drains the pending queue and stops the flush timer. Callers
// must hold q.mu.
func (q *BatchQueue) takeLocked() []*batchRequest {
	batch := q.pending
	q.pending = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	return batch
}

func (q *BatchQueue) flushOnTimer() {
	q.mu.Lock()
	batch := q.takeLocked()
	q.mu.Unlock()
	q.flush(batch)
}

// flush executes a drained batch serially, highest priority first. The sort
// is stable so same-priority requests keep arrival order.
func (q *BatchQueue) flush(batch []*batchRequest) {
	if len(batch) == 0 {
		return
	}

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].priority > batch[j].priority
	})

	q.logger.Debug("flushing batch", zap.Int("size", len(batch)))

	for _, req := range batch {
		ctx, cancel := context.WithTimeout(req.ctx, 30*time.Second)
		result, err := q.exec(ctx, req.sql, req.params)
		cancel()
		req.done <- batchResult{result: result, err: err}
	}
}

// Flush forces an immediate flush of any pending requests.
func (q *BatchQueue) Flush() {
	q.mu.Lock()
	batch := q.takeLocked()
	q.mu.Unlock()
	q.flush(batch)
}

// Pending returns the number of queued requests.
func (q *BatchQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
