package optimizer

import (
	"sync"
	"time"
)

// Stats is a snapshot of the optimizer's counters.
type Stats struct {
	TotalRequests   int64
	CacheHits       int64
	CacheMisses     int64
	BatchedRequests int64
	// AvgLatency is a cumulative moving average over executed requests.
	AvgLatency time.Duration
}

// stats accumulates counters behind one mutex so a snapshot and a reset are
// each atomic, which the tests rely on for isolation.
type stats struct {
	mu       sync.Mutex
	total    int64
	hits     int64
	misses   int64
	batched  int64
	executed int64
	avg      time.Duration
}

func (s *stats) request()  { s.mu.Lock(); s.total++; s.mu.Unlock() }
func (s *stats) hit()      { s.mu.Lock(); s.hits++; s.mu.Unlock() }
func (s *stats) miss()     { s.mu.Lock(); s.misses++; s.mu.Unlock() }
func (s *stats) batchReq() { s.mu.Lock(); s.batched++; s.mu.Unlock() }

func (s *stats) observe(latency time.Duration) {
	s.mu.Lock()
	s.executed++
	s.avg += (latency - s.avg) / time.Duration(s.executed)
	s.mu.Unlock()
}

func (s *stats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TotalRequests:   s.total,
		CacheHits:       s.hits,
		CacheMisses:     s.misses,
		BatchedRequests: s.batched,
		AvgLatency:      s.avg,
	}
}

func (s *stats) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total, s.hits, s.misses, s.batched, s.executed, s.avg = 0, 0, 0, 0, 0, 0
}
