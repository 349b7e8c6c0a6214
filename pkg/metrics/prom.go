// Package metrics exposes the bridge's Prometheus collectors and an optional
// metrics server.
package metrics

import (
	"cmp"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	OptimizerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbridge_optimizer_requests_total",
			Help: "Total optimizer requests by outcome (total, cache_hit, cache_miss, batched)",
		},
		[]string{"outcome"},
	)

	RequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgbridge_request_duration_seconds",
			Help:    "Duration of executed requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgbridge_component_healthy",
			Help: "Component health as reported by the orchestrator (1 healthy, 0 unhealthy)",
		},
		[]string{"component"},
	)

	ComponentRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgbridge_component_restarts_total",
			Help: "Automatic component restarts attempted by the orchestrator",
		},
		[]string{"component"},
	)

	OrchestratorErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgbridge_orchestrator_errors_total",
			Help: "Errors recorded by the orchestrator across all components",
		},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
}

func defaultPromServerOpts() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a metrics server that shuts down gracefully
// when the provided context is canceled.
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, logger *zap.Logger, opts *PromServerOpts) {
	effective := defaultPromServerOpts()
	if opts != nil {
		effective.Addr = cmp.Or(opts.Addr, effective.Addr)
		effective.Path = cmp.Or(opts.Path, effective.Path)
		effective.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effective.ShutdownTimeout)
		effective.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effective.ReadHeaderTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle(effective.Path, promhttp.Handler())
	server := &http.Server{
		Addr:              effective.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effective.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting metrics server", zap.String("addr", effective.Addr))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), effective.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("metrics server shutdown timed out")
		}
	}()
}
