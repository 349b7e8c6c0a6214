package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pgbridge/pgbridge/pkg/metrics"
)

// restartThreshold is the number of consecutive failed probes after which
// the monitor attempts one automatic restart.
const restartThreshold = 3

// healthMonitor probes each supervised component on a fixed interval.
// A component failing three consecutive probes gets at most one automatic
// restart attempt; after that it is flagged for external intervention
// rather than restart-looped.
type healthMonitor struct {
	orch     *Orchestrator
	interval time.Duration

	consecutiveFails map[string]int
	restartAttempted map[string]bool
}

func newHealthMonitor(orch *Orchestrator, interval time.Duration) *healthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &healthMonitor{
		orch:             orch,
		interval:         interval,
		consecutiveFails: make(map[string]int),
		restartAttempted: make(map[string]bool),
	}
}

func (m *healthMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
			m.collectMetrics()
		}
	}
}

func (m *healthMonitor) check(ctx context.Context) {
	overall := true

	for _, component := range m.orch.componentsSnapshot() {
		name := component.Name()

		err := component.Probe(ctx)
		if err == nil {
			m.consecutiveFails[name] = 0
			metrics.ComponentHealth.WithLabelValues(name).Set(1)
			continue
		}

		overall = false
		m.consecutiveFails[name]++
		metrics.ComponentHealth.WithLabelValues(name).Set(0)

		m.orch.logger.Warn("component unhealthy",
			zap.String("component", name),
			zap.Int("consecutive", m.consecutiveFails[name]),
			zap.Error(err))

		m.orch.bus.Publish(Event{
			Type:      EventHealth,
			Component: name,
			Message:   err.Error(),
		})

		if m.consecutiveFails[name] >= restartThreshold {
			m.maybeRestart(ctx, component)
		}
	}

	m.orch.healthy.Store(overall)
	m.orch.bus.Publish(Event{
		Type:    EventHealth,
		Message: map[bool]string{true: "healthy", false: "unhealthy"}[overall],
	})
}

// maybeRestart attempts one deactivate/activate cycle per component. A
// component that stays unhealthy after its restart requires external
// intervention.
func (m *healthMonitor) maybeRestart(ctx context.Context, component Component) {
	name := component.Name()
	if m.restartAttempted[name] {
		return
	}
	m.restartAttempted[name] = true
	metrics.ComponentRestarts.WithLabelValues(name).Inc()

	m.orch.logger.Info("attempting component restart", zap.String("component", name))
	m.orch.setState(name, StateActivating, "")

	if err := component.Deactivate(ctx); err != nil {
		m.orch.logger.Warn("restart deactivate failed", zap.String("component", name), zap.Error(err))
	}
	if err := component.Activate(ctx); err != nil {
		m.orch.setState(name, StateError, err.Error())
		m.orch.recordError(name, "restart", err)
		return
	}

	m.consecutiveFails[name] = 0
	m.orch.setState(name, StateActive, "")
}

func (m *healthMonitor) collectMetrics() {
	if m.orch.statsFn == nil {
		return
	}
	m.orch.bus.Publish(Event{
		Type:    EventMetrics,
		Payload: m.orch.statsFn(),
	})
}
