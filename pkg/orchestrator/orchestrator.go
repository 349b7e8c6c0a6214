// Package orchestrator owns the lifecycle of the bridge and its sibling
// services: configuration generation, auth setup, sandbox deployment,
// bridge activation, and the traffic switch from simulation to the live
// bridge, plus periodic health and metrics monitoring.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pgbridge/pgbridge/pkg/config"
	"github.com/pgbridge/pgbridge/pkg/metrics"
)

// State is a component's lifecycle state.
type State string

const (
	StateInactive   State = "inactive"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateError      State = "error"
)

// ComponentStatus is the externally visible state of one component.
type ComponentStatus struct {
	State     State     `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrorInfo records the most recent failure with its origin.
type ErrorInfo struct {
	Component string    `json:"component"`
	Phase     string    `json:"phase"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Status aggregates the orchestrator's view of the system.
type Status struct {
	IsActive   bool                       `json:"is_active"`
	IsHealthy  bool                       `json:"is_healthy"`
	ErrorCount int64                      `json:"error_count"`
	LastError  *ErrorInfo                 `json:"last_error,omitempty"`
	Components map[string]ComponentStatus `json:"components"`
}

// Components names the services the orchestrator supervises, in activation
// order. Nil members are skipped.
type Components struct {
	ConfigManager Component
	AuthManager   Component
	Deployer      Component
	Bridge        Component
	Endpoint      Component
}

type phase struct {
	name      string
	component Component
}

type Orchestrator struct {
	cfg    *config.Config
	bus    *Bus
	logger *zap.Logger

	mu         sync.Mutex
	states     map[string]*ComponentStatus
	phases     []phase
	active     bool
	lastError  *ErrorInfo
	errorCount atomic.Int64
	useBridge  atomic.Bool
	healthy    atomic.Bool

	monitor *healthMonitor
	statsFn func() any
	cancel  context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStatsSource attaches a metrics snapshot source; snapshots are
// published on the event bus by the monitoring loop.
func WithStatsSource(fn func() any) Option {
	return func(o *Orchestrator) { o.statsFn = fn }
}

func New(cfg *config.Config, comps Components, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		cfg:    cfg,
		bus:    NewBus(64),
		logger: logger,
		states: make(map[string]*ComponentStatus),
	}

	// Fixed startup order: config, auth, deploy, bridge. The endpoint
	// adapter is probed by the monitor but has no activation step of its
	// own beyond an initial connectivity check.
	ordered := []struct {
		phaseName string
		component Component
	}{
		{"configure-service", comps.ConfigManager},
		{"configure-auth", comps.AuthManager},
		{"deploy-service", comps.Deployer},
		{"activate-bridge", comps.Bridge},
		{"check-connectivity", comps.Endpoint},
	}
	for _, entry := range ordered {
		if entry.component == nil {
			continue
		}
		o.phases = append(o.phases, phase{name: entry.phaseName, component: entry.component})
		o.states[entry.component.Name()] = &ComponentStatus{State: StateInactive, UpdatedAt: time.Now()}
	}

	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Subscribe attaches an observer to the orchestrator's event stream.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.bus.Subscribe()
}

// UseBridge reports whether live traffic has been switched from the
// simulation path to the bridge.
func (o *Orchestrator) UseBridge() bool {
	return o.useBridge.Load()
}

// Initialize runs the fixed startup sequence. Any step failure aborts the
// whole sequence, marks the orchestrator inactive, and returns the error
// wrapped with component and phase context.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if err := o.cfg.Validate(); err != nil {
		return fmt.Errorf("orchestrator initialize: %w", err)
	}

	o.logger.Info("initializing orchestrator", zap.Int("components", len(o.phases)))

	for _, p := range o.phases {
		name := p.component.Name()
		o.setState(name, StateActivating, "")

		if err := p.component.Activate(ctx); err != nil {
			o.setState(name, StateError, err.Error())
			o.recordError(name, p.name, err)
			o.setInactive()
			return fmt.Errorf("component %s phase %s: %w", name, p.name, err)
		}

		o.setState(name, StateActive, "")
		o.logger.Info("component activated", zap.String("component", name), zap.String("phase", p.name))
	}

	// Switch live traffic from the simulation path to the bridge.
	o.useBridge.Store(true)
	o.bus.Publish(Event{Type: EventComponentState, Component: "traffic", Message: "switched to bridge"})

	// Start periodic health checks and metrics collection.
	monitorCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.monitor = newHealthMonitor(o, o.cfg.Health.Interval)
	go o.monitor.run(monitorCtx)

	o.mu.Lock()
	o.active = true
	o.mu.Unlock()
	o.healthy.Store(true)

	o.logger.Info("orchestrator active")
	return nil
}

// Shutdown reverses the startup sequence best-effort: each component's
// teardown failure is logged but does not prevent attempting the next.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.logger.Info("shutting down orchestrator")

	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.useBridge.Store(false)

	for i := len(o.phases) - 1; i >= 0; i-- {
		p := o.phases[i]
		name := p.component.Name()
		if err := p.component.Deactivate(ctx); err != nil {
			o.logger.Warn("component teardown failed",
				zap.String("component", name), zap.Error(err))
		}
		o.setState(name, StateInactive, "")
	}

	o.setInactive()
	o.bus.Close()
}

// Status returns a snapshot of the orchestrator's aggregate state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	components := make(map[string]ComponentStatus, len(o.states))
	for name, st := range o.states {
		components[name] = *st
	}

	return Status{
		IsActive:   o.active,
		IsHealthy:  o.healthy.Load(),
		ErrorCount: o.errorCount.Load(),
		LastError:  o.lastError,
		Components: components,
	}
}

func (o *Orchestrator) setState(name string, state State, lastError string) {
	o.mu.Lock()
	st, ok := o.states[name]
	if !ok {
		st = &ComponentStatus{}
		o.states[name] = st
	}
	st.State = state
	st.LastError = lastError
	st.UpdatedAt = time.Now()
	o.mu.Unlock()

	o.bus.Publish(Event{
		Type:      EventComponentState,
		Component: name,
		State:     state,
		Message:   lastError,
	})
}

func (o *Orchestrator) recordError(component, phaseName string, err error) {
	info := &ErrorInfo{
		Component: component,
		Phase:     phaseName,
		Message:   err.Error(),
		At:        time.Now(),
	}

	o.mu.Lock()
	o.lastError = info
	o.mu.Unlock()
	o.errorCount.Add(1)
	metrics.OrchestratorErrors.Inc()

	o.logger.Error("orchestration step failed",
		zap.String("component", component),
		zap.String("phase", phaseName),
		zap.Error(err))

	o.bus.Publish(Event{
		Type:      EventError,
		Component: component,
		Message:   err.Error(),
		Payload:   info,
	})
}

func (o *Orchestrator) setInactive() {
	o.mu.Lock()
	o.active = false
	o.mu.Unlock()
	o.healthy.Store(false)
}

// componentsSnapshot returns the supervised components in activation order.
func (o *Orchestrator) componentsSnapshot() []Component {
	out := make([]Component, 0, len(o.phases))
	for _, p := range o.phases {
		out = append(out, p.component)
	}
	return out
}
