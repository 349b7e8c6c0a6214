package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgbridge/pgbridge/pkg/config"
)

// fakeComponent is a scriptable Component that records its lifecycle calls.
type fakeComponent struct {
	name          string
	activateErr   error
	deactivateErr error
	probeErr      error

	mu          sync.Mutex
	activations int
	teardowns   int
}

func (c *fakeComponent) Name() string { return c.name }

func (c *fakeComponent) Activate(context.Context) error {
	c.mu.Lock()
	c.activations++
	c.mu.Unlock()
	return c.activateErr
}

func (c *fakeComponent) Deactivate(context.Context) error {
	c.mu.Lock()
	c.teardowns++
	c.mu.Unlock()
	return c.deactivateErr
}

func (c *fakeComponent) Probe(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probeErr
}

func (c *fakeComponent) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activations, c.teardowns
}

func newTestOrchestrator(comps Components) *Orchestrator {
	return New(config.Default(), comps, nil)
}

func TestInitializeActivatesInOrder(t *testing.T) {
	cfgMgr := &fakeComponent{name: "config-manager"}
	auth := &fakeComponent{name: "auth-manager"}
	deploy := &fakeComponent{name: "deployer"}
	bridge := &fakeComponent{name: "bridge"}

	o := newTestOrchestrator(Components{
		ConfigManager: cfgMgr,
		AuthManager:   auth,
		Deployer:      deploy,
		Bridge:        bridge,
	})
	defer o.Shutdown(context.Background())

	require.NoError(t, o.Initialize(context.Background()))

	status := o.Status()
	assert.True(t, status.IsActive)
	assert.True(t, status.IsHealthy)
	assert.Zero(t, status.ErrorCount)
	assert.True(t, o.UseBridge())

	for _, name := range []string{"config-manager", "auth-manager", "deployer", "bridge"} {
		assert.Equal(t, StateActive, status.Components[name].State, "component %s", name)
	}
}

func TestInitializeDeployFailureAbortsSequence(t *testing.T) {
	cfgMgr := &fakeComponent{name: "config-manager"}
	auth := &fakeComponent{name: "auth-manager"}
	deploy := &fakeComponent{name: "deployer", activateErr: fmt.Errorf("sandbox unreachable")}
	bridge := &fakeComponent{name: "bridge"}

	o := newTestOrchestrator(Components{
		ConfigManager: cfgMgr,
		AuthManager:   auth,
		Deployer:      deploy,
		Bridge:        bridge,
	})

	err := o.Initialize(context.Background())
	require.Error(t, err)
	assert.EqualError(t, err, "component deployer phase deploy-service: sandbox unreachable")

	status := o.Status()
	assert.False(t, status.IsActive)
	assert.False(t, status.IsHealthy)
	assert.EqualValues(t, 1, status.ErrorCount, "a single failure is recorded exactly once")
	require.NotNil(t, status.LastError)
	assert.Equal(t, "deployer", status.LastError.Component)
	assert.Equal(t, "deploy-service", status.LastError.Phase)
	assert.Equal(t, "sandbox unreachable", status.LastError.Message)

	assert.Equal(t, StateError, status.Components["deployer"].State)

	// Later components never ran; traffic stays on the simulation path.
	activations, _ := bridge.counts()
	assert.Zero(t, activations)
	assert.False(t, o.UseBridge())
}

func TestInitializeInvalidConfigRefused(t *testing.T) {
	cfg := config.Default()
	cfg.Batch.Size = -1

	o := New(cfg, Components{Bridge: &fakeComponent{name: "bridge"}}, nil)

	err := o.Initialize(context.Background())
	var cerr *config.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.False(t, o.Status().IsActive)
}

func TestShutdownReverseBestEffort(t *testing.T) {
	cfgMgr := &fakeComponent{name: "config-manager"}
	deploy := &fakeComponent{name: "deployer", deactivateErr: fmt.Errorf("teardown stuck")}
	bridge := &fakeComponent{name: "bridge"}

	o := newTestOrchestrator(Components{
		ConfigManager: cfgMgr,
		Deployer:      deploy,
		Bridge:        bridge,
	})
	require.NoError(t, o.Initialize(context.Background()))

	o.Shutdown(context.Background())

	// A failing teardown does not stop the remaining components from being
	// deactivated.
	for _, c := range []*fakeComponent{cfgMgr, deploy, bridge} {
		_, teardowns := c.counts()
		assert.Equal(t, 1, teardowns, "component %s", c.name)
	}

	status := o.Status()
	assert.False(t, status.IsActive)
	assert.False(t, o.UseBridge())
	for name, st := range status.Components {
		assert.Equal(t, StateInactive, st.State, "component %s", name)
	}
}

func TestStatusEventsPublished(t *testing.T) {
	bridge := &fakeComponent{name: "bridge"}
	o := newTestOrchestrator(Components{Bridge: bridge})

	events, cancel := o.Subscribe()
	defer cancel()

	require.NoError(t, o.Initialize(context.Background()))
	defer o.Shutdown(context.Background())

	var seen []Event
	for len(seen) < 3 {
		seen = append(seen, <-events)
	}

	assert.Equal(t, EventComponentState, seen[0].Type)
	assert.Equal(t, "bridge", seen[0].Component)
	assert.Equal(t, StateActivating, seen[0].State)

	assert.Equal(t, "bridge", seen[1].Component)
	assert.Equal(t, StateActive, seen[1].State)

	assert.Equal(t, "traffic", seen[2].Component)
	assert.Equal(t, "switched to bridge", seen[2].Message)
}

func TestHealthMonitorRestartsOnceAfterThreshold(t *testing.T) {
	flaky := &fakeComponent{name: "bridge", probeErr: fmt.Errorf("probe timeout")}
	o := newTestOrchestrator(Components{Bridge: flaky})

	m := newHealthMonitor(o, 0)
	ctx := context.Background()

	// Two failures: below the threshold, no restart.
	m.check(ctx)
	m.check(ctx)
	activations, teardowns := flaky.counts()
	assert.Zero(t, activations)
	assert.Zero(t, teardowns)

	// Third consecutive failure crosses the threshold.
	m.check(ctx)
	activations, teardowns = flaky.counts()
	assert.Equal(t, 1, activations)
	assert.Equal(t, 1, teardowns)

	// Still failing: the restart is attempted at most once.
	m.check(ctx)
	m.check(ctx)
	m.check(ctx)
	activations, _ = flaky.counts()
	assert.Equal(t, 1, activations, "no restart loop")

	assert.False(t, o.Status().IsHealthy)
}

func TestHealthMonitorRecoveryResetsCounter(t *testing.T) {
	flaky := &fakeComponent{name: "bridge", probeErr: fmt.Errorf("probe timeout")}
	o := newTestOrchestrator(Components{Bridge: flaky})

	m := newHealthMonitor(o, 0)
	ctx := context.Background()

	m.check(ctx)
	m.check(ctx)

	// Recovery before the third failure clears the consecutive count.
	flaky.mu.Lock()
	flaky.probeErr = nil
	flaky.mu.Unlock()
	m.check(ctx)
	assert.Zero(t, m.consecutiveFails["bridge"])
	assert.True(t, o.Status().IsHealthy)

	activations, _ := flaky.counts()
	assert.Zero(t, activations, "healthy components are never restarted")
}

func TestHealthMonitorPublishesStats(t *testing.T) {
	bridge := &fakeComponent{name: "bridge"}
	o := New(config.Default(), Components{Bridge: bridge}, nil,
		WithStatsSource(func() any { return map[string]int{"requests": 7} }))

	events, cancel := o.Subscribe()
	defer cancel()

	m := newHealthMonitor(o, 0)
	m.collectMetrics()

	event := <-events
	assert.Equal(t, EventMetrics, event.Type)
	assert.Equal(t, map[string]int{"requests": 7}, event.Payload)
}

func TestConnectivityError(t *testing.T) {
	inner := fmt.Errorf("dial tcp: connection refused")
	err := &ConnectivityError{Endpoint: "http://localhost:3000", Err: inner}
	assert.Equal(t, "connectivity error (http://localhost:3000): dial tcp: connection refused", err.Error())
	assert.ErrorIs(t, err, inner)
}
