package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pgbridge/pgbridge/pkg/config"
	"github.com/pgbridge/pgbridge/pkg/engine"
	"github.com/pgbridge/pgbridge/pkg/httputil"
	"github.com/pgbridge/pgbridge/pkg/sandbox"
	"github.com/pgbridge/pgbridge/pkg/util/rand"
)

// Component is a named service whose lifecycle the orchestrator owns.
type Component interface {
	Name() string
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	// Probe reports the component's own health; a nil error means healthy.
	Probe(ctx context.Context) error
}

// ConfigManager renders the configuration the deployed REST service reads.
type ConfigManager struct {
	mu       sync.Mutex
	cfg      *config.Config
	secret   func() string
	rendered string
}

func NewConfigManager(cfg *config.Config, secret func() string) *ConfigManager {
	return &ConfigManager{cfg: cfg, secret: secret}
}

func (m *ConfigManager) Name() string { return "config-manager" }

func (m *ConfigManager) Activate(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "db-uri = %q\n", m.cfg.Engine.ConnString)
	fmt.Fprintf(&b, "db-schemas = %q\n", "public")
	fmt.Fprintf(&b, "db-anon-role = %q\n", "anon")
	fmt.Fprintf(&b, "server-port = 3000\n")
	if m.secret != nil {
		fmt.Fprintf(&b, "jwt-secret = %q\n", m.secret())
	}
	m.rendered = b.String()
	return nil
}

func (m *ConfigManager) Deactivate(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rendered = ""
	return nil
}

func (m *ConfigManager) Probe(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rendered == "" {
		return fmt.Errorf("no configuration rendered")
	}
	return nil
}

// Rendered returns the generated service configuration.
func (m *ConfigManager) Rendered() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rendered
}

// AuthManager derives the JWT secret and the claim shape shared between the
// bridge and the deployed service. Token issuance itself happens elsewhere;
// only the claim contract lives here.
type AuthManager struct {
	mu     sync.Mutex
	secret string
}

func NewAuthManager() *AuthManager { return &AuthManager{} }

func (m *AuthManager) Name() string { return "auth-manager" }

func (m *AuthManager) Activate(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secret == "" {
		m.secret = rand.NewSecret(32)
	}
	return nil
}

func (m *AuthManager) Deactivate(_ context.Context) error { return nil }

func (m *AuthManager) Probe(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secret == "" {
		return fmt.Errorf("no secret configured")
	}
	return nil
}

// Secret returns the shared JWT secret, generating one on first use.
func (m *AuthManager) Secret() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secret == "" {
		m.secret = rand.NewSecret(32)
	}
	return m.secret
}

// Claims returns the claim shape propagated to the engine session.
func (m *AuthManager) Claims(role string) map[string]any {
	return map[string]any{
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
}

// Deployer brings the remote REST service up in the sandboxed execution
// environment. Deployment is slow and side-effecting, so every command runs
// behind a retryable, cancellable backoff.
type Deployer struct {
	executor    sandbox.Executor
	deployCmd   string
	teardownCmd string
	retry       config.RetryConfig
	logger      *zap.Logger

	mu       sync.Mutex
	deployed bool
}

func NewDeployer(executor sandbox.Executor, deployCmd, teardownCmd string, retry config.RetryConfig, logger *zap.Logger) *Deployer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deployer{
		executor:    executor,
		deployCmd:   deployCmd,
		teardownCmd: teardownCmd,
		retry:       retry,
		logger:      logger,
	}
}

func (d *Deployer) Name() string { return "deployer" }

func (d *Deployer) Activate(ctx context.Context) error {
	if d.deployCmd == "" {
		d.mu.Lock()
		d.deployed = true
		d.mu.Unlock()
		return nil
	}

	if err := d.run(ctx, d.deployCmd); err != nil {
		return err
	}

	d.mu.Lock()
	d.deployed = true
	d.mu.Unlock()
	return nil
}

func (d *Deployer) Deactivate(ctx context.Context) error {
	d.mu.Lock()
	d.deployed = false
	d.mu.Unlock()

	if d.teardownCmd == "" {
		return nil
	}
	return d.run(ctx, d.teardownCmd)
}

func (d *Deployer) Probe(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.deployed {
		return fmt.Errorf("service not deployed")
	}
	return nil
}

func (d *Deployer) run(ctx context.Context, cmd string) error {
	operation := func() error {
		result, err := d.executor.ExecuteCommand(ctx, cmd)
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("command exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retry.Delay
	b.MaxElapsedTime = time.Duration(d.retry.Attempts+1) * d.retry.Delay * 4

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.retry.Attempts)), ctx)); err != nil {
		d.logger.Error("sandbox command failed", zap.String("cmd", cmd), zap.Error(err))
		return &ConnectivityError{Endpoint: "sandbox", Err: err}
	}
	return nil
}

// EndpointAdapter checks connectivity to the deployed REST service over
// HTTP.
type EndpointAdapter struct {
	url    string
	logger *zap.Logger
}

func NewEndpointAdapter(url string, logger *zap.Logger) *EndpointAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EndpointAdapter{url: url, logger: logger}
}

func (a *EndpointAdapter) Name() string { return "endpoint-adapter" }

func (a *EndpointAdapter) Activate(ctx context.Context) error { return a.Probe(ctx) }

func (a *EndpointAdapter) Deactivate(_ context.Context) error { return nil }

func (a *EndpointAdapter) Probe(ctx context.Context) error {
	if a.url == "" {
		// no remote endpoint configured; simulation-only mode
		return nil
	}

	cfg := httputil.DefaultRequestConfig("GET", a.url)
	cfg.RetryEnabled = false
	cfg.Logger = a.logger

	if _, err := httputil.Request(ctx, cfg, nil); err != nil {
		return &ConnectivityError{Endpoint: a.url, Err: err}
	}
	return nil
}

// BridgeComponent wraps the query bridge's engine connection so the
// orchestrator can activate and probe the local query path like any other
// component.
type BridgeComponent struct {
	engine engine.Engine
}

func NewBridgeComponent(eng engine.Engine) *BridgeComponent {
	return &BridgeComponent{engine: eng}
}

func (c *BridgeComponent) Name() string { return "bridge" }

func (c *BridgeComponent) Activate(ctx context.Context) error { return c.Probe(ctx) }

func (c *BridgeComponent) Deactivate(_ context.Context) error { return nil }

func (c *BridgeComponent) Probe(ctx context.Context) error {
	if _, err := c.engine.Query(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("engine probe: %w", err)
	}
	return nil
}
