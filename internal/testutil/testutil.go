// Package testutil provides in-memory fakes for the external contracts:
// the embedded SQL engine and the sandboxed command executor.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pgbridge/pgbridge/pkg/engine"
	"github.com/pgbridge/pgbridge/pkg/sandbox"
)

// MockEngine implements engine.Engine with programmable behavior and call
// accounting.
type MockEngine struct {
	mu sync.Mutex

	// QueryFunc, when set, handles Query calls. The default returns an
	// empty result.
	QueryFunc func(ctx context.Context, sql string, params ...any) (*engine.Result, error)
	ExecFunc  func(ctx context.Context, sql string) error

	queryCalls atomic.Int64
	execCalls  atomic.Int64

	// Statements records every SQL string passed to Query, in order.
	Statements []string
	// SessionClaims records the last claims passed to SetSessionContext.
	SessionClaims map[string]any
	// QueryClaims records, per Query call, the claims carried by its context
	// (nil for anonymous calls).
	QueryClaims []map[string]any
}

func (m *MockEngine) Query(ctx context.Context, sql string, params ...any) (*engine.Result, error) {
	m.queryCalls.Add(1)
	m.mu.Lock()
	m.Statements = append(m.Statements, sql)
	m.QueryClaims = append(m.QueryClaims, engine.ClaimsFrom(ctx))
	m.mu.Unlock()

	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, sql, params...)
	}
	return &engine.Result{Rows: []map[string]any{}}, nil
}

func (m *MockEngine) Exec(ctx context.Context, sql string) error {
	m.execCalls.Add(1)
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, sql)
	}
	return nil
}

func (m *MockEngine) SetSessionContext(ctx context.Context, claims map[string]any) (context.Context, error) {
	m.mu.Lock()
	m.SessionClaims = claims
	m.mu.Unlock()
	return engine.WithClaims(ctx, claims), nil
}

// QueryCalls returns the number of Query invocations.
func (m *MockEngine) QueryCalls() int64 { return m.queryCalls.Load() }

// ExecCalls returns the number of Exec invocations.
func (m *MockEngine) ExecCalls() int64 { return m.execCalls.Load() }

// MockExecutor implements sandbox.Executor with programmable results.
type MockExecutor struct {
	mu sync.Mutex

	// ExecuteFunc, when set, handles each command. The default reports a
	// zero exit code.
	ExecuteFunc func(ctx context.Context, cmd string) (*sandbox.CommandResult, error)

	// Commands records every executed command, in order.
	Commands []string
}

func (m *MockExecutor) ExecuteCommand(ctx context.Context, cmd string) (*sandbox.CommandResult, error) {
	m.mu.Lock()
	m.Commands = append(m.Commands, cmd)
	m.mu.Unlock()

	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, cmd)
	}
	return &sandbox.CommandResult{ExitCode: 0}, nil
}
