// Package engine defines the contract to the embedded SQL engine the bridge
// executes translated queries against. The engine itself is an external
// collaborator; this package only describes how the rest of the system talks
// to it and how its failures are surfaced.
package engine

import "context"

// Engine is the execution contract to the embedded SQL engine.
//
// Query runs a parameterized statement and returns the result rows.
// Exec runs a DDL or other statement that produces no rows.
// SetSessionContext binds the caller's role/claims into the returned
// context; Query applies them to the engine session for exactly the
// statements issued under that context. Claims never outlive the request
// they arrived with.
//
// Implementations are not assumed to be reentrant for writes; callers that
// need serialization (the optimizer) enforce it themselves.
type Engine interface {
	Query(ctx context.Context, sql string, params ...any) (*Result, error)
	Exec(ctx context.Context, sql string) error
	SetSessionContext(ctx context.Context, claims map[string]any) (context.Context, error)
}

// Result holds the rows returned by a query, one map per row keyed by
// column name.
type Result struct {
	Rows []map[string]any `json:"rows"`
}

type claimsCtxKey struct{}

// WithClaims returns a context carrying the caller's role/claims. Claims
// ride the request context so they bind to the statements issued under it
// and to nothing else.
func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsCtxKey{}, claims)
}

// ClaimsFrom returns the claims carried by ctx, or nil for an anonymous
// request.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsCtxKey{}).(map[string]any)
	return claims
}

// ExecutionError wraps a failure reported by the embedded engine. The engine
// message is preserved verbatim so it can be surfaced to clients unmodified.
type ExecutionError struct {
	SQL string
	Err error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }
