// Package pgxengine implements the engine contract on top of a real
// PostgreSQL server via pgx. It is the backend used in hybrid mode, where the
// bridge and the deployed REST service share one database.
package pgxengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pgbridge/pgbridge/pkg/engine"
)

type Engine struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New connects a pool to connString and returns an Engine backed by it.
func New(ctx context.Context, connString string, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	return &Engine{pool: pool, logger: logger}, nil
}

func (e *Engine) Query(ctx context.Context, sql string, params ...any) (*engine.Result, error) {
	if claims := engine.ClaimsFrom(ctx); claims != nil {
		return e.queryWithClaims(ctx, claims, sql, params)
	}

	rows, err := e.pool.Query(ctx, sql, params...)
	if err != nil {
		return nil, &engine.ExecutionError{SQL: sql, Err: err}
	}
	defer rows.Close()

	result, err := rowsToMaps(rows)
	if err != nil {
		return nil, &engine.ExecutionError{SQL: sql, Err: err}
	}
	return &engine.Result{Rows: result}, nil
}

// queryWithClaims pins the statement and its session settings to one pooled
// connection by running both inside a transaction. set_config with
// is_local=true is transaction-scoped, so the connection returns to the pool
// carrying no role or claims.
func (e *Engine) queryWithClaims(ctx context.Context, claims map[string]any, sql string, params []any) (*engine.Result, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("marshal claims: %w", err)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return nil, &engine.ExecutionError{SQL: sql, Err: err}
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`SELECT set_config('request.jwt.claims', $1, true)`, string(payload)); err != nil {
		return nil, &engine.ExecutionError{SQL: "set_config", Err: err}
	}
	if role, ok := claims["role"].(string); ok && role != "" {
		if _, err := tx.Exec(ctx,
			`SELECT set_config('role', $1, true)`, role); err != nil {
			return nil, &engine.ExecutionError{SQL: "set_config", Err: err}
		}
	}

	rows, err := tx.Query(ctx, sql, params...)
	if err != nil {
		return nil, &engine.ExecutionError{SQL: sql, Err: err}
	}
	result, err := rowsToMaps(rows)
	rows.Close()
	if err != nil {
		return nil, &engine.ExecutionError{SQL: sql, Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &engine.ExecutionError{SQL: sql, Err: err}
	}
	return &engine.Result{Rows: result}, nil
}

func (e *Engine) Exec(ctx context.Context, sql string) error {
	if _, err := e.pool.Exec(ctx, sql); err != nil {
		return &engine.ExecutionError{SQL: sql, Err: err}
	}
	return nil
}

// SetSessionContext binds the caller's claims into the returned context, the
// same claim shape PostgREST publishes via request.jwt.claims. Application
// happens per statement in queryWithClaims; nothing is written to a pooled
// session here, so claims can never leak across requests sharing the pool.
func (e *Engine) SetSessionContext(ctx context.Context, claims map[string]any) (context.Context, error) {
	if _, err := json.Marshal(claims); err != nil {
		return ctx, fmt.Errorf("marshal claims: %w", err)
	}
	return engine.WithClaims(ctx, claims), nil
}

func (e *Engine) Close() {
	e.pool.Close()
}

func rowsToMaps(rows pgx.Rows) ([]map[string]any, error) {
	fieldDescriptions := rows.FieldDescriptions()
	columnNames := make([]string, len(fieldDescriptions))
	for i, fd := range fieldDescriptions {
		columnNames[i] = string(fd.Name)
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(columnNames))
		valuePointers := make([]any, len(columnNames))
		for i := range values {
			valuePointers[i] = &values[i]
		}

		if err := rows.Scan(valuePointers...); err != nil {
			return nil, err
		}

		rowMap := make(map[string]any, len(columnNames))
		for i, name := range columnNames {
			rowMap[name] = values[i]
		}
		result = append(result, rowMap)
	}
	return result, rows.Err()
}
