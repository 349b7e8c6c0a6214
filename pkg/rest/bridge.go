package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/pgbridge/pgbridge/pkg/engine"
	"github.com/pgbridge/pgbridge/pkg/httputil"
)

// Executor runs a translated plan. It is satisfied by engine.Engine directly
// and by the optimizer, which adds caching and batching in front of it.
type Executor interface {
	Query(ctx context.Context, sql string, params ...any) (*engine.Result, error)
}

// Request is a transport-neutral REST call. The bridge accepts these from
// net/http (via ServeHTTP) or from in-process callers.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Headers http.Header
	Body    []byte
	// Claims, when set, are propagated to the engine session before
	// execution.
	Claims map[string]any
}

// Response is the REST-shaped result of a bridged call.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Bridge translates REST-style calls into SQL against the embedded engine.
// Each request flows Parse -> Translate -> Execute -> Render; parse and
// translate failures render as 400, engine failures as 500 with the engine
// message surfaced verbatim.
type Bridge struct {
	engine        engine.Engine
	exec          Executor
	logger        *zap.Logger
	defaultSchema string
	baseURL       string
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithExecutor routes plan execution through exec instead of the engine
// directly. Used to place the optimizer in front of the engine.
func WithExecutor(exec Executor) Option {
	return func(b *Bridge) { b.exec = exec }
}

// WithDefaultSchema sets the schema assumed when the path has no schema
// segment. Defaults to "public".
func WithDefaultSchema(schema string) Option {
	return func(b *Bridge) { b.defaultSchema = schema }
}

// WithBaseURL strips prefix from incoming paths before routing.
func WithBaseURL(prefix string) Option {
	return func(b *Bridge) { b.baseURL = prefix }
}

func NewBridge(eng engine.Engine, logger *zap.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{
		engine:        eng,
		exec:          eng,
		logger:        logger,
		defaultSchema: "public",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Handle processes one REST call end to end.
func (b *Bridge) Handle(ctx context.Context, req *Request) *Response {
	path := strings.Trim(strings.TrimPrefix(req.Path, b.baseURL), "/")
	if path == "" {
		return jsonResponse(http.StatusOK, map[string]string{"message": "pgbridge"})
	}

	if req.Claims != nil {
		var err error
		ctx, err = b.engine.SetSessionContext(ctx, req.Claims)
		if err != nil {
			b.logger.Warn("set session context failed", zap.Error(err))
			return executionResponse(err)
		}
	}

	segments := strings.Split(path, "/")
	if segments[0] == "rpc" {
		return b.handleRPC(ctx, req, segments)
	}

	schema := b.defaultSchema
	table := segments[0]
	if len(segments) > 1 {
		schema = segments[0]
		table = segments[1]
	}

	switch req.Method {
	case http.MethodGet:
		return b.handleGet(ctx, req, schema, table)
	case http.MethodPost:
		return b.handlePost(ctx, req, schema, table)
	case http.MethodPatch, http.MethodPut:
		return b.handlePatch(ctx, req, schema, table)
	case http.MethodDelete:
		return b.handleDelete(ctx, req, schema, table)
	default:
		return errorResponse(http.StatusMethodNotAllowed,
			fmt.Sprintf("method %s not allowed", req.Method), "method not allowed")
	}
}

func (b *Bridge) handleGet(ctx context.Context, req *Request, schema, table string) *Response {
	d, err := ParseQuery(schema, table, req.Query)
	if err != nil {
		return validationResponse(err)
	}
	if wantsSingleObject(req.Headers.Get("Accept")) {
		d.Single = true
	}

	plan, err := d.ToSQL()
	if err != nil {
		return validationResponse(err)
	}

	result, err := b.exec.Query(ctx, plan.SQL, plan.Params...)
	if err != nil {
		b.logger.Error("query failed", zap.String("sql", plan.SQL), zap.Error(err))
		return executionResponse(err)
	}

	return renderRows(result.Rows, d.Single)
}

func (b *Bridge) handlePost(ctx context.Context, req *Request, schema, table string) *Response {
	row, resp := decodeBody(req.Body)
	if resp != nil {
		return resp
	}

	plan, err := InsertSQL(schema, table, row)
	if err != nil {
		return validationResponse(err)
	}

	result, err := b.exec.Query(ctx, plan.SQL, plan.Params...)
	if err != nil {
		b.logger.Error("insert failed", zap.String("table", table), zap.Error(err))
		return executionResponse(err)
	}

	if parsePrefer(req.Headers.Get("Prefer")).WantsMinimal() {
		return &Response{Status: http.StatusCreated, Headers: map[string]string{}}
	}
	return jsonResponseStatus(http.StatusCreated, result.Rows)
}

func (b *Bridge) handlePatch(ctx context.Context, req *Request, schema, table string) *Response {
	d, err := ParseQuery(schema, table, req.Query)
	if err != nil {
		return validationResponse(err)
	}

	row, resp := decodeBody(req.Body)
	if resp != nil {
		return resp
	}

	plan, err := UpdateSQL(d, row)
	if err != nil {
		return validationResponse(err)
	}

	result, err := b.exec.Query(ctx, plan.SQL, plan.Params...)
	if err != nil {
		b.logger.Error("update failed", zap.String("table", table), zap.Error(err))
		return executionResponse(err)
	}

	if parsePrefer(req.Headers.Get("Prefer")).WantsMinimal() {
		return &Response{Status: http.StatusNoContent, Headers: map[string]string{}}
	}
	return renderRows(result.Rows, false)
}

func (b *Bridge) handleDelete(ctx context.Context, req *Request, schema, table string) *Response {
	d, err := ParseQuery(schema, table, req.Query)
	if err != nil {
		return validationResponse(err)
	}

	plan, err := DeleteSQL(d)
	if err != nil {
		return validationResponse(err)
	}

	result, err := b.exec.Query(ctx, plan.SQL, plan.Params...)
	if err != nil {
		b.logger.Error("delete failed", zap.String("table", table), zap.Error(err))
		return executionResponse(err)
	}

	if parsePrefer(req.Headers.Get("Prefer")).WantsMinimal() {
		return &Response{Status: http.StatusNoContent, Headers: map[string]string{}}
	}
	return renderRows(result.Rows, false)
}

func (b *Bridge) handleRPC(ctx context.Context, req *Request, segments []string) *Response {
	if req.Method != http.MethodPost {
		return errorResponse(http.StatusMethodNotAllowed,
			"rpc endpoints accept POST only", "method not allowed")
	}
	if len(segments) < 2 || segments[1] == "" {
		return errorResponse(http.StatusBadRequest, "missing function name", "invalid rpc path")
	}

	args := map[string]any{}
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &args); err != nil {
			return errorResponse(http.StatusBadRequest, err.Error(), "invalid JSON body")
		}
	}

	plan, err := CallSQL("", segments[1], args)
	if err != nil {
		return validationResponse(err)
	}

	result, err := b.exec.Query(ctx, plan.SQL, plan.Params...)
	if err != nil {
		b.logger.Error("rpc failed", zap.String("function", segments[1]), zap.Error(err))
		return executionResponse(err)
	}

	single := wantsSingleObject(req.Headers.Get("Accept"))
	return renderRows(result.Rows, single)
}

// ServeHTTP mounts the bridge on net/http.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := readBody(r)
	resp := b.Handle(r.Context(), &Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.Query(),
		Headers: r.Header,
		Body:    body,
		Claims:  claimsFromContext(r.Context()),
	})

	w.Header().Set("Content-Type", "application/json")
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body) //nolint:errcheck
	}
}

// renderRows renders a row set with PostgREST range semantics. With single
// set, the first row is returned as a bare object; an empty set renders as a
// 200 with a null body (held as an invariant by the bridge tests).
func renderRows(rows []map[string]any, single bool) *Response {
	n := len(rows)
	contentRange := "*/0"
	if n > 0 {
		contentRange = fmt.Sprintf("0-%d/%d", n-1, n)
	}

	var payload any
	if single {
		if n == 0 {
			payload = nil
		} else {
			payload = rows[0]
		}
	} else {
		if rows == nil {
			rows = []map[string]any{}
		}
		payload = rows
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errorResponse(http.StatusInternalServerError, err.Error(), "failed to encode response")
	}

	return &Response{
		Status:  http.StatusOK,
		Headers: map[string]string{"Content-Range": contentRange},
		Body:    body,
	}
}

func decodeBody(body []byte) (map[string]any, *Response) {
	var row map[string]any
	if err := json.Unmarshal(body, &row); err != nil {
		return nil, errorResponse(http.StatusBadRequest, err.Error(), "invalid JSON body")
	}
	return row, nil
}

func readBody(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close() //nolint:errcheck
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil
	}
	return body
}

// claimsFromContext returns role/claims placed in the request context by the
// auth middleware, or nil when the request is anonymous.
func claimsFromContext(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(httputil.ClaimsCtxKey).(map[string]any)
	return claims
}

// errorBody is the wire shape of every failure: the verbatim error plus a
// generic human-readable message.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func errorResponse(status int, errMsg, message string) *Response {
	body, _ := json.Marshal(errorBody{Error: errMsg, Message: message})
	return &Response{Status: status, Headers: map[string]string{}, Body: body}
}

func validationResponse(err error) *Response {
	return errorResponse(http.StatusBadRequest, err.Error(), "invalid query parameters")
}

// executionResponse maps an engine failure to a 500 with the engine message
// passed through untouched.
func executionResponse(err error) *Response {
	var execErr *engine.ExecutionError
	if errors.As(err, &execErr) {
		return errorResponse(http.StatusInternalServerError, execErr.Error(), "database query failed")
	}
	return errorResponse(http.StatusInternalServerError, err.Error(), "database query failed")
}

func jsonResponse(status int, data any) *Response {
	body, _ := json.Marshal(data)
	return &Response{Status: status, Headers: map[string]string{}, Body: body}
}

func jsonResponseStatus(status int, rows []map[string]any) *Response {
	if rows == nil {
		rows = []map[string]any{}
	}
	body, _ := json.Marshal(rows)
	return &Response{Status: status, Headers: map[string]string{}, Body: body}
}
