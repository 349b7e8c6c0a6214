// Package middleware provides the HTTP middleware chain for the bridge
// server: request IDs, CORS, and structured request logging.
package middleware

import (
	"net/http"

	"github.com/pgbridge/pgbridge/pkg/httputil"
)

// Chain applies middleware to a handler. The first middleware in the list is
// the outermost wrapper (executed first).
func Chain(h http.Handler, middlewares ...httputil.Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
