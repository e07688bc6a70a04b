// Package middleware wraps request handlers in an onion of cross-cutting
// concerns and maps every handler failure into a well-formed response.
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
//
// Handlers and middleware may fail. ErrorMapping is the outermost layer: it
// turns the fallible chain into a ServiceFunc that cannot.
package middleware

import (
	"context"

	"harpc/message"
)

// HandlerFunc serves one request. A returned error is an application failure.
type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

// ServiceFunc is a handler that always produces a response.
type ServiceFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one added runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
