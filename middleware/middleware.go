// Package middleware wraps the dispatch step between request validation and
// procedure invocation. A nil response from the inner handler means the
// engine decided to drop the request (for example an unknown target);
// middlewares must pass that through unchanged.
package middleware

import (
	"context"

	"wirebus/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one. Chain(A, B, C)(h) runs A first and h
// last, the usual onion ordering.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
