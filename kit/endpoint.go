package kit

import "context"

// Endpoint is a single request/response operation, independent of the
// transport that carries it.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with additional behavior.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares into one. The first argument is the
// outermost wrapper: Chain(a, b, c) runs a's pre-logic first and its
// post-logic last.
func Chain(mw ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mw) - 1; i >= 0; i-- {
			next = mw[i](next)
		}
		return next
	}
}
