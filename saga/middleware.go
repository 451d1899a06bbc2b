package saga

import "context"

// Next invokes the remainder of the middleware chain (and, eventually, the
// guarded handler itself).
type Next func(ctx context.Context, hc *HandlerContext) error

// Middleware wraps dispatch the same way messaging.IMiddleware wraps
// publish: each middleware decides whether/when to call next, and may
// inspect or short-circuit on error.
type Middleware interface {
	Handle(ctx context.Context, hc *HandlerContext, next Next) error
	Name() string
}

// executeMiddlewares builds the nested-closure chain from middlewares and
// runs it, terminating in final. Middlewares are applied in registration
// order: the first Use'd middleware is outermost.
func executeMiddlewares(ctx context.Context, hc *HandlerContext, middlewares []Middleware, final Next) error {
	next := final
	for i := len(middlewares) - 1; i >= 0; i-- {
		mw := middlewares[i]
		currentNext := next
		next = func(ctx context.Context, hc *HandlerContext) error {
			return mw.Handle(ctx, hc, currentNext)
		}
	}
	return next(ctx, hc)
}
