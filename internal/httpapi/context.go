package httpapi

import (
	"context"
	"errors"
	"net/http"
)

// errShutdown is the cancellation cause of request contexts ended by the
// server base context.
var errShutdown = errors.New("server shutting down")

// serverBaseCtx is cancelled on shutdown. Defaults to Background.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context; cancelling it ends
// every running turn. nil restores Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// requestContext derives a context from r that also ends when the server
// base context does. Values set by middleware (request id) stay visible.
func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return joinContexts(r.Context(), serverBaseCtx)
}

// joinContexts returns a child of a that is also cancelled, with cause
// errShutdown, when b is done.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(a)
	stop := context.AfterFunc(b, func() { cancel(errShutdown) })
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}
