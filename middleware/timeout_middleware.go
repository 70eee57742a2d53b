package middleware

import (
	"context"
	"time"

	"wirebus/message"
)

// Timeout bounds procedure execution. The core imposes no invocation
// deadline of its own, so this is strictly opt-in; a procedure that overruns
// keeps running on its goroutine, but the caller gets a failure response at
// the deadline.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewFault(req.Call, &message.ErrorInfo{
					Message: "procedure timed out",
				})
			}
		}
	}
}
