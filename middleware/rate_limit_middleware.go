package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"wirebus/message"
)

// RateLimit rejects dispatches beyond r requests per second with a burst
// allowance, using a shared token bucket across all connections. Rejected
// requests get a failure response so callers fail fast instead of timing
// out.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.NewFault(req.Call, &message.ErrorInfo{
					Message: "rate limit exceeded",
				})
			}
			return next(ctx, req)
		}
	}
}
