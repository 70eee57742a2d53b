package middleware

import (
	"context"
	"log/slog"
	"time"

	"wirebus/message"
	"wirebus/telemetry"
)

// Logging records one line per dispatched request with its outcome and
// duration. Pass nil to log through slog.Default.
func Logging(log *slog.Logger) Middleware {
	if log == nil {
		log = slog.Default()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			elapsed := time.Since(start)

			attrs := []any{
				telemetry.LabelTarget.L(req.Target),
				telemetry.LabelCall.L(req.Call),
				slog.Duration("elapsed", elapsed),
			}
			switch {
			case resp == nil:
				log.Debug("request dropped", attrs...)
			case resp.Success != nil && *resp.Success:
				log.Info("request handled", attrs...)
			default:
				log.Warn("request failed", attrs...)
			}
			return resp
		}
	}
}
