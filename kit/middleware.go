package kit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Logging returns a Middleware that logs one line per call under the
// given operation name, with the transport and session taken from the
// context when present.
func Logging(logger *slog.Logger, op string) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"op", op,
				"transport", GetTransport(ctx),
				"duration", time.Since(start),
			}
			if sid := GetSessionID(ctx); sid != "" {
				attrs = append(attrs, "session", sid)
			}
			if err != nil {
				attrs = append(attrs, "error", err)
				logger.Warn("endpoint failed", attrs...)
				return resp, err
			}
			logger.Debug("endpoint ok", attrs...)
			return resp, nil
		}
	}
}

// Recover returns a Middleware that converts an endpoint panic into an
// error, so one bad call cannot take down the transport loop.
func Recover() Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (resp any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("endpoint panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}
