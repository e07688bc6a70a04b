package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"harpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.Stringer("session", req.Session),
				zap.Stringer("service", req.Service),
				zap.Uint16("procedure", uint16(req.Procedure)),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("request failed", append(fields, zap.Error(err))...)
				return resp, err
			}
			logger.Debug("request handled", fields...)
			return resp, nil
		}
	}
}
