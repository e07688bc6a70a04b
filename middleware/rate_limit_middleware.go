package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"harpc/message"
	"harpc/protocol"
)

// RateLimitMiddleware rejects requests beyond a token bucket of r requests per
// second with the given burst. Rejections carry ErrorCodeRateLimited.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			if !limiter.Allow() {
				return nil, message.Errorf(protocol.ErrorCodeRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
