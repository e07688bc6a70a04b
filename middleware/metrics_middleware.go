package middleware

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"harpc/message"
	"harpc/protocol"
)

// Metrics counts handled requests and observes their latency, labelled by
// service, procedure and the error code they ended with ("0" on success).
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := []string{"service", "procedure", "code"}
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "harpc",
				Subsystem: "server",
				Name:      "requests_total",
				Help:      "Total RPC requests handled.",
			},
			labels,
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "harpc",
				Subsystem: "server",
				Name:      "request_duration_seconds",
				Help:      "Time until the handler returned a response, in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			labels,
		),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

// Middleware records one observation per request. Errors a handler streams
// after returning its response are not seen here.
func (m *Metrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			code := protocol.ErrorCode(0)
			if err != nil {
				code = protocol.ErrorCodeInternal
				var f *message.Failure
				var coder message.ErrorCoder
				switch {
				case errors.As(err, &f):
					code = f.Code
				case errors.As(err, &coder) && coder.ErrorCode() != 0:
					code = coder.ErrorCode()
				}
			}

			values := []string{
				req.Service.String(),
				strconv.Itoa(int(req.Procedure)),
				strconv.Itoa(int(code)),
			}
			m.requests.WithLabelValues(values...).Inc()
			m.duration.WithLabelValues(values...).Observe(time.Since(start).Seconds())
			return resp, err
		}
	}
}
