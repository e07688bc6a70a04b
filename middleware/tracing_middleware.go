package middleware

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"harpc/extensions"
	"harpc/message"
)

const instrumentationName = "harpc"

// TracingConfig configures TracingMiddleware.
type TracingConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// Propagator extracts a parent context from a propagation.MapCarrier found
	// in the request extensions. Extensions never cross the wire, so the
	// carrier must be inserted by a middleware running outside this one, for
	// example one that decodes trace headers carried in the request payload.
	// Without a carrier every span is a root span. Defaults to
	// otel.GetTextMapPropagator().
	Propagator propagation.TextMapPropagator
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// TracingMiddleware starts a server span per call. The span context is stored
// in the request extensions so handlers and inner layers can read it with
// extensions.Get[trace.SpanContext].
func TracingMiddleware(cfg TracingConfig) Middleware {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	tracer := cfg.TracerProvider.Tracer(instrumentationName)

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			// Set by an outer middleware, if any.
			if carrier, ok := extensions.Get[propagation.MapCarrier](req.Extensions); ok {
				ctx = cfg.Propagator.Extract(ctx, carrier)
			}

			attrs := []attribute.KeyValue{
				attribute.String("rpc.system", "harpc"),
				attribute.Int("rpc.harpc.service_id", int(req.Service.ID)),
				attribute.String("rpc.harpc.service_version", req.Service.Version.String()),
				attribute.Int("rpc.harpc.procedure_id", int(req.Procedure)),
				attribute.String("rpc.harpc.session", req.Session.String()),
			}
			attrs = append(attrs, cfg.CustomAttributes...)

			ctx, span := tracer.Start(ctx, fmt.Sprintf("harpc/%s/%d", req.Service, req.Procedure),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			if req.Extensions == nil {
				req.Extensions = extensions.New()
			}
			extensions.Insert(req.Extensions, span.SpanContext())

			resp, err := next(ctx, req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				var coder message.ErrorCoder
				if errors.As(err, &coder) {
					span.SetAttributes(attribute.Int("rpc.harpc.error_code", int(coder.ErrorCode())))
				}
				return resp, err
			}
			span.SetStatus(codes.Ok, "")
			return resp, nil
		}
	}
}
