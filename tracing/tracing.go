// Package tracing installs the process-wide OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

type Config struct {
	// Exporter is "none" or "stdout". With "none" spans still get trace
	// ids, so they propagate through extensions, but nothing is exported.
	Exporter string
	// Pretty indents stdout output.
	Pretty bool
}

func DefaultConfig() Config {
	return Config{Exporter: ExporterNone}
}

func (c Config) Validate() error {
	switch c.Exporter {
	case "", ExporterNone, ExporterStdout:
		return nil
	}
	return fmt.Errorf("tracing: unsupported exporter %q", c.Exporter)
}

// Setup builds a tracer provider from cfg, installs it with
// otel.SetTracerProvider and returns its shutdown function. Stdout spans are
// written to w, or os.Stdout when w is nil.
func Setup(cfg Config, w io.Writer) (func(context.Context) error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithSampler(sdktrace.AlwaysSample())}
	if cfg.Exporter == ExporterStdout {
		if w == nil {
			w = os.Stdout
		}
		exOpts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
		if cfg.Pretty {
			exOpts = append(exOpts, stdouttrace.WithPrettyPrint())
		}
		exporter, err := stdouttrace.New(exOpts...)
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
