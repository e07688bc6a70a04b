// Command harpc-echo serves a small echo service over HARPC.
//
// Usage:
//
//	harpc-echo -config harpc.toml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"harpc/config"
	"harpc/logging"
	"harpc/middleware"
	"harpc/registry"
	"harpc/server"
	"harpc/tracing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) (err error) {
	cfg := config.Default()
	if configPath != "" {
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := tracing.Setup(cfg.Tracing, nil)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, shutdownTracing(context.Background())) }()

	var reg registry.Registry
	if len(cfg.Registry.Endpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, registry.WithEtcdLogger(logger))
		if err != nil {
			return fmt.Errorf("connect registry: %w", err)
		}
		defer etcd.Close()
		reg = etcd
	}

	metrics := prometheus.NewRegistry()
	if cfg.Metrics.Listen != "" {
		ms := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		defer func() { _ = ms.Close() }()
	}

	svr := newServer(cfg, logger, metrics)
	if err := registerEcho(svr); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- svr.Serve("tcp", cfg.Listen, cfg.AdvertiseAddr(), reg) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", shutdownTimeout))
	err = svr.Shutdown(shutdownTimeout)
	if serveErr := <-errc; serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		err = multierr.Append(err, serveErr)
	}
	return err
}

// newServer builds the server with its middleware stack, outermost first.
func newServer(cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) *server.Server {
	svr := server.NewServer(cfg.Server, server.WithLogger(logger))
	svr.Use(middleware.LoggingMiddleware(logger))
	svr.Use(middleware.NewMetrics(reg).Middleware())
	svr.Use(middleware.TracingMiddleware(middleware.TracingConfig{}))
	if cfg.RateLimit.Rate > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}
	return svr
}
