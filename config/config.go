// Package config loads the TOML configuration of a harpc server process.
// Keys left out of the file keep their defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"harpc/logging"
	"harpc/server"
	"harpc/tracing"
)

type Config struct {
	Listen    string
	Server    server.Config
	Log       logging.Config
	Registry  RegistryConfig
	RateLimit RateLimitConfig
	Metrics   MetricsConfig
	Tracing   tracing.Config
}

// RegistryConfig enables etcd discovery when Endpoints is non-empty.
type RegistryConfig struct {
	Endpoints []string
	TTL       int64  // lease TTL in seconds
	Advertise string // address announced to clients; defaults to Listen
}

// RateLimitConfig is disabled when Rate is zero.
type RateLimitConfig struct {
	Rate  float64 // calls per second
	Burst int
}

// MetricsConfig exposes Prometheus metrics over HTTP when Listen is set.
type MetricsConfig struct {
	Listen string
}

type fileConfig struct {
	Listen    string        `toml:"listen"`
	Server    fileServer    `toml:"server"`
	Log       fileLog       `toml:"log"`
	Registry  fileRegistry  `toml:"registry"`
	RateLimit fileRateLimit `toml:"rate_limit"`
	Metrics   fileMetrics   `toml:"metrics"`
	Tracing   fileTracing   `toml:"tracing"`
}

type fileServer struct {
	TransactionLimit   int    `toml:"transaction_limit"`
	RequestBufferSize  int    `toml:"request_buffer_size"`
	ResponseBufferSize int    `toml:"response_buffer_size"`
	ChunkBufferSize    int    `toml:"chunk_buffer_size"`
	NoDelay            bool   `toml:"no_delay"`
	GCInterval         string `toml:"gc_interval"`
}

type fileLog struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type fileRegistry struct {
	Endpoints []string `toml:"endpoints"`
	TTL       int64    `toml:"ttl"`
	Advertise string   `toml:"advertise"`
}

type fileRateLimit struct {
	Rate  float64 `toml:"rate"`
	Burst int     `toml:"burst"`
}

type fileMetrics struct {
	Listen string `toml:"listen"`
}

type fileTracing struct {
	Exporter string `toml:"exporter"`
	Pretty   bool   `toml:"pretty"`
}

func Default() Config {
	cfg := Config{
		Listen:  "127.0.0.1:7400",
		Server:  server.DefaultConfig(),
		Log:     logging.DefaultConfig(),
		Tracing: tracing.DefaultConfig(),
	}
	cfg.Registry.TTL = cfg.Server.RegistryTTL
	return cfg
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}

	if meta.IsDefined("server", "transaction_limit") {
		cfg.Server.TransactionLimit = raw.Server.TransactionLimit
	}
	if meta.IsDefined("server", "request_buffer_size") {
		cfg.Server.RequestBufferSize = raw.Server.RequestBufferSize
	}
	if meta.IsDefined("server", "response_buffer_size") {
		cfg.Server.ResponseBufferSize = raw.Server.ResponseBufferSize
	}
	if meta.IsDefined("server", "chunk_buffer_size") {
		cfg.Server.ChunkBufferSize = raw.Server.ChunkBufferSize
	}
	if meta.IsDefined("server", "no_delay") {
		cfg.Server.NoDelay = raw.Server.NoDelay
	}
	if meta.IsDefined("server", "gc_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Server.GCInterval))
		if err != nil {
			return Config{}, fmt.Errorf("parse server.gc_interval: %w", err)
		}
		cfg.Server.GCInterval = d
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = strings.TrimSpace(raw.Log.Format)
	}

	if meta.IsDefined("registry", "endpoints") {
		cfg.Registry.Endpoints = normalizeEndpoints(raw.Registry.Endpoints)
	}
	if meta.IsDefined("registry", "ttl") {
		cfg.Registry.TTL = raw.Registry.TTL
	}
	if meta.IsDefined("registry", "advertise") {
		cfg.Registry.Advertise = strings.TrimSpace(raw.Registry.Advertise)
	}
	cfg.Server.RegistryTTL = cfg.Registry.TTL

	if meta.IsDefined("rate_limit", "rate") {
		cfg.RateLimit.Rate = raw.RateLimit.Rate
	}
	if meta.IsDefined("rate_limit", "burst") {
		cfg.RateLimit.Burst = raw.RateLimit.Burst
	}

	if meta.IsDefined("metrics", "listen") {
		cfg.Metrics.Listen = strings.TrimSpace(raw.Metrics.Listen)
	}

	if meta.IsDefined("tracing", "exporter") {
		cfg.Tracing.Exporter = strings.TrimSpace(raw.Tracing.Exporter)
	}
	if meta.IsDefined("tracing", "pretty") {
		cfg.Tracing.Pretty = raw.Tracing.Pretty
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Tracing.Validate(); err != nil {
		return err
	}
	if len(c.Registry.Endpoints) > 0 && c.Registry.TTL <= 0 {
		return fmt.Errorf("config: registry.ttl must be positive, got %d", c.Registry.TTL)
	}
	if c.RateLimit.Rate < 0 || (c.RateLimit.Rate > 0 && c.RateLimit.Burst <= 0) {
		return fmt.Errorf("config: rate_limit needs a positive rate and burst")
	}
	return nil
}

// AdvertiseAddr is the address announced to the registry.
func (c Config) AdvertiseAddr() string {
	if c.Registry.Advertise != "" {
		return c.Registry.Advertise
	}
	return c.Listen
}

func normalizeEndpoints(in []string) []string {
	out := make([]string, 0, len(in))
	for _, ep := range in {
		v := strings.TrimSpace(ep)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
