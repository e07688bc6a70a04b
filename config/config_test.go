package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harpc.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
listen = "0.0.0.0:9000"

[server]
transaction_limit = 8
no_delay = true
gc_interval = "250ms"

[log]
level = "debug"
format = "console"

[registry]
endpoints = [" 127.0.0.1:2379 ", ""]
ttl = 30
advertise = "10.0.0.5:9000"

[rate_limit]
rate = 100
burst = 20

[metrics]
listen = "127.0.0.1:9100"

[tracing]
exporter = "stdout"
pretty = true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9000" {
		t.Fatalf("unexpected listen: %q", cfg.Listen)
	}
	if cfg.Metrics.Listen != "127.0.0.1:9100" {
		t.Fatalf("unexpected metrics listen: %q", cfg.Metrics.Listen)
	}
	if cfg.Tracing.Exporter != "stdout" || !cfg.Tracing.Pretty {
		t.Fatalf("unexpected tracing config: %+v", cfg.Tracing)
	}
	if cfg.Server.TransactionLimit != 8 {
		t.Fatalf("unexpected transaction limit: %d", cfg.Server.TransactionLimit)
	}
	if !cfg.Server.NoDelay {
		t.Fatalf("expected no_delay enabled")
	}
	if cfg.Server.GCInterval != 250*time.Millisecond {
		t.Fatalf("unexpected gc interval: %v", cfg.Server.GCInterval)
	}
	if cfg.Server.RequestBufferSize != Default().Server.RequestBufferSize {
		t.Fatalf("expected default request buffer, got %d", cfg.Server.RequestBufferSize)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
	if len(cfg.Registry.Endpoints) != 1 || cfg.Registry.Endpoints[0] != "127.0.0.1:2379" {
		t.Fatalf("unexpected endpoints: %+v", cfg.Registry.Endpoints)
	}
	if cfg.Server.RegistryTTL != 30 {
		t.Fatalf("expected registry ttl carried into server config, got %d", cfg.Server.RegistryTTL)
	}
	if cfg.AdvertiseAddr() != "10.0.0.5:9000" {
		t.Fatalf("unexpected advertise: %q", cfg.AdvertiseAddr())
	}
	if cfg.RateLimit.Rate != 100 || cfg.RateLimit.Burst != 20 {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	def := Default()
	if cfg.Listen != def.Listen || cfg.Server != def.Server || cfg.Log != def.Log {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.AdvertiseAddr() != def.Listen {
		t.Fatalf("expected advertise to fall back to listen, got %q", cfg.AdvertiseAddr())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "bad duration", body: "[server]\ngc_interval = \"soon\"\n", want: "gc_interval"},
		{name: "zero limit", body: "[server]\ntransaction_limit = 0\n", want: "transaction_limit"},
		{name: "unknown key", body: "[server]\ntransaction_limt = 3\n", want: "unknown key"},
		{name: "rate without burst", body: "[rate_limit]\nrate = 5\n", want: "rate_limit"},
		{name: "unknown exporter", body: "[tracing]\nexporter = \"jaeger\"\n", want: "unsupported exporter"},
		{name: "not toml", body: "listen = ", want: "load config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in error, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
