package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	yaml := `
proxy:
  binding: "0.0.0.0:6432"
  target_address: "db.internal:5432"
  debug_bind_host: "127.0.0.1"

admin:
  metrics_binding: "127.0.0.1:9090"

logging:
  level: debug
  file: /tmp/pgdebugproxy.log
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Proxy.Binding != "0.0.0.0:6432" {
		t.Errorf("Binding = %q, want %q", cfg.Proxy.Binding, "0.0.0.0:6432")
	}
	if cfg.Proxy.TargetAddress != "db.internal:5432" {
		t.Errorf("TargetAddress = %q, want %q", cfg.Proxy.TargetAddress, "db.internal:5432")
	}
	if cfg.Admin.MetricsBinding != "127.0.0.1:9090" {
		t.Errorf("MetricsBinding = %q, want %q", cfg.Admin.MetricsBinding, "127.0.0.1:9090")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}
	if cfg.Proxy.DebugBindHost != "127.0.0.1" {
		t.Errorf("default DebugBindHost = %q, want %q", cfg.Proxy.DebugBindHost, "127.0.0.1")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default Logging.Level = %q, want %q", cfg.Logging.Level, "info")
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load on a missing path should not error: %v", err)
	}
	if cfg.Proxy.Binding != "" {
		t.Errorf("expected zero-value Binding for a missing config file, got %q", cfg.Proxy.Binding)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	yaml := `
proxy:
  binding: "0.0.0.0:6432"
  target_address: "db.internal:5432"
`
	path := writeTemp(t, yaml)

	os.Setenv("PGDEBUGPROXY_BINDING", "0.0.0.0:7777")
	os.Setenv("PGDEBUGPROXY_LOG_LEVEL", "warn")
	defer os.Unsetenv("PGDEBUGPROXY_BINDING")
	defer os.Unsetenv("PGDEBUGPROXY_LOG_LEVEL")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Proxy.Binding != "0.0.0.0:7777" {
		t.Errorf("env override Binding = %q, want %q", cfg.Proxy.Binding, "0.0.0.0:7777")
	}
	if cfg.Proxy.TargetAddress != "db.internal:5432" {
		t.Errorf("TargetAddress should survive an unrelated env override, got %q", cfg.Proxy.TargetAddress)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("env override Logging.Level = %q, want %q", cfg.Logging.Level, "warn")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name:    "missing binding",
			cfg:     Config{Proxy: ProxyConfig{TargetAddress: "db:5432"}},
			wantErr: true,
		},
		{
			name:    "missing target address",
			cfg:     Config{Proxy: ProxyConfig{Binding: "0.0.0.0:6432"}},
			wantErr: true,
		},
		{
			name:    "both present",
			cfg:     Config{Proxy: ProxyConfig{Binding: "0.0.0.0:6432", TargetAddress: "db:5432"}},
			wantErr: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
