package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the proxy's full configuration: where to listen, where to
// forward, what interface debug listeners bind on, and the ambient logging
// and admin-surface settings. CLI flags (cmd/pgdebugproxy) take precedence
// over anything loaded here; this layer exists so a deployment can check in
// a YAML file instead of a long flag line.
type Config struct {
	Proxy   ProxyConfig   `yaml:"proxy"`
	Admin   AdminConfig   `yaml:"admin"`
	Logging LoggingConfig `yaml:"logging"`
}

// ProxyConfig names the two required endpoints and the debug-bind hint.
type ProxyConfig struct {
	Binding       string `yaml:"binding"`
	TargetAddress string `yaml:"target_address"`
	DebugBindHost string `yaml:"debug_bind_host"`
}

// AdminConfig controls the optional metrics/debug-port HTTP surface.
type AdminConfig struct {
	MetricsBinding string `yaml:"metrics_binding"`
}

// LoggingConfig controls the ambient logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads configPath (if non-empty and present) over a set of defaults,
// then applies environment overrides. A missing configPath is not an error:
// CLI-flag-only operation is the common case.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		Proxy: ProxyConfig{
			DebugBindHost: "127.0.0.1",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	loadFromEnv(cfg)
	return cfg, nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("PGDEBUGPROXY_BINDING"); v != "" {
		cfg.Proxy.Binding = v
	}
	if v := os.Getenv("PGDEBUGPROXY_TARGET_ADDRESS"); v != "" {
		cfg.Proxy.TargetAddress = v
	}
	if v := os.Getenv("PGDEBUGPROXY_DEBUG_BIND_HOST"); v != "" {
		cfg.Proxy.DebugBindHost = v
	}
	if v := os.Getenv("PGDEBUGPROXY_METRICS_BINDING"); v != "" {
		cfg.Admin.MetricsBinding = v
	}
	if v := os.Getenv("PGDEBUGPROXY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PGDEBUGPROXY_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
}

// Validate checks that the fields required for the proxy to run at all are
// present. Called once, after flags have been merged on top of the loaded
// Config, in cmd/pgdebugproxy.
func (c *Config) Validate() error {
	if c.Proxy.Binding == "" {
		return fmt.Errorf("proxy.binding (--binding/-b) is required")
	}
	if c.Proxy.TargetAddress == "" {
		return fmt.Errorf("proxy.target_address (--target-address/-t) is required")
	}
	return nil
}
