// Command pgdebugproxy runs the transparent PostgreSQL debug proxy: it
// accepts primary client connections, forwards the wire protocol to a
// target PostgreSQL backend, and exposes a per-connection debug port an
// operator can attach a second client to mid-transaction.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"pgdebugproxy/internal/admin"
	"pgdebugproxy/internal/config"
	"pgdebugproxy/internal/metrics"
	"pgdebugproxy/internal/proxy"
	"pgdebugproxy/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		binding        string
		targetAddress  string
		debugBinding   string
		configPath     string
		metricsBinding string
	)
	flag.StringVar(&binding, "binding", "", "host:port to bind the primary listener on (required)")
	flag.StringVar(&binding, "b", "", "shorthand for --binding")
	flag.StringVar(&targetAddress, "target-address", "", "host:port of the PostgreSQL backend (required)")
	flag.StringVar(&targetAddress, "t", "", "shorthand for --target-address")
	flag.StringVar(&debugBinding, "debug-binding", "", "host:port hint for debug listeners; only the host is used, the port is always ephemeral")
	flag.StringVar(&debugBinding, "d", "", "shorthand for --debug-binding")
	flag.StringVar(&configPath, "config", "", "optional YAML config file")
	flag.StringVar(&configPath, "c", "", "shorthand for --config")
	flag.StringVar(&metricsBinding, "metrics-binding", "", "host:port for the /metrics and /api/debug-ports admin surface (disabled if empty)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if binding != "" {
		cfg.Proxy.Binding = binding
	}
	if targetAddress != "" {
		cfg.Proxy.TargetAddress = targetAddress
	}
	if debugBinding != "" {
		if host, _, err := net.SplitHostPort(debugBinding); err == nil {
			cfg.Proxy.DebugBindHost = host
		}
	}
	if metricsBinding != "" {
		cfg.Admin.MetricsBinding = metricsBinding
	}
	if err := cfg.Validate(); err != nil {
		flag.Usage()
		return err
	}

	config.Init()
	config.SetOnce(cfg, configPath)

	log := logger.GetDefaultLogger()
	log.SetLevel(logger.ParseLogLevel(cfg.Logging.Level))
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(updated *config.Config) {
			logger.SetDefaultLevelFromString(updated.Logging.Level)
			log.Info("log level hot-reloaded to %s", updated.Logging.Level)
		})
		if err != nil {
			log.Warn("config hot-reload disabled: %v", err)
		} else {
			defer watcher.Stop()
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mc := metrics.New()
	portMap := proxy.NewPortMap()

	if cfg.Admin.MetricsBinding != "" {
		adminSrv := admin.NewServer(portMap, mc, log)
		go func() {
			if err := adminSrv.Start(ctx, cfg.Admin.MetricsBinding); err != nil {
				log.Error("admin server stopped: %v", err)
			}
		}()
	}

	ln := proxy.NewListener(cfg.Proxy.Binding, cfg.Proxy.TargetAddress, cfg.Proxy.DebugBindHost, portMap, log, mc)
	return ln.Serve(ctx)
}
