// Package main is the entry point for the CIP polling worker. It wires the
// RPC Dispatcher to stdio, the CIP Driver Facade, and the metrics/health
// HTTP surface, then blocks until the control channel closes or the process
// receives a termination signal.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orionK-max/cip-poller/internal/cipdriver"
	"github.com/orionK-max/cip-poller/internal/config"
	"github.com/orionK-max/cip-poller/internal/engine"
	"github.com/orionK-max/cip-poller/internal/health"
	"github.com/orionK-max/cip-poller/internal/metrics"
	"github.com/orionK-max/cip-poller/internal/rpc"
	"github.com/orionK-max/cip-poller/internal/telemetry"
	"github.com/orionK-max/cip-poller/pkg/logging"
)

const serviceName = "cip-poller"

func main() {
	configPath := flag.String("config", "", "path to worker config YAML (optional)")
	flag.Parse()

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
		cfg.Metrics.Enabled = true
	}
	applyConfigDefaults(cfg)

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger = logging.WithComponent(logger, serviceName)
	logger.Info().Str("service", serviceName).Msg("starting")

	reg := metrics.NewRegistry()

	driver := cipdriver.NewGoeipDriver()
	emitter := telemetry.New(os.Stdout)
	eng := engine.New(driver, emitter, logger, reg)

	dispatcher := rpc.New(os.Stdout, logger)
	eng.Register(dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var httpServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		checker := health.NewChecker(eng, logger)
		mux.HandleFunc("/health", checker.HealthHandler)
		mux.HandleFunc("/health/live", checker.LiveHandler)
		mux.HandleFunc("/health/ready", checker.ReadyHandler)
		mux.Handle("/metrics", promhttp.Handler())

		httpServer = &http.Server{
			Addr:    cfg.Metrics.ListenAddr,
			Handler: mux,
		}
		go func() {
			logger.Info().Str("addr", cfg.Metrics.ListenAddr).Msg("starting metrics/health server")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics/health server error")
			}
		}()
	}

	rpcDone := make(chan error, 1)
	go func() {
		rpcDone <- dispatcher.Run(ctx, os.Stdin)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		logger.Info().Msg("shutdown signal received")
	case err := <-rpcDone:
		if err != nil {
			logger.Error().Err(err).Msg("control channel closed with error")
		} else {
			logger.Info().Msg("control channel closed (EOF)")
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer shutdownCancel()

	eng.Shutdown()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error shutting down metrics/health server")
		}
	}

	logger.Info().Msg("shutdown complete")
}

func applyConfigDefaults(cfg *config.Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = serviceName
	}
	if cfg.Service.ShutdownTimeout == 0 {
		cfg.Service.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Defaults.MaxTagsPerGroup == 0 {
		cfg.Defaults.MaxTagsPerGroup = 500
	}
	if cfg.Defaults.MaxConcurrentConnections == 0 {
		cfg.Defaults.MaxConcurrentConnections = 8
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
}
